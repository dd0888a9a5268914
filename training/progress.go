// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressRefreshPeriod is the maximum time between terminal updates of the progress bar.
var ProgressRefreshPeriod = time.Second * 3

// progressBarName is used to register the progress bar hooks in the train.Loop.
const progressBarName = "robustness.training.progressBar"

// maxUpdateFrequency is the minimum time between redraws of the progress bar.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar displays the progress of one epoch at a time, with the running train metrics.
//
// The train.Loop is run one epoch at a time, so a new bar and updates channel are created at each onStart.
type progressBar struct {
	epoch, numEpochs int
	stepsPerEpoch    int
	lastStepReported int

	bar              *progressbar.ProgressBar
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount  int
	metrics []string
}

// attachProgressBar creates the progress bar and registers it in the loop.
// The caller must update epoch (and optionally stepsPerEpoch) before each run.
func attachProgressBar(loop *train.Loop, numEpochs int) *progressBar {
	pBar := &progressBar{
		numEpochs:  numEpochs,
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(progressBarName, 0, pBar.onStart)
	train.NTimesDuringLoop(loop, 1000, progressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, ProgressRefreshPeriod, false, progressBarName, 0, pBar.onStep)
	loop.OnEnd(progressBarName, 0, pBar.onEnd)
	return pBar
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	numSteps := pBar.stepsPerEpoch
	if numSteps <= 0 {
		// Unknown until the end of the first epoch.
		numSteps = -1
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", pBar.epoch+1, pBar.numEpochs)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(loop, pBar.updates)
	return nil
}

// drawUpdates consumes updates until the channel is closed, redrawing at most every maxUpdateFrequency.
func (pBar *progressBar) drawUpdates(loop *train.Loop, updates chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Epoch", fmt.Sprintf("%d of %d", pBar.epoch+1, pBar.numEpochs))
		pBar.statsTable.Row("Global step", update.metrics[0])
		pBar.statsTable.Row("Median train step duration", formatDuration(loop.MedianTrainStepDuration()))
		for metricIdx, metricObj := range loop.Trainer.TrainMetrics() {
			pBar.statsTable.Row(metricObj.Name(), update.metrics[1+metricIdx])
		}

		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(len(update.metrics) + 1 + 2 + 2)
		}
		pBar.isFirstOutput = false
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	trainMetrics := loop.Trainer.TrainMetrics()
	update := progressBarUpdate{
		amount:  amount,
		metrics: make([]string, 0, len(trainMetrics)+1),
	}
	update.metrics = append(update.metrics, humanize.Comma(int64(loop.LoopStep)))
	for metricIdx, metricObj := range trainMetrics {
		update.metrics = append(update.metrics, metricObj.PrettyPrint(metrics[metricIdx]))
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop, _ []*tensors.Tensor) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	if pBar.stepsPerEpoch <= 0 {
		pBar.stepsPerEpoch = loop.LoopStep - loop.StartStep
	}
	fmt.Println()
	return nil
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints the duration with at most 2 decimal places.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
