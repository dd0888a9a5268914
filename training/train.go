// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains and evaluates an AttackerModel over loaders of rotated views, optionally on
// adversarial examples, logging the progress to the experiment store.
package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/helpers"
	"github.com/gomlx/robustness/model"
	"github.com/gomlx/robustness/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LogsTable is the name of the store table with one row per evaluated epoch.
	LogsTable = "logs"

	// CheckpointsDir is the sub-directory of the store path where checkpoints are saved.
	CheckpointsDir = "checkpoints"

	// LogsPlotFile is the file name, under the store path, of the plot of the logs.
	LogsPlotFile = "logs.png"
)

// ShowProgressBar controls whether a progress bar is displayed while training each epoch.
var ShowProgressBar = true

// TrainModel trains m on trainLoader for the epochs configured in args, evaluating on valLoader every
// log_iters epochs and on the last one.
//
// The optimizer is SGD with the momentum of args (see NewSGD), with the learning rate following the
// schedule of args and weight_decay applied as an L2 regularization.
//
// If ckpt is not nil, the optimizer state is restored from it and training continues from the epoch
// following the one it recorded. Each evaluated epoch is appended to the LogsTable of st, and checkpoints
// are saved under the store path: "latest" after every epoch, "best" whenever the tracked precision
// improves, and "epoch_<n>" every save_ckpt_iters epochs.
func TrainModel(backend backends.Backend, args *defaults.Args, m *model.AttackerModel,
	trainLoader, valLoader train.Dataset, st *store.Store, ckpt *model.Checkpoint) (*model.AttackerModel, error) {
	if st == nil {
		return nil, errors.New("TrainModel requires an experiment store")
	}
	numEpochs := args.Int("epochs")
	if numEpochs <= 0 {
		return nil, errors.Errorf("epochs must be > 0, got %d", numEpochs)
	}
	lossCfg, err := LossConfigFromArgs(args)
	if err != nil {
		return nil, err
	}
	schedule, err := helpers.NewLRSchedule(args)
	if err != nil {
		return nil, err
	}
	if args.Bool("adv_train") && m.Attack == nil {
		return nil, errors.New("adversarial training requested, but no attack is configured")
	}
	momentum := args.Float("momentum")
	if momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1), got %g", momentum)
	}
	if args.Bool("mixed_precision") {
		klog.Warningf("mixed_precision is ignored: training in float32")
	}
	m.AdvTrain = args.Bool("adv_train")

	ctx := m.Context
	ctx.SetParam(regularizers.ParamL2, args.Float("weight_decay")/2)
	ckpt.RestoreOptimizer(ctx)
	startEpoch := ckpt.StartEpoch()
	if startEpoch >= numEpochs {
		klog.Infof("checkpoint already trained %d epochs, out of %d: nothing to train", startEpoch, numEpochs)
		return m, nil
	}

	optimizer := NewSGD(schedule.LR(startEpoch), momentum)
	trainer := train.NewTrainer(backend, ctx, m.ModelFn, lossCfg.LossFn, optimizer, TrainMetrics(lossCfg), nil)
	loop := train.NewLoop(trainer)
	var pBar *progressBar
	if ShowProgressBar {
		pBar = attachProgressBar(loop, numEpochs)
	}

	evaluator, err := NewEvaluator(backend, m, args.Bool("adv_eval"))
	if err != nil {
		return nil, err
	}
	ckpts, err := newCheckpointSaver(ctx, filepath.Join(st.Path(), CheckpointsDir), args.Int("save_ckpt_iters"))
	if err != nil {
		return nil, err
	}
	epochVar := ctx.Checked(false).InAbsPath(model.TrainingScope).
		VariableWithValue(model.EpochVariable, int64(startEpoch-1)).SetTrainable(false)
	logIters := max(args.Int("log_iters"), 1)
	bestPrec1 := math.Inf(-1)
	for epoch := startEpoch; epoch < numEpochs; epoch++ {
		start := time.Now()
		if err = optimizers.LearningRateVar(ctx, dtypes.Float32, schedule.LR(epoch)).
			SetValue(tensors.FromScalar(float32(schedule.LR(epoch)))); err != nil {
			return nil, err
		}
		if m.Attack != nil {
			if err = m.SetEps(m.Attack.EpsAt(epoch)); err != nil {
				return nil, err
			}
		}
		if pBar != nil {
			pBar.epoch = epoch
		}
		trainResults, err := loop.RunEpochs(trainLoader, 1)
		if err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		trainPrec1, trainLoss := readTrainMetrics(trainer, trainResults)
		if err = epochVar.SetValue(tensors.FromScalar(int64(epoch))); err != nil {
			return nil, err
		}
		klog.V(1).Infof("epoch %d: train_prec1=%.2f%% train_loss=%.4f lr=%g", epoch, trainPrec1, trainLoss, schedule.LR(epoch))

		lastEpoch := epoch == numEpochs-1
		if epoch%logIters == 0 || lastEpoch {
			if m.Attack != nil {
				// Evaluation always uses the full radius.
				if err = m.SetEps(m.Attack.Eps); err != nil {
					return nil, err
				}
			}
			results, err := evaluator.Evaluate(valLoader)
			if err != nil {
				return nil, err
			}
			row := results.Map()
			row["epoch"] = epoch
			row["train_prec1"] = trainPrec1
			row["train_loss"] = trainLoss
			row["time"] = time.Since(start).Seconds()
			delete(row, "num_examples")
			if err = appendRow(st, LogsTable, row); err != nil {
				return nil, err
			}
			prec1 := results.NatPrec1
			if results.Adversarial {
				prec1 = results.AdvPrec1
			}
			if prec1 > bestPrec1 {
				bestPrec1 = prec1
				if err = ckpts.save("best"); err != nil {
					return nil, err
				}
			}
		}
		if err = ckpts.save("latest"); err != nil {
			return nil, err
		}
		if ckpts.every > 0 && (epoch+1)%ckpts.every == 0 {
			if err = ckpts.save(fmt.Sprintf("epoch_%d", epoch)); err != nil {
				return nil, err
			}
		}
	}

	if table, found := st.Table(LogsTable); found {
		ys := []string{"nat_prec1", "rot_prec1", "worst_rot_prec1", "train_prec1"}
		if args.Bool("adv_eval") {
			ys = append(ys, "adv_prec1")
		}
		if plotPath, err := table.Plot(fmt.Sprintf("%s: %s", st.ExpName(), m.Arch), "epoch", ys, LogsPlotFile); err != nil {
			klog.Warningf("failed to plot training logs: %+v", err)
		} else {
			klog.Infof("training logs plotted to %s", plotPath)
		}
	}
	return m, nil
}

// readTrainMetrics returns the accuracy (in percent) and loss means of the last epoch.
func readTrainMetrics(trainer *train.Trainer, results []*tensors.Tensor) (prec1, loss float64) {
	prec1, loss = math.NaN(), math.NaN()
	for ii, metric := range trainer.TrainMetrics() {
		if ii >= len(results) || results[ii] == nil {
			continue
		}
		value := float64(tensors.ToScalar[float32](results[ii]))
		switch metric.ShortName() {
		case AccuracyShortName:
			prec1 = 100 * value
		case LossShortName:
			loss = value
		}
	}
	return
}

// appendRow appends the row to the named table of st, creating the table from the row if needed.
func appendRow(st *store.Store, tableName string, row map[string]any) error {
	table, err := st.GetOrAddTable(tableName, store.SchemaFromMap(row))
	if err != nil {
		return err
	}
	return table.AppendRow(row)
}

// checkpointSaver saves the whole context (model, optimizer and training state) to named
// sub-directories, keeping only the last checkpoint in each.
type checkpointSaver struct {
	ctx      *context.Context
	baseDir  string
	every    int
	handlers map[string]*checkpoints.Handler
}

func newCheckpointSaver(ctx *context.Context, baseDir string, every int) (*checkpointSaver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoints directory %q", baseDir)
	}
	return &checkpointSaver{
		ctx:      ctx,
		baseDir:  baseDir,
		every:    every,
		handlers: make(map[string]*checkpoints.Handler),
	}, nil
}

// save a checkpoint of the context under baseDir/name.
func (s *checkpointSaver) save(name string) error {
	handler, found := s.handlers[name]
	if !found {
		var err error
		handler, err = checkpoints.Build(s.ctx).Dir(filepath.Join(s.baseDir, name)).Keep(1).Done()
		if err != nil {
			return errors.WithMessagef(err, "creating checkpoint %q", name)
		}
		s.handlers[name] = handler
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}
	klog.V(2).Infof("saved checkpoint %q", name)
	return nil
}
