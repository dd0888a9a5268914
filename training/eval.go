// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/helpers"
	"github.com/gomlx/robustness/model"
	"github.com/gomlx/robustness/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvalTable is the name of the store table EvalModel writes to.
const EvalTable = "eval"

// Results of evaluating a model over a dataset. Precisions are percentages.
type Results struct {
	NumExamples int

	NatPrec1, NatLoss           float64
	RotPrec1, WorstRotPrec1     float64
	Adversarial                 bool
	AdvPrec1, AdvLoss           float64
	Duration                    time.Duration
}

// Map returns the results keyed by their names in the store. Adversarial metrics are NaN if
// they were not evaluated.
func (r Results) Map() map[string]any {
	advPrec1, advLoss := math.NaN(), math.NaN()
	if r.Adversarial {
		advPrec1, advLoss = r.AdvPrec1, r.AdvLoss
	}
	return map[string]any{
		"nat_prec1":       r.NatPrec1,
		"nat_loss":        r.NatLoss,
		"adv_prec1":       advPrec1,
		"adv_loss":        advLoss,
		"rot_prec1":       r.RotPrec1,
		"worst_rot_prec1": r.WorstRotPrec1,
		"num_examples":    r.NumExamples,
		"time":            r.Duration.Seconds(),
	}
}

// Render the results as a table for the console.
func (r Results) Render(title string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Examples", fmt.Sprintf("%d", r.NumExamples))
	table.Row("Natural accuracy", fmt.Sprintf("%.2f%%", r.NatPrec1))
	table.Row("Natural loss", fmt.Sprintf("%.4f", r.NatLoss))
	table.Row("Rotations accuracy", fmt.Sprintf("%.2f%%", r.RotPrec1))
	table.Row("Worst rotation accuracy", fmt.Sprintf("%.2f%%", r.WorstRotPrec1))
	if r.Adversarial {
		table.Row("Adversarial accuracy", fmt.Sprintf("%.2f%%", r.AdvPrec1))
		table.Row("Adversarial loss", fmt.Sprintf("%.4f", r.AdvLoss))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lipgloss.NewStyle().Bold(true).Render(title), table.Render())
}

// Evaluator runs a model over evaluation datasets.
type Evaluator struct {
	model       *model.AttackerModel
	adversarial bool
	exec        *context.Exec
}

// NewEvaluator creates an Evaluator of m. If adversarial, the model must have an attack configured.
func NewEvaluator(backend backends.Backend, m *model.AttackerModel, adversarial bool) (*Evaluator, error) {
	if adversarial && m.Attack == nil {
		return nil, errors.Errorf("adversarial evaluation requested, but no attack is configured")
	}
	e := &Evaluator{model: m, adversarial: adversarial}
	var err error
	e.exec, err = context.NewExec(backend, m.Context, func(ctx *context.Context, images, labels *Node) *Node {
		return evalGraph(m, adversarial, ctx, images, labels)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation graph executor")
	}
	return e, nil
}

// Evaluate the model over one epoch of ds, and reset ds afterwards.
//
// The dataset must yield inputs [images [B, V, H, W, C], labels [B, 1]].
func (e *Evaluator) Evaluate(ds train.Dataset) (Results, error) {
	start := time.Now()
	var natPrec1, natLoss, rotPrec1, worstRotPrec1, advPrec1, advLoss helpers.AverageMeter
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Results{}, errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		if len(inputs) < 2 {
			return Results{}, errors.Errorf("dataset %q yielded %d inputs, expected images and labels", ds.Name(), len(inputs))
		}
		sumsT, err := e.exec.Exec1(inputs[0], inputs[1])
		if err != nil {
			return Results{}, errors.WithMessagef(err, "evaluation step on %q", ds.Name())
		}
		sums := tensors.MustCopyFlatData[float32](sumsT)
		n := int(sums[sumExamples])
		mean := func(idx int) float64 { return float64(sums[idx]) / float64(n) }
		natPrec1.Update(100*mean(sumNatCorrect), n)
		natLoss.Update(mean(sumNatLoss), n)
		rotPrec1.Update(100*mean(sumRotCorrect), n)
		worstRotPrec1.Update(100*mean(sumWorstRotCorrect), n)
		advPrec1.Update(100*mean(sumAdvCorrect), n)
		advLoss.Update(mean(sumAdvLoss), n)
		for _, t := range append(append(inputs, labels...), sumsT) {
			if err := t.FinalizeAll(); err != nil {
				return Results{}, errors.WithMessage(err, "freeing evaluation tensors")
			}
		}
	}
	ds.Reset()
	if natPrec1.Count == 0 {
		return Results{}, errors.Errorf("dataset %q yielded no examples to evaluate", ds.Name())
	}
	r := Results{
		NumExamples:   natPrec1.Count,
		NatPrec1:      natPrec1.Avg,
		NatLoss:       natLoss.Avg,
		RotPrec1:      rotPrec1.Avg,
		WorstRotPrec1: worstRotPrec1.Avg,
		Adversarial:   e.adversarial,
		AdvPrec1:      advPrec1.Avg,
		AdvLoss:       advLoss.Avg,
		Duration:      time.Since(start),
	}
	klog.V(1).Infof("evaluated %d examples of %q in %s", r.NumExamples, ds.Name(), r.Duration)
	return r, nil
}

// EvalModel evaluates m over the validation loader: natural and rotated views always, adversarial
// examples if adv_eval is set. It prints the results, appends them as one row of the EvalTable of st
// (if st is not nil) and returns them.
func EvalModel(backend backends.Backend, args *defaults.Args, m *model.AttackerModel, valLoader train.Dataset, st *store.Store) (map[string]any, error) {
	e, err := NewEvaluator(backend, m, args.Bool("adv_eval"))
	if err != nil {
		return nil, err
	}
	if err = m.SetEps(attackEps(m)); err != nil {
		return nil, err
	}
	r, err := e.Evaluate(valLoader)
	if err != nil {
		return nil, err
	}
	fmt.Println(r.Render(fmt.Sprintf("Evaluation of %q on %s", m.Arch, valLoader.Name())))
	row := r.Map()
	if st != nil {
		table, err := st.GetOrAddTable(EvalTable, store.SchemaFromMap(row))
		if err != nil {
			return nil, err
		}
		if err = table.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// attackEps is the full attack radius, or 0 without an attack.
func attackEps(m *model.AttackerModel) float64 {
	if m.Attack == nil {
		return 0
	}
	return m.Attack.Eps
}
