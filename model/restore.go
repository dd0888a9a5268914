// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/robustness/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// WrappedScope is the scope under which multi-device wrappers save the model variables.
	WrappedScope = "/module"

	// TrainingScope holds the training loop state saved along the checkpoints, like the epoch.
	TrainingScope = "/training"

	// EpochVariable is the name of the last completed epoch variable, under TrainingScope.
	EpochVariable = "epoch"
)

// Checkpoint is the training state restored along with a model.
type Checkpoint struct {
	// Dir the checkpoint was loaded from.
	Dir string

	// Wrapped is true if the variables were saved under WrappedScope, and have been unwrapped.
	Wrapped bool

	// Epoch is the last completed epoch, or -1 if the checkpoint didn't record it.
	Epoch int

	// Optimizer holds the optimizer and training loop variables (including the global step),
	// by their parameter names.
	Optimizer map[string]*tensors.Tensor
}

// RestoreOptimizer copies the optimizer variables of the checkpoint into ctx.
func (c *Checkpoint) RestoreOptimizer(ctx *context.Context) {
	if c == nil {
		return
	}
	ctx = ctx.Checked(false)
	for paramName, value := range c.Optimizer {
		scope, name := context.VariableScopeAndNameFromParameterName(paramName)
		if v := ctx.GetVariableByScopeAndName(scope, name); v != nil {
			v.MustSetValue(value)
			continue
		}
		ctx.InAbsPath(scope).VariableWithValue(name, value).SetTrainable(false)
	}
}

// StartEpoch is the first epoch to train when resuming from the checkpoint, 0 for a nil checkpoint.
func (c *Checkpoint) StartEpoch() int {
	if c == nil {
		return 0
	}
	return c.Epoch + 1
}

// isOptimizerState returns whether the variable is training state rather than model weights.
func isOptimizerState(scope, name string) bool {
	if name == optimizers.GlobalStepVariableName && scope == context.RootScope {
		return true
	}
	for _, prefix := range []string{context.RootScope + optimizers.Scope, TrainingScope, train.TrainerAbsoluteScope} {
		if scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
			return true
		}
	}
	return false
}

// unwrapScope removes the WrappedScope prefix from scope. It returns false if scope is not wrapped.
func unwrapScope(scope string) (string, bool) {
	if scope == WrappedScope {
		return context.RootScope, true
	}
	if rest, found := strings.CutPrefix(scope, WrappedScope+context.ScopeSeparator); found {
		return context.RootScope + rest, true
	}
	return scope, false
}

// MakeAndRestoreModel creates the AttackerModel for the architecture and dataset and, if resumePath is
// not empty, restores its weights from the checkpoint there.
//
// Checkpoints saved by a multi-device wrapper (with every variable under WrappedScope) are unwrapped.
// Optimizer and training loop variables are not loaded into the model: they are returned in the
// Checkpoint, to be restored with Checkpoint.RestoreOptimizer if the training is resumed.
// The returned Checkpoint is nil if resumePath is empty.
func MakeAndRestoreModel(arch string, ds *datasets.Dataset, resumePath string) (*AttackerModel, *Checkpoint, error) {
	m, err := New(arch, ds.NumClasses, ds.Mean, ds.Std)
	if err != nil {
		return nil, nil, err
	}
	if resumePath == "" {
		return m, nil, nil
	}

	scratch := context.New()
	_, err = checkpoints.Load(scratch).Dir(resumePath).Immediate().Done()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load checkpoint from %q", resumePath)
	}
	ckpt := &Checkpoint{
		Dir:       resumePath,
		Epoch:     -1,
		Optimizer: make(map[string]*tensors.Tensor),
	}

	type loaded struct {
		scope, name string
		value       *tensors.Tensor
	}
	var vars []loaded
	allWrapped := true
	for v := range scratch.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading variable %q from checkpoint %q", v.ScopeAndName(), resumePath)
		}
		vars = append(vars, loaded{v.Scope(), v.Name(), value})
		if _, wrapped := unwrapScope(v.Scope()); !wrapped && !isOptimizerState(v.Scope(), v.Name()) {
			allWrapped = false
		}
	}
	ckpt.Wrapped = allWrapped && len(vars) > 0
	if ckpt.Wrapped {
		klog.V(1).Infof("unwrapping checkpoint %q: removing the %q scope", resumePath, WrappedScope)
	}

	ctx := m.Context.Checked(false)
	var numWeights int
	for _, v := range vars {
		scope := v.scope
		if ckpt.Wrapped {
			scope, _ = unwrapScope(scope)
		}
		if isOptimizerState(scope, v.name) {
			ckpt.Optimizer[context.VariableParameterNameFromScopeAndName(scope, v.name)] = v.value
			if scope == TrainingScope && v.name == EpochVariable {
				ckpt.Epoch = int(tensorToInt64(v.value))
			}
			continue
		}
		ctx.InAbsPath(scope).VariableWithValue(v.name, v.value)
		numWeights++
	}
	if numWeights == 0 {
		return nil, nil, errors.Errorf("checkpoint %q has no model weights", resumePath)
	}
	klog.V(1).Infof("restored %d variables of model %q from %q (epoch %d)", numWeights, arch, resumePath, ckpt.Epoch)
	return m, ckpt, nil
}

func tensorToInt64(t *tensors.Tensor) int64 {
	switch v := t.Value().(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return -1
}
