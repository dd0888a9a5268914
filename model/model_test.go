// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/robustness/attack"
	"github.com/gomlx/robustness/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchs(t *testing.T) {
	backend := simplego.New("")
	assert.Equal(t, []string{"cnn", "linear", "resnet18"}, ArchNames())
	_, err := ArchByName("vgg")
	require.Error(t, err)

	for _, arch := range ArchNames() {
		t.Run(arch, func(t *testing.T) {
			if arch == "resnet18" && testing.Short() {
				t.Skip("skipping resnet18 in short mode")
			}
			fn, err := ArchByName(arch)
			require.NoError(t, err)
			ctx := context.New()
			images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 16, 16, 3))
			logits, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
				return fn(ctx, images, 5)
			}, images)
			require.NoError(t, err)
			assert.Equal(t, []int{2, 5}, logits.Shape().Dimensions)
			assert.Greater(t, ctx.NumVariables(), 0)
		})
	}
}

func TestForward(t *testing.T) {
	backend := simplego.New("")
	m, err := New("linear", 3, []float32{0.5}, []float32{0.25})
	require.NoError(t, err)
	m.Attack = &attack.Config{Constraint: attack.ConstraintInf, Eps: 0.1, StepSize: 0.05, Iterations: 2}
	require.NoError(t, m.Context.SetRNGStateFromSeed(1))

	pixels := make([]float32, 2*4*6*6)
	for ii := range pixels {
		pixels[ii] = 0.5
	}
	images := tensors.FromFlatDataAndDimensions(pixels, 2, 4, 6, 6, 1)
	labels := tensors.FromFlatDataAndDimensions([]int32{0, 2}, 2, 1)
	viewsLoss := func(logits, labels *Node) *Node {
		flatLabels := Reshape(BroadcastToDims(labels, 2, 4), 8)
		return ReduceAllMean(CrossEntropy(Reshape(logits, 8, 3), flatLabels))
	}
	exec, err := context.NewExec(backend, m.Context, func(ctx *context.Context, images, labels *Node) []*Node {
		nat := m.Forward(ctx, images, labels, false)
		adv := m.Forward(ctx, images, labels, true)
		return []*Node{nat, adv, viewsLoss(nat, labels), viewsLoss(adv, labels)}
	})
	require.NoError(t, err)
	outputs, err := exec.Exec(images, labels)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 3}, outputs[1].Shape().Dimensions)

	// The cross-entropy of a linear model is convex on its input, so each signed gradient step increases it.
	natLoss := tensors.ToScalar[float32](outputs[2])
	advLoss := tensors.ToScalar[float32](outputs[3])
	assert.Greater(t, advLoss, natLoss)

	// Both passes share the same weights, all under the model scope.
	var numModelVars int
	for v := range m.Context.IterVariables() {
		if strings.HasPrefix(v.Scope(), "/"+Scope+"/") {
			numModelVars++
		}
	}
	assert.Equal(t, 2, numModelVars)
	require.NoError(t, m.SetEps(0.2))
	value, err := m.EpsVar().Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.2, value.Value().(float32), 1e-6)
}

func TestCrossEntropyAndCorrect(t *testing.T) {
	backend := simplego.New("")
	logits := tensors.FromValue([][]float32{{0, 0}, {10, -10}})
	labels := tensors.FromValue([]int32{0, 1})
	ce, correct, err := context.MustNewExec(backend, context.New(),
		func(_ *context.Context, logits, labels *Node) (*Node, *Node) {
			return CrossEntropy(logits, labels), Correct(logits, labels)
		}).Exec2(logits, labels)
	require.NoError(t, err)
	got := tensors.MustCopyFlatData[float32](ce)
	assert.InDelta(t, 0.6931, got[0], 1e-3)
	assert.InDelta(t, 20, got[1], 1e-3)
	assert.Equal(t, []bool{true, false}, tensors.MustCopyFlatData[bool](correct))
}

func saveCheckpoint(t *testing.T, dir string, modelScope string) {
	ctx := context.New()
	ctx.InAbsPath(modelScope+"/dense").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.InAbsPath(modelScope+"/dense").VariableWithValue("biases", []float32{0.5, -0.5})
	ctx.InAbsPath("/optimizers").VariableWithValue("learning_rate", float32(0.01))
	ctx.InAbsPath(TrainingScope).VariableWithValue(EpochVariable, int64(4))
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
}

func TestMakeAndRestoreModel(t *testing.T) {
	ds := &datasets.Dataset{Name: "test", NumClasses: 2, Channels: 1, Mean: []float32{0.1}, Std: []float32{0.3}}

	t.Run("Fresh", func(t *testing.T) {
		m, ckpt, err := MakeAndRestoreModel("cnn", ds, "")
		require.NoError(t, err)
		assert.Nil(t, ckpt)
		assert.Equal(t, 0, ckpt.StartEpoch())
		assert.Equal(t, 2, m.NumClasses)
		assert.Equal(t, 0, m.Context.NumVariables())
	})

	for _, wrapped := range []bool{false, true} {
		name := "Plain"
		scope := "/model"
		if wrapped {
			name = "Wrapped"
			scope = WrappedScope + "/model"
		}
		t.Run(name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "ckpt")
			saveCheckpoint(t, dir, scope)
			m, ckpt, err := MakeAndRestoreModel("linear", ds, dir)
			require.NoError(t, err)
			require.NotNil(t, ckpt)
			assert.Equal(t, wrapped, ckpt.Wrapped)
			assert.Equal(t, 4, ckpt.Epoch)
			assert.Equal(t, 5, ckpt.StartEpoch())

			v := m.Context.GetVariableByScopeAndName("/model/dense", "weights")
			require.NotNil(t, v)
			assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, v.MustValue().Value())
			assert.Nil(t, m.Context.GetVariableByScopeAndName(WrappedScope+"/model/dense", "weights"))

			// Optimizer state is kept apart from the weights.
			assert.Nil(t, m.Context.GetVariableByScopeAndName("/optimizers", "learning_rate"))
			assert.Contains(t, ckpt.Optimizer, context.VariableParameterNameFromScopeAndName("/optimizers", "learning_rate"))
			ctx := context.New()
			ckpt.RestoreOptimizer(ctx)
			lr := ctx.GetVariableByScopeAndName("/optimizers", "learning_rate")
			require.NotNil(t, lr)
			assert.InDelta(t, 0.01, lr.MustValue().Value().(float32), 1e-6)
		})
	}

	t.Run("Missing", func(t *testing.T) {
		_, _, err := MakeAndRestoreModel("linear", ds, filepath.Join(t.TempDir(), "nothing"))
		require.Error(t, err)
	})

	t.Run("UnknownArch", func(t *testing.T) {
		_, _, err := MakeAndRestoreModel("vgg", ds, "")
		require.Error(t, err)
	})
}
