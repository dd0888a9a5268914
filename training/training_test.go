// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/robustness/datasets"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/model"
	"github.com/gomlx/robustness/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	ShowProgressBar = false
}

// twoLevelsDataset yields batches of 4x4 grayscale images: label 0 examples have all pixels set to 0.1
// and label 1 examples to 0.9. Views are identical copies of the example.
type twoLevelsDataset struct {
	numBatches, batchSize, numViews int
	next                            int
}

func (ds *twoLevelsDataset) Name() string { return "two-levels" }

func (ds *twoLevelsDataset) Reset() { ds.next = 0 }

func (ds *twoLevelsDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.next++
	const size = 4
	pixels := make([]float32, 0, ds.batchSize*ds.numViews*size*size)
	batchLabels := make([]int32, ds.batchSize)
	for ii := range ds.batchSize {
		label := int32(ii % 2)
		batchLabels[ii] = label
		value := float32(0.1 + 0.8*float64(label))
		for range ds.numViews * size * size {
			pixels = append(pixels, value)
		}
	}
	images := tensors.FromFlatDataAndDimensions(pixels, ds.batchSize, ds.numViews, size, size, 1)
	inputLabels := tensors.FromFlatDataAndDimensions(batchLabels, ds.batchSize, 1)
	return nil, []*tensors.Tensor{images, inputLabels}, []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, ds.batchSize, 1)}, nil
}

func newLinearModel(t *testing.T) *model.AttackerModel {
	m, err := model.New("linear", 2, []float32{0.5}, []float32{0.5})
	require.NoError(t, err)
	return m
}

func newTrainArgs(epochs int) *defaults.Args {
	return defaults.NewArgs(map[string]any{
		"epochs":          epochs,
		"lr":              0.5,
		"weight_decay":    0.0,
		"momentum":        0.0,
		"step_lr_gamma":   0.1,
		"log_iters":       1,
		"save_ckpt_iters": -1,
		"aggregation":     "mean",
		"p_norm":          2.0,
		"reg_alpha":       1.0,
		"adv_train":       false,
		"adv_eval":        false,
	})
}

func execLoss(t *testing.T, backend backends.Backend, fn func(g *Graph) *Node) []float32 {
	result, err := context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		return fn(g)
	})
	require.NoError(t, err)
	return tensors.MustCopyFlatData[float32](result)
}

func TestAggregate(t *testing.T) {
	backend := simplego.New("")
	values := [][]float32{{1, 3}, {2, 2}}
	for _, tc := range []struct {
		cfg  LossConfig
		want []float32
	}{
		{LossConfig{Aggregation: AggregateMean}, []float32{2, 2}},
		{LossConfig{Aggregation: AggregateMax}, []float32{3, 2}},
		{LossConfig{Aggregation: AggregateLp, PNorm: 2}, []float32{float32(math.Sqrt(5)), 2}},
		{LossConfig{Aggregation: AggregateSoftmax}, []float32{1 + 2*float32(math.E*math.E/(1+math.E*math.E)), 2}},
	} {
		t.Run(string(tc.cfg.Aggregation), func(t *testing.T) {
			got := execLoss(t, backend, func(g *Graph) *Node {
				return tc.cfg.Aggregate(Const(g, values))
			})
			assert.InDeltaSlice(t, tc.want, got, 1e-4)
		})
	}

	_, err := LossConfigFromArgs(defaults.NewArgs(map[string]any{"aggregation": "median"}))
	assert.Error(t, err)
	_, err = LossConfigFromArgs(defaults.NewArgs(map[string]any{"aggregation": "lp", "p_norm": 0}))
	assert.Error(t, err)
	cfg, err := LossConfigFromArgs(defaults.NewArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, AggregateMean, cfg.Aggregation)
}

func TestExamplesLoss(t *testing.T) {
	backend := simplego.New("")
	// View 0 predicts a uniform distribution, view 1 predicts [0.75, 0.25].
	logits := [][][]float32{{{0, 0}, {float32(math.Log(3)), 0}}}
	labels := [][]int32{{0}}
	ce0, ce1 := math.Log(2), -math.Log(0.75)
	kl := 0.75*math.Log(1.5) + 0.25*math.Log(0.5)

	got := execLoss(t, backend, func(g *Graph) *Node {
		return LossConfig{Aggregation: AggregateMean}.LossFn(
			[]*Node{Const(g, labels)}, []*Node{Const(g, logits)})
	})
	assert.InDelta(t, (ce0+ce1)/2, got[0], 1e-4)

	got = execLoss(t, backend, func(g *Graph) *Node {
		return LossConfig{Aggregation: AggregateMax, DirectRegularizer: true, RegAlpha: 2}.LossFn(
			[]*Node{Const(g, labels)}, []*Node{Const(g, logits)})
	})
	assert.InDelta(t, ce0+2*kl, got[0], 1e-4)

	// A single view has nothing to regularize.
	got = execLoss(t, backend, func(g *Graph) *Node {
		return LossConfig{Aggregation: AggregateMean, DirectRegularizer: true, RegAlpha: 2}.LossFn(
			[]*Node{Const(g, labels)}, []*Node{Const(g, [][][]float32{{{0, 0}}})})
	})
	assert.InDelta(t, ce0, got[0], 1e-4)
}

func TestEvaluate(t *testing.T) {
	backend := simplego.New("")
	m := newLinearModel(t)
	e, err := NewEvaluator(backend, m, false)
	require.NoError(t, err)
	ds := &twoLevelsDataset{numBatches: 3, batchSize: 4, numViews: 3}
	r, err := e.Evaluate(ds)
	require.NoError(t, err)
	assert.Equal(t, 12, r.NumExamples)
	assert.Equal(t, 0, ds.next, "dataset must be reset after evaluation")
	assert.True(t, r.NatPrec1 >= 0 && r.NatPrec1 <= 100)
	assert.Greater(t, r.NatLoss, 0.0)
	// Views are identical, so all accuracies match.
	assert.InDelta(t, r.NatPrec1, r.RotPrec1, 1e-3)
	assert.InDelta(t, r.NatPrec1, r.WorstRotPrec1, 1e-3)

	row := r.Map()
	assert.True(t, math.IsNaN(row["adv_prec1"].(float64)))
	assert.True(t, math.IsNaN(row["adv_loss"].(float64)))
	assert.Contains(t, r.Render("test"), "Natural accuracy")

	_, err = NewEvaluator(backend, m, true)
	assert.Error(t, err, "adversarial evaluation requires an attack")
}

func TestEvalModel(t *testing.T) {
	backend := simplego.New("")
	st, err := store.New(t.TempDir(), "eval")
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	m := newLinearModel(t)
	args := newTrainArgs(1)
	results, err := EvalModel(backend, args, m, &twoLevelsDataset{numBatches: 2, batchSize: 2, numViews: 1}, st)
	require.NoError(t, err)
	assert.Equal(t, 4, results["num_examples"])

	table, found := st.Table(EvalTable)
	require.True(t, found)
	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["adv_prec1"], "adversarial metrics are NULL when not evaluated")
}

func TestTrainModel(t *testing.T) {
	backend := simplego.New("")
	st, err := store.New(t.TempDir(), "train")
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	trainDS := &twoLevelsDataset{numBatches: 2, batchSize: 4, numViews: 2}
	valDS := &twoLevelsDataset{numBatches: 1, batchSize: 4, numViews: 1}
	m, err := TrainModel(backend, newTrainArgs(3), newLinearModel(t), trainDS, valDS, st, nil)
	require.NoError(t, err)

	table, found := st.Table(LogsTable)
	require.True(t, found)
	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for ii, row := range rows {
		assert.EqualValues(t, ii, row["epoch"])
	}
	assert.InDelta(t, 100.0, rows[2]["nat_prec1"], 1e-3, "two levels must be trivially separable")
	assert.InDelta(t, 100.0, rows[2]["train_prec1"], 1e-3)
	assert.Nil(t, rows[2]["adv_prec1"])

	latest := filepath.Join(st.Path(), CheckpointsDir, "latest")
	for _, name := range []string{"latest", "best"} {
		entries, err := os.ReadDir(filepath.Join(st.Path(), CheckpointsDir, name))
		require.NoError(t, err)
		assert.NotEmpty(t, entries, "checkpoint %q", name)
	}
	_, err = os.Stat(filepath.Join(st.Path(), LogsPlotFile))
	assert.NoError(t, err)

	// Resuming continues after the last saved epoch.
	dsInfo := &datasets.Dataset{Name: "two-levels", NumClasses: 2, Channels: 1, Mean: m.Mean, Std: m.Std}
	restored, ckpt, err := model.MakeAndRestoreModel("linear", dsInfo, latest)
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, 3, ckpt.StartEpoch())

	resumedStore, err := store.New(t.TempDir(), "resumed")
	require.NoError(t, err)
	defer func() { require.NoError(t, resumedStore.Close()) }()
	_, err = TrainModel(backend, newTrainArgs(4), restored, trainDS, valDS, resumedStore, ckpt)
	require.NoError(t, err)
	table, found = resumedStore.Table(LogsTable)
	require.True(t, found)
	rows, err = table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0]["epoch"])
	assert.InDelta(t, 100.0, rows[0]["nat_prec1"], 1e-3)

	_, err = TrainModel(backend, newTrainArgs(0), newLinearModel(t), trainDS, valDS, st, nil)
	assert.Error(t, err)
}

// descend runs numSteps of the optimizer over a single weight w=1 with loss w, so every gradient is 1.
func descend(t *testing.T, optimizer optimizers.Interface, numSteps int) []float32 {
	backend := simplego.New("")
	ctx := context.New()
	w := ctx.In("model").VariableWithValue("w", []float32{1})
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := ReduceAllSum(w.ValueGraph(g))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.NoError(t, err)
	trajectory := make([]float32, 0, numSteps)
	for range numSteps {
		_, err = exec.Exec1()
		require.NoError(t, err)
		trajectory = append(trajectory, tensors.MustCopyFlatData[float32](w.MustValue())[0])
	}
	return trajectory
}

func TestMomentumSGD(t *testing.T) {
	plain := descend(t, NewSGD(0.1, 0), 3)
	assert.InDeltaSlice(t, []float32{0.9, 0.8, 0.7}, plain, 1e-5)

	// Velocities: 1, 1.9, 2.71.
	withMomentum := descend(t, NewSGD(0.1, 0.9), 3)
	assert.InDeltaSlice(t, []float32{0.9, 0.71, 0.439}, withMomentum, 1e-5)

	ctx := context.New()
	ctx.InAbsPath("/optimizers/momentum/model").VariableWithValue("w_velocity", []float32{1})
	require.NoError(t, NewSGD(0.1, 0.9).Clear(ctx))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/optimizers/momentum/model", "w_velocity"))
}

func TestTrainModelMomentum(t *testing.T) {
	backend := simplego.New("")
	st, err := store.New(t.TempDir(), "momentum")
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	args := newTrainArgs(1).Set("momentum", 0.9)
	trainDS := &twoLevelsDataset{numBatches: 2, batchSize: 4, numViews: 1}
	valDS := &twoLevelsDataset{numBatches: 1, batchSize: 4, numViews: 1}
	m, err := TrainModel(backend, args, newLinearModel(t), trainDS, valDS, st, nil)
	require.NoError(t, err)
	velocity := m.Context.GetVariableByScopeAndName("/optimizers/momentum/model/dense", "weights_velocity")
	require.NotNil(t, velocity, "momentum keeps a velocity per trainable variable")

	args.Set("momentum", 1.5)
	_, err = TrainModel(backend, args, newLinearModel(t), trainDS, valDS, st, nil)
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", formatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.00s", formatDuration(2*time.Second))
}
