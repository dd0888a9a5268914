// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model holds the classifier architectures and the AttackerModel, which wraps a classifier with
// input normalization and a PGD attacker, and restores it from checkpoints.
package model

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/robustness/attack"
)

const (
	// Scope of the classifier variables.
	Scope = "model"

	// AttackScope holds the non-trainable variables of the attacker, like the current radius.
	AttackScope = "/attack"
)

// AttackerModel is a classifier over images in [0, 1], that normalizes its input and can attack it with PGD.
type AttackerModel struct {
	Arch       string
	ArchFn     ArchFn
	NumClasses int

	// Mean and Std per channel, used to normalize the input.
	Mean, Std []float32

	// Context holds the variables of the model. The model itself is built under the Scope sub-scope.
	Context *context.Context

	// Attack configuration, nil if no adversarial examples are built.
	Attack *attack.Config

	// AdvTrain trains on the adversarial examples instead of the natural ones.
	AdvTrain bool
}

// New creates an AttackerModel for the named architecture, with a fresh context.
func New(arch string, numClasses int, mean, std []float32) (*AttackerModel, error) {
	fn, err := ArchByName(arch)
	if err != nil {
		return nil, err
	}
	return &AttackerModel{
		Arch:       arch,
		ArchFn:     fn,
		NumClasses: numClasses,
		Mean:       mean,
		Std:        std,
		Context:    context.New(),
	}, nil
}

// Logits of a batch of images shaped [N, H, W, C] with values in [0, 1]. Returns [N, NumClasses].
func (m *AttackerModel) Logits(ctx *context.Context, images *Node) *Node {
	channels := images.Shape().Dimensions[images.Rank()-1]
	if len(m.Mean) != channels || len(m.Std) != channels {
		exceptions.Panicf("model normalization has %d means and %d stds, but images have %d channels",
			len(m.Mean), len(m.Std), channels)
	}
	g := images.Graph()
	statsDims := make([]int, images.Rank())
	for ii := range statsDims {
		statsDims[ii] = 1
	}
	statsDims[len(statsDims)-1] = channels
	mean := ConvertDType(Reshape(Const(g, m.Mean), statsDims...), images.DType())
	std := ConvertDType(Reshape(Const(g, m.Std), statsDims...), images.DType())
	normalized := Div(Sub(images, mean), std)
	return m.ArchFn(ctx.In(Scope).Checked(false), normalized, m.NumClasses)
}

// CrossEntropy returns the per-example cross-entropy, shaped [N], of logits [N, K] and integer labels [N].
func CrossEntropy(logits, labels *Node) *Node {
	numClasses := logits.Shape().Dimensions[logits.Rank()-1]
	oneHot := OneHot(labels, numClasses, logits.DType())
	return Neg(ReduceSum(Mul(oneHot, nn.LogSoftmax(logits, -1)), -1))
}

// Correct returns whether the top prediction of logits [N, K] matches labels [N], as a Bool [N].
func Correct(logits, labels *Node) *Node {
	return Equal(ArgMax(logits, -1, labels.DType()), labels)
}

// EpsVar returns the variable holding the current attack radius, creating it if needed.
func (m *AttackerModel) EpsVar() *context.Variable {
	eps := 0.0
	if m.Attack != nil {
		eps = m.Attack.Eps
	}
	return m.Context.Checked(false).InAbsPath(AttackScope).
		VariableWithValue("eps", float32(eps)).SetTrainable(false)
}

// SetEps sets the attack radius used by the following executions of the model.
func (m *AttackerModel) SetEps(eps float64) error {
	return m.EpsVar().SetValue(tensors.FromScalar(float32(eps)))
}

// Adversarial builds the PGD adversarial examples of images [N, H, W, C] with labels [N].
// The classifier is run in inference mode during the attack.
func (m *AttackerModel) Adversarial(ctx *context.Context, images, labels *Node) *Node {
	if m.Attack == nil {
		exceptions.Panicf("adversarial examples requested, but model %q has no attack configured", m.Arch)
	}
	g := images.Graph()
	wasTraining := ctx.IsTraining(g)
	ctx.SetTraining(g, false)
	defer ctx.SetTraining(g, wasTraining)

	eps := m.EpsVar().ValueGraph(g)
	return attack.PGD(ctx, m.Attack, images, eps, func(x *Node) (losses, correct *Node) {
		logits := m.Logits(ctx, x)
		return CrossEntropy(logits, labels), Correct(logits, labels)
	})
}

// Forward runs the model on the views of a batch: images shaped [B, V, H, W, C] and labels shaped [B, 1].
// If adversarial, every view is replaced by its adversarial example first.
// It returns the logits shaped [B, V, NumClasses].
func (m *AttackerModel) Forward(ctx *context.Context, images, labels *Node, adversarial bool) *Node {
	if images.Rank() != 5 {
		exceptions.Panicf("model input must be shaped [batch, views, height, width, channels], got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	batchSize, numViews := dims[0], dims[1]
	flat := Reshape(images, append([]int{batchSize * numViews}, dims[2:]...)...)
	if adversarial {
		flatLabels := Reshape(BroadcastToDims(Reshape(labels, batchSize, 1), batchSize, numViews), batchSize*numViews)
		flat = m.Adversarial(ctx, flat, flatLabels)
	}
	logits := m.Logits(ctx, flat)
	return Reshape(logits, batchSize, numViews, m.NumClasses)
}

// ModelFn implements train.ModelFn: inputs are [images, labels] and it returns the logits of all views.
// During training the adversarial examples are used if AdvTrain is set.
func (m *AttackerModel) ModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images, labels := inputs[0], inputs[1]
	if images.DType() != dtypes.Float32 {
		images = ConvertDType(images, dtypes.Float32)
	}
	adversarial := m.AdvTrain && ctx.IsTraining(images.Graph())
	return []*Node{m.Forward(ctx, images, labels, adversarial)}
}
