// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// MomentumScope is the scope, under the optimizers scope, of the velocity variables.
const MomentumScope = "momentum"

// momentumSGD is stochastic gradient descent with heavy-ball momentum:
//
//	velocity = momentum * velocity + gradient
//	weights  = weights - learning_rate * velocity
//
// There is one velocity variable per trainable variable, stored under /optimizers/momentum, so it is
// saved and restored with the rest of the optimizer state.
type momentumSGD struct {
	learningRate, momentum float64
}

// NewSGD returns the optimizer used to train: plain SGD if momentum is 0, otherwise SGD with momentum.
// The learning rate is the initial value of the optimizers learning rate variable, which is adjusted
// every epoch by the schedule.
func NewSGD(learningRate, momentum float64) optimizers.Interface {
	if momentum == 0 {
		return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(learningRate).Done()
	}
	return &momentumSGD{learningRate: learningRate, momentum: momentum}
}

// UpdateGraph implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	dtype := loss.DType()
	learningRate := optimizers.LearningRateVar(ctx, dtype, o.learningRate).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	ii := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if ii >= len(grads) {
			exceptions.Panicf("got gradients for %d variables, but more trainable variables are in use -- "+
				"were new variables created in between?", len(grads))
		}
		grad := grads[ii]
		ii++
		optimizers.TraceNaNInGradients(ctx, v, grad)
		grad = optimizers.ClipNaNsInGradients(ctx, grad)

		velocityVar := o.velocityVar(ctx, v)
		velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.momentum), grad)
		velocityVar.SetValueGraph(velocity)

		lr := learningRate
		if lr.DType() != velocity.DType() {
			lr = ConvertDType(lr, velocity.DType())
		}
		step := optimizers.ClipStepByValue(ctx, Mul(velocity, lr))
		value := v.ValueGraph(g)
		v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, value, Sub(value, step)))
	}
	if ii != len(grads) {
		exceptions.Panicf("got gradients for %d variables, but only %d trainable variables are in use", len(grads), ii)
	}
}

// velocityVar returns the velocity of the trainable variable, created with zeros the first time.
func (o *momentumSGD) velocityVar(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s%s%s", context.ScopeSeparator, optimizers.Scope,
		context.ScopeSeparator, MomentumScope, trainable.Scope())
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", trainable.Shape()).
		SetTrainable(false)
}

// Clear implements optimizers.Interface, deleting the velocity variables.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + optimizers.Scope + context.ScopeSeparator + MomentumScope).
		DeleteVariablesInScope()
}
