// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attack

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// normEpsilon avoids divisions by zero when normalizing gradients and perturbations.
const normEpsilon = 1e-10

// Objective evaluates the model on a perturbed input. It returns the per-example losses, shaped [N],
// and a boolean [N] telling whether each example is still classified correctly.
type Objective func(x *Node) (losses, correct *Node)

// PGD builds the adversarial version of x, shaped [N, ...] with values in [0, 1], that maximizes
// the objective's loss within the ball of radius eps (a scalar node of the dtype of x) around x.
//
// The returned node has its gradient stopped. It panics (with an error) if the configuration is invalid,
// as GoMLX graph building functions do.
func PGD(ctx *context.Context, cfg *Config, x, eps *Node, objective Objective) *Node {
	if err := cfg.Validate(); err != nil {
		exceptions.Panicf("invalid PGD configuration: %+v", err)
	}
	orig := StopGradient(x)
	if x.Rank() < 2 {
		exceptions.Panicf("PGD requires a batch of examples of rank >= 2, got %s", x.Shape())
	}
	eps = ConvertDType(eps, x.DType())
	st := stepFor(cfg, eps)
	if cfg.RandomRestarts == 0 {
		return StopGradient(run(ctx, cfg, st, orig, cfg.RandomStart, objective))
	}

	// With restarts, an example keeps the first perturbation, until a restart finds one that is misclassified.
	var adv *Node
	for range cfg.RandomRestarts {
		restart := run(ctx, cfg, st, orig, cfg.RandomStart, objective)
		if adv == nil {
			adv = restart
			continue
		}
		_, correct := objective(restart)
		adv = selectExamples(LogicalNot(correct), restart, adv)
	}
	return StopGradient(adv)
}

// run one PGD attack from orig.
func run(ctx *context.Context, cfg *Config, st stepper, orig *Node, randomStart bool, objective Objective) *Node {
	x := orig
	if randomStart {
		x = StopGradient(st.randomPerturb(ctx, orig))
	}
	var bestX, bestLoss *Node
	for range cfg.Iterations {
		// x carries a stopped gradient, so the gradient is taken with respect to a plain copy of it.
		xv := Identity(x)
		losses, _ := objective(xv)
		grad := Gradient(ReduceAllMean(losses), xv)[0]
		if cfg.UseBest {
			bestX, bestLoss = replaceBest(bestX, bestLoss, x, losses)
		}
		x = StopGradient(st.project(orig, st.step(x, grad)))
	}
	if !cfg.UseBest {
		return x
	}
	losses, _ := objective(x)
	bestX, _ = replaceBest(bestX, bestLoss, x, losses)
	return bestX
}

// replaceBest keeps, per example, the input with the highest loss.
func replaceBest(bestX, bestLoss, x, losses *Node) (*Node, *Node) {
	losses = StopGradient(losses)
	if bestX == nil {
		return x, losses
	}
	replace := LessThan(bestLoss, losses)
	return selectExamples(replace, x, bestX), Where(replace, losses, bestLoss)
}

// selectExamples picks, per example (first axis), onTrue where cond [N] is true and onFalse otherwise.
func selectExamples(cond, onTrue, onFalse *Node) *Node {
	dims := onTrue.Shape().Dimensions
	expanded := make([]int, len(dims))
	for ii := range expanded {
		expanded[ii] = 1
	}
	expanded[0] = dims[0]
	cond = BroadcastToDims(Reshape(cond, expanded...), dims...)
	return Where(cond, onTrue, onFalse)
}

// perExampleNorm returns the L2 norm of each example, shaped [N, 1, ..., 1] so it broadcasts over x.
func perExampleNorm(x *Node) *Node {
	axes := make([]int, x.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return Sqrt(ReduceAndKeep(Square(x), ReduceSum, axes...))
}

// stepper implements the step, projection and random start of one constraint.
type stepper interface {
	step(x, grad *Node) *Node
	project(orig, x *Node) *Node
	randomPerturb(ctx *context.Context, x *Node) *Node
}

func stepFor(cfg *Config, eps *Node) stepper {
	switch cfg.Constraint {
	case ConstraintInf:
		return linfStep{eps: eps, stepSize: cfg.StepSize}
	case ConstraintL2:
		return l2Step{eps: eps, stepSize: cfg.StepSize}
	default:
		return unconstrainedStep{eps: eps, stepSize: cfg.StepSize}
	}
}

// linfStep takes signed gradient steps inside an L-infinity ball.
type linfStep struct {
	eps      *Node
	stepSize float64
}

func (s linfStep) step(x, grad *Node) *Node {
	return Add(x, MulScalar(Sign(grad), s.stepSize))
}

func (s linfStep) project(orig, x *Node) *Node {
	diff := Sub(x, orig)
	diff = Max(Min(diff, s.eps), Neg(s.eps))
	return ClipScalar(Add(orig, diff), 0, 1)
}

func (s linfStep) randomPerturb(ctx *context.Context, x *Node) *Node {
	noise := AddScalar(MulScalar(ctx.RandomUniform(x.Graph(), x.Shape()), 2), -1)
	return ClipScalar(Add(x, Mul(noise, s.eps)), 0, 1)
}

// l2Step takes normalized gradient steps inside an L2 ball.
type l2Step struct {
	eps      *Node
	stepSize float64
}

func (s l2Step) step(x, grad *Node) *Node {
	direction := Div(grad, AddScalar(perExampleNorm(grad), normEpsilon))
	return Add(x, MulScalar(direction, s.stepSize))
}

func (s l2Step) project(orig, x *Node) *Node {
	diff := Sub(x, orig)
	scale := MinScalar(Div(s.eps, AddScalar(perExampleNorm(diff), normEpsilon)), 1)
	return ClipScalar(Add(orig, Mul(diff, scale)), 0, 1)
}

func (s l2Step) randomPerturb(ctx *context.Context, x *Node) *Node {
	noise := ctx.RandomNormal(x.Graph(), x.Shape())
	noise = Div(noise, AddScalar(perExampleNorm(noise), normEpsilon))
	return ClipScalar(Add(x, Mul(noise, s.eps)), 0, 1)
}

// unconstrainedStep takes raw gradient steps, only keeping the input a valid image.
type unconstrainedStep struct {
	eps      *Node
	stepSize float64
}

func (s unconstrainedStep) step(x, grad *Node) *Node {
	return Add(x, MulScalar(grad, s.stepSize))
}

func (s unconstrainedStep) project(_, x *Node) *Node {
	return ClipScalar(x, 0, 1)
}

func (s unconstrainedStep) randomPerturb(ctx *context.Context, x *Node) *Node {
	noise := AddScalar(MulScalar(ctx.RandomUniform(x.Graph(), x.Shape()), 2), -1)
	return ClipScalar(Add(x, Mul(noise, s.eps)), 0, 1)
}
