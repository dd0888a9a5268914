// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attack implements projected gradient descent (PGD) adversarial attacks as GoMLX graphs.
//
// The attack is built inside the model graph: each step is unrolled, the gradient of the loss with
// respect to the perturbed input is taken with graph.Gradient, and the result is projected back
// into the constraint set. The returned adversarial input has its gradient stopped, so it can be
// used directly as the input of a training step.
package attack

import (
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/helpers"
	"github.com/pkg/errors"
)

// Constraint is the norm ball the perturbation is projected into.
type Constraint string

const (
	ConstraintInf           Constraint = "inf"
	ConstraintL2            Constraint = "2"
	ConstraintUnconstrained Constraint = "unconstrained"
	ConstraintFourier       Constraint = "fourier"
)

// ErrUnsupportedConstraint is returned for constraints that have no graph implementation.
var ErrUnsupportedConstraint = errors.New("unsupported attack constraint")

// Config of a PGD attack.
type Config struct {
	Constraint Constraint

	// Eps is the radius of the constraint set, StepSize the size of each step.
	Eps, StepSize float64

	// Iterations is the number of gradient steps.
	Iterations int

	RandomStart    bool
	RandomRestarts int

	// UseBest returns, per example, the perturbation with the highest loss seen instead of the last one.
	UseBest bool

	// EpsSchedule scales Eps by epoch during training, linearly interpolated.
	EpsSchedule []defaults.SchedulePoint
}

// FromArgs creates the attack configuration from the PGD arguments.
func FromArgs(args *defaults.Args) (*Config, error) {
	cfg := &Config{
		Constraint:     Constraint(args.String("constraint")),
		Iterations:     args.Int("attack_steps"),
		RandomStart:    args.Bool("random_start"),
		RandomRestarts: args.Int("random_restarts"),
		UseBest:        args.Bool("use_best"),
	}
	var err error
	cfg.Eps, err = defaults.ParseEps(args.String("eps"))
	if err != nil {
		return nil, errors.WithMessage(err, "--eps")
	}
	cfg.StepSize, err = defaults.ParseEps(args.String("attack_lr"))
	if err != nil {
		return nil, errors.WithMessage(err, "--attack_lr")
	}
	if args.IsSet("custom_eps_multiplier") {
		cfg.EpsSchedule, err = defaults.ParseSchedule(args.String("custom_eps_multiplier"))
		if err != nil {
			return nil, errors.WithMessage(err, "--custom_eps_multiplier")
		}
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration can be built into a graph.
func (c *Config) Validate() error {
	switch c.Constraint {
	case ConstraintInf, ConstraintL2, ConstraintUnconstrained:
	case ConstraintFourier:
		return errors.Wrapf(ErrUnsupportedConstraint, "constraint %q", c.Constraint)
	default:
		return errors.Wrapf(ErrUnsupportedConstraint, "unknown constraint %q", c.Constraint)
	}
	if c.Iterations < 0 {
		return errors.Errorf("attack steps must be >= 0, got %d", c.Iterations)
	}
	if c.RandomRestarts < 0 {
		return errors.Errorf("random restarts must be >= 0, got %d", c.RandomRestarts)
	}
	if c.Eps < 0 || c.StepSize < 0 {
		return errors.Errorf("eps (%g) and attack step size (%g) must be non-negative", c.Eps, c.StepSize)
	}
	return nil
}

// EpsAt returns the attack radius for the given training epoch.
func (c *Config) EpsAt(epoch int) float64 {
	return c.Eps * helpers.ScheduleMultiplier(c.EpsSchedule, float64(epoch), true)
}
