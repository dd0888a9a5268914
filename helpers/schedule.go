// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package helpers

import (
	"math"

	"github.com/gomlx/robustness/defaults"
	"github.com/pkg/errors"
)

// ScheduleMultiplier returns the multiplier of the schedule at the given epoch.
//
// With linear interpolation it interpolates between the points and is constant beyond the first and last
// points. Otherwise it is a step function: the multiplier of the last point whose epoch is <= epoch,
// or 1 before the first point. An empty schedule always returns 1.
func ScheduleMultiplier(points []defaults.SchedulePoint, epoch float64, linear bool) float64 {
	if len(points) == 0 {
		return 1
	}
	if !linear {
		for ii := len(points) - 1; ii >= 0; ii-- {
			if epoch >= points[ii].Epoch {
				return points[ii].Multiplier
			}
		}
		return 1
	}
	if epoch <= points[0].Epoch {
		return points[0].Multiplier
	}
	last := points[len(points)-1]
	if epoch >= last.Epoch {
		return last.Multiplier
	}
	for ii := 1; ii < len(points); ii++ {
		p0, p1 := points[ii-1], points[ii]
		if epoch > p1.Epoch {
			continue
		}
		if p1.Epoch == p0.Epoch {
			return p1.Multiplier
		}
		frac := (epoch - p0.Epoch) / (p1.Epoch - p0.Epoch)
		return p0.Multiplier + frac*(p1.Multiplier-p0.Multiplier)
	}
	return last.Multiplier
}

// LRSchedule computes the learning rate of each epoch.
type LRSchedule struct {
	BaseLR float64

	// Custom multipliers, if not empty, take precedence over StepLR.
	Custom []defaults.SchedulePoint
	Linear bool

	// StepLR decays the learning rate by Gamma every StepLR epochs, if > 0.
	StepLR int
	Gamma  float64
}

// NewLRSchedule creates the schedule from the arguments lr, custom_lr_multiplier, lr_interpolation, step_lr
// and step_lr_gamma.
func NewLRSchedule(args *defaults.Args) (*LRSchedule, error) {
	s := &LRSchedule{
		BaseLR: args.Float("lr"),
		Linear: args.String("lr_interpolation") == "linear",
		StepLR: args.Int("step_lr"),
		Gamma:  args.Float("step_lr_gamma"),
	}
	if args.IsSet("custom_lr_multiplier") {
		var err error
		s.Custom, err = defaults.ParseLRMultiplier(args.String("custom_lr_multiplier"))
		if err != nil {
			return nil, errors.WithMessage(err, "--custom_lr_multiplier")
		}
	}
	return s, nil
}

// LR returns the learning rate for the epoch (starting at 0).
func (s *LRSchedule) LR(epoch int) float64 {
	switch {
	case len(s.Custom) > 0:
		return s.BaseLR * ScheduleMultiplier(s.Custom, float64(epoch), s.Linear)
	case s.StepLR > 0:
		return s.BaseLR * math.Pow(s.Gamma, float64(epoch/s.StepLR))
	}
	return s.BaseLR
}
