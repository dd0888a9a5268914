// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package defaults

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrMissingArg is returned when a required argument is not set.
	ErrMissingArg = errors.New("missing required argument")

	// ErrInvalidChoice is returned when an argument is not one of the option's choices.
	ErrInvalidChoice = errors.New("invalid choice")

	// ErrResumeRequired is returned when evaluation only is requested without a checkpoint to resume from.
	ErrResumeRequired = errors.New("--eval_only requires --resume")
)

// CheckAndFillArgs validates the arguments of the given group and fills in the ones not set.
//
// For each option in group:
//
//   - If the argument is set, it is converted to the option's Kind and checked against its Choices.
//   - If it is unset and Required, it returns an error wrapping ErrMissingArg.
//   - If it is unset and ByDataset, it takes the value from DatasetDefaults[dataset].
//   - Otherwise it takes the option's Default, if there is one.
//
// Arguments already set are never overwritten.
func CheckAndFillArgs(args *Args, group []Option, dataset string) error {
	for _, opt := range group {
		name := NormalizeName(opt.Name)
		if args.IsSet(name) {
			value, err := opt.Kind.Coerce(args.Get(name))
			if err != nil {
				return errors.WithMessagef(err, "argument %q", name)
			}
			if len(opt.Choices) > 0 && !slices.Contains(opt.Choices, fmt.Sprint(value)) {
				return errors.Wrapf(ErrInvalidChoice, "argument %q=%v not one of %q", name, value, opt.Choices)
			}
			args.Set(name, value)
			continue
		}
		switch {
		case opt.Required:
			return errors.Wrapf(ErrMissingArg, "%q", name)
		case opt.ByDataset:
			datasetDefaults, found := DatasetDefaults[dataset]
			if !found {
				return errors.Errorf("no defaults for dataset %q, needed for argument %q", dataset, name)
			}
			value, found := datasetDefaults[name]
			if !found {
				return errors.Errorf("dataset %q has no default for argument %q", dataset, name)
			}
			args.Set(name, value)
		case opt.Default != nil:
			args.Set(name, opt.Default)
		default:
			// Present as unset, so it shows up in the metadata.
			args.Set(name, nil)
		}
	}
	return nil
}
