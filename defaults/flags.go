// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package defaults

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// FlagName returns the command-line flag name of an option, with dashes.
func FlagName(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

// NormalizeFlagName is a pflag normalization function that accepts both "--num_rots" and "--num-rots".
func NormalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(FlagName(name))
}

// AddFlags registers one flag per option of the groups. Options already registered are skipped.
//
// Flag defaults are the zero values: defaults are applied later by CheckAndFillArgs, and only
// flags explicitly given count as set, see FromFlagSet.
func AddFlags(fs *pflag.FlagSet, groups ...[]Option) {
	fs.SetNormalizeFunc(NormalizeFlagName)
	for _, group := range groups {
		for _, opt := range group {
			name := FlagName(opt.Name)
			if fs.Lookup(name) != nil {
				continue
			}
			switch opt.Kind {
			case KindString:
				fs.String(name, "", opt.Usage())
			case KindInt:
				fs.Int(name, 0, opt.Usage())
			case KindFloat:
				fs.Float64(name, 0, opt.Usage())
			case KindBool:
				fs.Bool(name, false, opt.Usage())
			}
		}
	}
}

// FromFlagSet returns the Args with the values of the flags explicitly set in fs, for the options of the groups.
func FromFlagSet(fs *pflag.FlagSet, groups ...[]Option) (*Args, error) {
	args := NewArgs(nil)
	for _, group := range groups {
		for _, opt := range group {
			name := FlagName(opt.Name)
			flag := fs.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			var (
				value any
				err   error
			)
			switch opt.Kind {
			case KindString:
				value, err = fs.GetString(name)
			case KindInt:
				value, err = fs.GetInt(name)
			case KindFloat:
				value, err = fs.GetFloat64(name)
			case KindBool:
				value, err = fs.GetBool(name)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "reading flag --%s", name)
			}
			args.Set(opt.Name, value)
		}
	}
	return args, nil
}
