// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package defaults

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseEps parses a non-negative number, accepting fractions like "8/255".
func ParseEps(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, den, isFraction := strings.Cut(s, "/")
	value, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q", s)
	}
	if isFraction {
		d, err := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing denominator of %q", s)
		}
		if d == 0 {
			return 0, errors.Errorf("zero denominator in %q", s)
		}
		value /= d
	}
	if value < 0 {
		return 0, errors.Errorf("%q must be non-negative", s)
	}
	return value, nil
}

// SchedulePoint is one (epoch, multiplier) pair of a schedule like --custom_lr_multiplier.
type SchedulePoint struct {
	Epoch, Multiplier float64
}

var reSchedulePoint = regexp.MustCompile(`\(\s*([^,()\s]+)\s*,\s*([^,()\s]+)\s*\)`)

// ParseSchedule parses a schedule formatted as "[(epoch, multiplier), ...]".
// Epochs must be non-decreasing. An empty string or "[]" returns nil.
func ParseSchedule(s string) ([]SchedulePoint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, errors.Errorf("schedule %q must be formatted as \"[(epoch, multiplier), ...]\"", s)
	}
	matches := reSchedulePoint.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, errors.Errorf("schedule %q has no (epoch, multiplier) pairs", s)
	}
	points := make([]SchedulePoint, 0, len(matches))
	for ii, m := range matches {
		epoch, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch of pair #%d of schedule %q", ii, s)
		}
		multiplier, err := ParseEps(m[2])
		if err != nil {
			return nil, errors.WithMessagef(err, "multiplier of pair #%d of schedule %q", ii, s)
		}
		if ii > 0 && epoch < points[ii-1].Epoch {
			return nil, errors.Errorf("schedule %q epochs must be non-decreasing", s)
		}
		points = append(points, SchedulePoint{Epoch: epoch, Multiplier: multiplier})
	}
	return points, nil
}

// ParseLRMultiplier parses --custom_lr_multiplier, see ParseSchedule.
func ParseLRMultiplier(s string) ([]SchedulePoint, error) {
	return ParseSchedule(s)
}
