// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package defaults

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
)

// Args holds the argument values of a run, keyed by option name.
//
// Names are normalized to use underscores, so "num-rots" and "num_rots" refer to the same argument.
// An argument is considered "set" if it is present and not nil.
type Args struct {
	values map[string]any
}

// NewArgs creates an Args with the given values, it may be nil.
func NewArgs(values map[string]any) *Args {
	a := &Args{values: make(map[string]any, len(values))}
	for name, value := range values {
		a.Set(name, value)
	}
	return a
}

// NormalizeName converts dashes to underscores.
func NormalizeName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Set the value of the argument. Setting it to nil makes it unset.
func (a *Args) Set(name string, value any) *Args {
	a.values[NormalizeName(name)] = value
	return a
}

// Get returns the raw value of the argument, or nil if it is not set.
func (a *Args) Get(name string) any {
	return a.values[NormalizeName(name)]
}

// IsSet returns whether the argument has a non-nil value.
func (a *Args) IsSet(name string) bool {
	return a.Get(name) != nil
}

// String returns the argument as a string, or "" if it is not set.
func (a *Args) String(name string) string {
	v := a.Get(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the argument as an int, or 0 if it is not set or not convertible.
func (a *Args) Int(name string) int {
	v, err := KindInt.Coerce(a.Get(name))
	if err != nil || v == nil {
		return 0
	}
	return v.(int)
}

// Float returns the argument as a float64, or 0 if it is not set or not convertible.
func (a *Args) Float(name string) float64 {
	v, err := KindFloat.Coerce(a.Get(name))
	if err != nil || v == nil {
		return 0
	}
	return v.(float64)
}

// Bool returns the argument as a bool, or false if it is not set or not convertible.
func (a *Args) Bool(name string) bool {
	v, err := KindBool.Coerce(a.Get(name))
	if err != nil || v == nil {
		return false
	}
	return v.(bool)
}

// Keys returns the names of all arguments present, set or not, sorted.
func (a *Args) Keys() []string {
	return slices.Sorted(maps.Keys(a.values))
}

// Map returns a copy of all arguments, including the unset ones (with nil values).
func (a *Args) Map() map[string]any {
	return maps.Clone(a.values)
}

// Clone returns an independent copy of the arguments.
func (a *Args) Clone() *Args {
	return &Args{values: maps.Clone(a.values)}
}

// Render the arguments as a table, for printing to the console.
func (a *Args) Render() string {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	unsetStyle := cellStyle.Faint(true)
	keys := a.Keys()
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Argument", "Value").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(keys) && !a.IsSet(keys[row]) {
				return unsetStyle
			}
			return cellStyle
		})
	for _, key := range keys {
		value := "-"
		if a.IsSet(key) {
			value = a.String(key)
		}
		table.Row(key, value)
	}
	return table.Render()
}

// Coerce converts value to the Go type of the kind: string, int, float64 or bool.
// A nil value is returned as nil.
//
// Values read from JSON come as float64, and are converted to int when integral. Booleans accept 0 and 1.
func (k Kind) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch k {
	case KindString:
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
			return fmt.Sprint(v), nil
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			i, err := strconv.Atoi(fmt.Sprint(v))
			if err == nil {
				return i, nil
			}
		case float32:
			return k.Coerce(float64(v))
		case float64:
			if v == math.Trunc(v) && !math.IsInf(v, 0) {
				return int(v), nil
			}
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				return i, nil
			}
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			f, err := strconv.ParseFloat(fmt.Sprint(v), 64)
			if err == nil {
				return f, nil
			}
		case string:
			f, err := ParseEps(v)
			if err == nil {
				return f, nil
			}
		}
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int, int64, float64:
			switch fmt.Sprint(v) {
			case "0":
				return false, nil
			case "1":
				return true, nil
			}
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err == nil {
				return b, nil
			}
		}
	}
	return nil, errors.Errorf("cannot convert %v (%T) to %s", value, value, k)
}
