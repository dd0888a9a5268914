// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ColumnType of a table column.
type ColumnType int

const (
	// String columns hold text. Values that are not strings are stored in their JSON representation.
	String ColumnType = iota
	Int
	Float
	Bool
)

// String implements fmt.Stringer.
func (t ColumnType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

func (t ColumnType) sqlType() string {
	switch t {
	case Int:
		return "INTEGER"
	case Bool:
		return "BOOLEAN"
	case Float:
		return "REAL"
	default:
		return "TEXT"
	}
}

// columnTypeFromSQL is the inverse of ColumnType.sqlType.
func columnTypeFromSQL(sqlType string) ColumnType {
	switch strings.ToUpper(sqlType) {
	case "INTEGER":
		return Int
	case "BOOLEAN":
		return Bool
	case "REAL":
		return Float
	default:
		return String
	}
}

// Schema maps column names to their types.
type Schema map[string]ColumnType

// Columns returns the column names sorted.
func (s Schema) Columns() []string {
	return slices.Sorted(maps.Keys(s))
}

func (s Schema) clone() Schema {
	return maps.Clone(s)
}

// SchemaFromMap infers a schema from the Go types of the values in m.
//
// Integers become Int, floating point values Float, booleans Bool, and everything else (including nil) String.
func SchemaFromMap(m map[string]any) Schema {
	schema := make(Schema, len(m))
	for key, value := range m {
		schema[key] = TypeOf(value)
	}
	return schema
}

// TypeOf returns the column type used to store value.
func TypeOf(value any) ColumnType {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Int
	case float32, float64:
		return Float
	case bool:
		return Bool
	default:
		return String
	}
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableSQL(name string, schema Schema) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (%s INTEGER PRIMARY KEY AUTOINCREMENT",
		quoteIdentifier(name), quoteIdentifier(rowIDColumn))
	for _, column := range schema.Columns() {
		fmt.Fprintf(&sb, ", %s %s", quoteIdentifier(column), schema[column].sqlType())
	}
	sb.WriteString(")")
	return sb.String()
}
