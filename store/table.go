// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// Table is an append-only table of a Store.
type Table struct {
	store  *Store
	name   string
	schema Schema
}

// Name of the table.
func (t *Table) Name() string { return t.name }

// Schema returns a copy of the table schema.
func (t *Table) Schema() Schema { return t.schema.clone() }

// AppendRow appends one row to the table.
//
// Every key of row must be a column of the schema. Columns missing from row are stored as NULL.
func (t *Table) AppendRow(row map[string]any) error {
	columns := t.schema.Columns()
	names := make([]string, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	values := make([]any, 0, len(columns))
	for key := range row {
		if _, found := t.schema[key]; !found {
			return errors.Errorf("column %q is not part of the schema of table %q", key, t.name)
		}
	}
	for _, column := range columns {
		value, found := row[column]
		if !found {
			continue
		}
		converted, err := toSQLValue(t.schema[column], value)
		if err != nil {
			return errors.WithMessagef(err, "table %q, column %q", t.name, column)
		}
		names = append(names, quoteIdentifier(column))
		placeholders = append(placeholders, "?")
		values = append(values, converted)
	}

	var query string
	if len(names) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdentifier(t.name))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdentifier(t.name),
			strings.Join(names, ", "), strings.Join(placeholders, ", "))
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.db == nil {
		return errors.Errorf("store %q already closed", t.store.expName)
	}
	if _, err := t.store.db.Exec(query, values...); err != nil {
		return errors.Wrapf(err, "failed to append row to table %q", t.name)
	}
	return nil
}

// NumRows returns the number of rows in the table.
func (t *Table) NumRows() (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.db == nil {
		return 0, errors.Errorf("store %q already closed", t.store.expName)
	}
	var count int
	err := t.store.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(t.name))).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count rows of table %q", t.name)
	}
	return count, nil
}

// Rows returns all rows of the table in insertion order. NULL values are returned as nil.
func (t *Table) Rows() ([]map[string]any, error) {
	columns := t.schema.Columns()
	quoted := make([]string, len(columns))
	for ii, column := range columns {
		quoted[ii] = quoteIdentifier(column)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(quoted, ", "),
		quoteIdentifier(t.name), quoteIdentifier(rowIDColumn))

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.db == nil {
		return nil, errors.Errorf("store %q already closed", t.store.expName)
	}
	sqlRows, err := t.store.db.Query(query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read table %q", t.name)
	}
	defer func() { _ = sqlRows.Close() }()

	var rows []map[string]any
	for sqlRows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for ii := range raw {
			ptrs[ii] = &raw[ii]
		}
		if err = sqlRows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan row of table %q", t.name)
		}
		row := make(map[string]any, len(columns))
		for ii, column := range columns {
			row[column] = fromSQLValue(t.schema[column], raw[ii])
		}
		rows = append(rows, row)
	}
	if err = sqlRows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read table %q", t.name)
	}
	return rows, nil
}

// DataFrame returns the contents of the table as a dataframe, with one series per column.
//
// NULL floats become NaN, NULL integers and booleans become NaN in a Float series, and NULL strings become "".
func (t *Table) DataFrame() (dataframe.DataFrame, error) {
	rows, err := t.Rows()
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	columns := t.schema.Columns()
	allSeries := make([]series.Series, 0, len(columns))
	for _, column := range columns {
		allSeries = append(allSeries, columnSeries(column, t.schema[column], rows))
	}
	df := dataframe.New(allSeries...)
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to build dataframe for table %q", t.name)
	}
	return df, nil
}

func columnSeries(column string, columnType ColumnType, rows []map[string]any) series.Series {
	hasNull := false
	for _, row := range rows {
		if row[column] == nil {
			hasNull = true
			break
		}
	}
	switch {
	case columnType == String:
		values := make([]string, len(rows))
		for ii, row := range rows {
			if s, ok := row[column].(string); ok {
				values[ii] = s
			}
		}
		return series.New(values, series.String, column)
	case columnType == Int && !hasNull:
		values := make([]int, len(rows))
		for ii, row := range rows {
			values[ii] = int(row[column].(int64))
		}
		return series.New(values, series.Int, column)
	case columnType == Bool && !hasNull:
		values := make([]bool, len(rows))
		for ii, row := range rows {
			values[ii] = row[column].(bool)
		}
		return series.New(values, series.Bool, column)
	default:
		values := make([]float64, len(rows))
		for ii, row := range rows {
			values[ii] = asFloat(row[column])
		}
		return series.New(values, series.Float, column)
	}
}

// asFloat converts the values returned by Rows to float64, with NaN for nil.
func asFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	}
	return math.NaN()
}

func toSQLValue(columnType ColumnType, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(value)
	switch columnType {
	case Int:
		switch {
		case rv.CanInt():
			return rv.Int(), nil
		case rv.CanUint():
			return int64(rv.Uint()), nil
		case rv.CanFloat() && rv.Float() == math.Trunc(rv.Float()):
			return int64(rv.Float()), nil
		}
	case Float:
		switch {
		case rv.CanFloat():
			f := rv.Float()
			if math.IsNaN(f) {
				return nil, nil
			}
			return f, nil
		case rv.CanInt():
			return float64(rv.Int()), nil
		case rv.CanUint():
			return float64(rv.Uint()), nil
		}
	case Bool:
		if b, ok := value.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case String:
		if s, ok := value.(string); ok {
			return s, nil
		}
		if s, ok := value.(fmt.Stringer); ok {
			return s.String(), nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %T value", value)
		}
		return string(encoded), nil
	}
	return nil, errors.Errorf("value %v (%T) cannot be stored in a %s column", value, value, columnType)
}

func fromSQLValue(columnType ColumnType, raw any) any {
	if raw == nil {
		return nil
	}
	switch columnType {
	case Int:
		switch v := raw.(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		}
	case Float:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
	case Bool:
		switch v := raw.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		}
	case String:
		switch v := raw.(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
	}
	return raw
}
