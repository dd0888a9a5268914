// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	outDir := t.TempDir()
	s, err := New(outDir, "exp1")
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	assert.Equal(t, "exp1", s.ExpName())
	assert.Equal(t, filepath.Join(outDir, "exp1"), s.Path())
	_, err = os.Stat(filepath.Join(outDir, "exp1", DBFileName))
	require.NoError(t, err)

	// Random experiment name.
	s2, err := New(outDir, "")
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()
	assert.Len(t, s2.ExpName(), 36)

	_, err = New("", "exp")
	require.Error(t, err)
}

func TestSchemaFromMap(t *testing.T) {
	schema := SchemaFromMap(map[string]any{
		"arch":    "cnn",
		"epochs":  10,
		"lr":      0.1,
		"adv":     true,
		"resume":  nil,
		"weights": []float32{1, 2},
	})
	assert.Equal(t, Schema{
		"arch": String, "epochs": Int, "lr": Float, "adv": Bool, "resume": String, "weights": String,
	}, schema)
	assert.Equal(t, []string{"adv", "arch", "epochs", "lr", "resume", "weights"}, schema.Columns())
}

func TestAppendRow(t *testing.T) {
	s, err := New(t.TempDir(), "exp")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	row := map[string]any{
		"arch":    "cnn",
		"epochs":  10,
		"lr":      0.1,
		"adv":     true,
		"resume":  nil,
		"weights": []float32{1, 2},
	}
	table, err := s.AddTable("metadata", SchemaFromMap(row))
	require.NoError(t, err)
	require.NoError(t, table.AppendRow(row))

	// Same table twice is an error.
	_, err = s.AddTable("metadata", SchemaFromMap(row))
	require.Error(t, err)
	got, found := s.Table("metadata")
	require.True(t, found)
	assert.Same(t, table, got)
	assert.Equal(t, []string{"metadata"}, s.TableNames())

	// Unknown column.
	require.Error(t, table.AppendRow(map[string]any{"unknown": 1}))
	// Wrong type.
	require.Error(t, table.AppendRow(map[string]any{"epochs": "ten"}))

	numRows, err := table.NumRows()
	require.NoError(t, err)
	assert.Equal(t, 1, numRows)

	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{
		"arch":    "cnn",
		"epochs":  int64(10),
		"lr":      0.1,
		"adv":     true,
		"resume":  nil,
		"weights": "[1,2]",
	}, rows[0])
}

func TestReopenStore(t *testing.T) {
	outDir := t.TempDir()
	schema := Schema{"epoch": Int, "loss": Float}
	for ii := range 2 {
		s, err := New(outDir, "exp")
		require.NoError(t, err)
		table, err := s.AddTable("logs", schema)
		require.NoError(t, err)
		require.NoError(t, table.AppendRow(map[string]any{"epoch": ii, "loss": 1.0 / float64(ii+1)}))
		require.NoError(t, s.Close())
	}
	s, err := New(outDir, "exp")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	table, err := s.GetOrAddTable("logs", schema)
	require.NoError(t, err)
	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0), rows[0]["epoch"])
	assert.Equal(t, int64(1), rows[1]["epoch"])
}

func TestOpenTable(t *testing.T) {
	outDir := t.TempDir()
	s, err := New(outDir, "exp")
	require.NoError(t, err)
	schema := Schema{"epoch": Int, "loss": Float, "adv": Bool, "arch": String}
	table, err := s.AddTable("logs", schema)
	require.NoError(t, err)
	require.NoError(t, table.AppendRow(map[string]any{"epoch": 3, "loss": 0.5, "adv": true, "arch": "cnn"}))
	require.NoError(t, s.Close())

	s, err = OpenReadOnly(outDir, "exp")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	table, err = s.OpenTable("logs")
	require.NoError(t, err)
	assert.Equal(t, schema, table.Schema())
	rows, err := table.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["adv"])
	assert.Equal(t, "cnn", rows[0]["arch"])

	_, err = s.OpenTable("missing")
	require.Error(t, err)
	require.Error(t, table.AppendRow(map[string]any{"epoch": 4}), "store opened read-only")

	// A missing store is not created.
	_, err = OpenReadOnly(outDir, "other")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(outDir, "other"))
	assert.True(t, os.IsNotExist(err))
}

func TestDataFrameAndPlot(t *testing.T) {
	s, err := New(t.TempDir(), "exp")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	table, err := s.AddTable("logs", Schema{"epoch": Int, "nat_prec1": Float, "adv_prec1": Float, "note": String})
	require.NoError(t, err)
	for epoch := range 3 {
		row := map[string]any{"epoch": epoch, "nat_prec1": 0.5 + 0.1*float64(epoch), "note": "ok"}
		if epoch == 2 {
			row["adv_prec1"] = 0.25
		}
		require.NoError(t, table.AppendRow(row))
	}

	df, err := table.DataFrame()
	require.NoError(t, err)
	assert.Equal(t, 3, df.Nrow())
	assert.Equal(t, []string{"adv_prec1", "epoch", "nat_prec1", "note"}, df.Names())
	assert.Equal(t, []int{0, 1, 2}, must.M1(df.Col("epoch").Int()))
	advPrec := df.Col("adv_prec1").Float()
	assert.True(t, math.IsNaN(advPrec[0]))
	assert.InDelta(t, 0.25, advPrec[2], 1e-6)

	path, err := table.Plot("accuracy", "epoch", []string{"nat_prec1", "adv_prec1"}, "logs.png")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	_, err = table.Plot("accuracy", "epoch", []string{"missing"}, "logs.png")
	require.Error(t, err)
}
