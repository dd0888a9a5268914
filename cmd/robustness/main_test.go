// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/model"
	"github.com/gomlx/robustness/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	rootCmd := newRootCmd()
	require.NoError(t, rootCmd.Flags().Parse([]string{
		"--task=binary_mnist", "--num-rots=3", "--num_val_rots", "4", "--eps=8/255", "--adv_train",
	}))
	args, err := defaults.FromFlagSet(rootCmd.Flags(), defaults.AllGroups()...)
	require.NoError(t, err)
	assert.Equal(t, "binary_mnist", args.String("task"))
	assert.Equal(t, 3, args.Int("num_rots"))
	assert.Equal(t, 4, args.Int("num_val_rots"))
	assert.Equal(t, "8/255", args.String("eps"))
	assert.True(t, args.Bool("adv_train"))
	assert.False(t, args.IsSet("epochs"), "flags not given are left unset")

	var names []string
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"inspect", "logs", "version"})
}

func TestInspectAndLogs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	ctx := context.New()
	ctx.InAbsPath("/"+model.Scope).VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.InAbsPath(model.TrainingScope).VariableWithValue(model.EpochVariable, int64(7))
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
	require.NotPanics(t, func() { inspect(dir, "/"+model.Scope, true) })

	outDir := t.TempDir()
	st, err := store.New(outDir, "exp")
	require.NoError(t, err)
	table, err := st.AddTable("logs", store.Schema{"epoch": store.Int, "nat_prec1": store.Float})
	require.NoError(t, err)
	require.NoError(t, table.AppendRow(map[string]any{"epoch": 0, "nat_prec1": 51.5}))
	require.NoError(t, st.Close())

	logsCmd := newLogsCmd()
	logsCmd.SetArgs([]string{"--out_dir", outDir, "--exp_name", "exp"})
	require.NoError(t, logsCmd.Execute())
	logsCmd = newLogsCmd()
	logsCmd.SetArgs([]string{"--out_dir", outDir, "--exp_name", "exp", "--table", "missing"})
	require.Error(t, logsCmd.Execute())

	// Printing the logs of an unknown experiment doesn't create its store.
	logsCmd = newLogsCmd()
	logsCmd.SetArgs([]string{"--out_dir", outDir, "--exp_name", "unknown"})
	require.ErrorIs(t, logsCmd.Execute(), store.ErrNotFound)
	_, err = os.Stat(filepath.Join(outDir, "unknown"))
	assert.True(t, os.IsNotExist(err))
}
