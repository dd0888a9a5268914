// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/robustness/model"
	"github.com/gomlx/robustness/store"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case withHeader && row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func newInspectCmd() *cobra.Command {
	var scope string
	var listVars bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint_dir>",
		Short: "Summarize a checkpoint saved by the training",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			inspect(args[0], scope, listVars)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "/"+model.Scope, "Scope of the variables included in the report.")
	cmd.Flags().BoolVar(&listVars, "vars", false, "List the variables under --scope.")
	return cmd
}

// inspect prints a summary of the checkpoint and, optionally, its variables.
func inspect(checkpointPath, scope string, listVars bool) {
	ctx := context.New()
	_ = must.M1(checkpoints.Load(ctx).Dir(checkpointPath).Immediate().Done())

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("checkpoint", checkpointPath)
	table.Row("scope", scope)
	if v := ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName); v != nil {
		table.Row("global_step", humanize.Comma(tensors.ToScalar[int64](must.M1(v.Value()))))
	}
	if v := ctx.GetVariableByScopeAndName(model.TrainingScope, model.EpochVariable); v != nil {
		table.Row("epoch", humanize.Comma(tensors.ToScalar[int64](must.M1(v.Value()))))
	}
	var numVars, totalSize int
	var totalMemory uintptr
	var rows [][]string
	for v := range ctx.IterVariables() {
		if v.Scope() != scope && !strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
			continue
		}
		shape := v.Shape()
		numVars++
		totalSize += shape.Size()
		totalMemory += shape.Memory()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	}
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(table.Render())

	if !listVars {
		return
	}
	fmt.Println(titleStyle.Render("Variables"))
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	table = newPlainTable(true).Headers("Scope", "Name", "Shape", "Size", "Bytes")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

func newLogsCmd() *cobra.Command {
	var outDir, expName, tableName string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print a table of an experiment store",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := store.OpenReadOnly(outDir, expName)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			table, err := st.OpenTable(tableName)
			if err != nil {
				return err
			}
			df, err := table.DataFrame()
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %s", expName, tableName)))
			fmt.Println(df)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out_dir", "", "Directory of the experiment stores.")
	cmd.Flags().StringVar(&expName, "exp_name", "", "Name of the experiment.")
	cmd.Flags().StringVar(&tableName, "table", "logs", "Table to print.")
	_ = cmd.MarkFlagRequired("out_dir")
	_ = cmd.MarkFlagRequired("exp_name")
	return cmd
}
