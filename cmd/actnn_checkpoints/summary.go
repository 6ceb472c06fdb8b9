// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/actnn/pkg/training"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// scalarString formats the value of a scalar variable, or returns "" if it doesn't exist.
func scalarString(ctx *context.Context, scope, name string, format func(value any) string) string {
	v := ctx.InspectVariableIfLoaded(scope, name)
	if v == nil {
		return ""
	}
	value, err := v.Value()
	if err != nil || !value.Shape().IsScalar() {
		return ""
	}
	return format(value.Value())
}

// summaryRows returns the rows of the summary table, one column per checkpoint after the row label.
func summaryRows(ctxs, scopedCtxs []*context.Context) [][]string {
	numCheckpoints := len(ctxs)
	newRow := func(label string) []string {
		row := make([]string, numCheckpoints+1)
		row[0] = label
		return row
	}
	var rows [][]string
	appendIfSet := func(row []string) {
		for _, cell := range row[1:] {
			if cell != "" {
				rows = append(rows, row)
				return
			}
		}
	}

	epochRow, bestRow, stepRow := newRow("epoch"), newRow("best top-1"), newRow("global_step")
	for ii, ctx := range ctxs {
		epochRow[ii+1] = scalarString(ctx, training.StateScope, "epoch", func(value any) string {
			return fmt.Sprintf("%d", value)
		})
		bestRow[ii+1] = scalarString(ctx, training.StateScope, "best_prec1", func(value any) string {
			return fmt.Sprintf("%.2f%%", value)
		})
		if v := ctx.GetVariable(optimizers.GlobalStepVariableName); v != nil {
			if value, err := v.Value(); err == nil {
				stepRow[ii+1] = humanize.Comma(tensors.ToScalar[int64](value))
			}
		}
	}
	appendIfSet(epochRow)
	appendIfSet(bestRow)
	appendIfSet(stepRow)

	variablesRow, parametersRow, memoryRow := newRow("# variables"), newRow("# parameters"), newRow("# bytes")
	for ii, scopedCtx := range scopedCtxs {
		var numVars, totalSize int
		var totalMemory uintptr
		scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		})
		variablesRow[ii+1] = humanize.Comma(int64(numVars))
		parametersRow[ii+1] = humanize.Comma(int64(totalSize))
		memoryRow[ii+1] = humanize.Bytes(uint64(totalMemory))
	}
	return append(rows, variablesRow, parametersRow, memoryRow)
}

// Summary prints the progress of each run and the sizes of the variables under -scope.
func Summary(ctxs, scopedCtxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"checkpoint"}, names...)...)
	scopeRow := []string{"scope"}
	for range names {
		scopeRow = append(scopeRow, *flagScope)
	}
	table.Row(scopeRow...)
	for _, row := range summaryRows(ctxs, scopedCtxs) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
