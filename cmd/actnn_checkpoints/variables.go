// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagDeleteVars = flag.String("delete_vars", "", "Comma-separated scopes whose variables are deleted from the "+
		"latest checkpoint, which is then saved again. E.g. -delete_vars=/sgd drops the momentum, "+
		"so a --resume starts the optimizer afresh.")
)

// variableRows returns one row per variable in the scope of ctx: scope, name, shape, size, bytes and
// the statistics of its values, sorted by scope and name.
func variableRows(ctx *context.Context, backend backends.Backend) [][]string {
	statsExec := MustNewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)

	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			return
		}
		shape := v.Shape()
		value := must.M1(v.Value())
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%v", value.Value())
		} else if shape.DType.IsFloat() {
			stats := statsExec.MustExec(value)
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(strings.Compare(a[0], b[0]), strings.Compare(a[1], b[1]))
	})
	return rows
}

// ListVariables lists the variables in the scope of ctx, with their shape and the MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) of their values.
func ListVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	backend := must.M1(backends.New())
	defer backend.Finalize()

	table := newPlainTable()
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range variableRows(ctx, backend) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// DeleteVars deletes the variables under the given scopes from the latest checkpoint in checkpointDir,
// and saves it again. It returns the number of deleted variables.
func DeleteVars(checkpointDir string, scopes ...string) (int, error) {
	ctx, handler, err := loadCheckpoint(checkpointDir, -1)
	if err != nil {
		return 0, err
	}
	var toDelete []*context.Variable
	for v := range ctx.IterVariables() {
		for _, scope := range scopes {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
				toDelete = append(toDelete, v)
				break
			}
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	for _, v := range toDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	if err := handler.Save(); err != nil {
		return 0, errors.WithMessagef(err, "saving checkpoint to %q", checkpointDir)
	}
	return len(toDelete), nil
}
