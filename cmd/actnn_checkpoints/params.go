// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

type scopeKey struct{ Scope, Key string }

// paramRows returns one row per hyperparameter set in any of the contexts: scope, name, type and one
// value per context. The flag tells whether the values differ across the contexts.
func paramRows(ctxs []*context.Context) (rows [][]string, differ []bool) {
	keys := sets.Make[scopeKey]()
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			keys.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	sorted := slices.SortedFunc(maps.Keys(keys), func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})
	for _, sk := range sorted {
		row := make([]string, len(ctxs)+3)
		row[0], row[1] = sk.Scope, sk.Key
		for ii, ctx := range ctxs {
			value, found := ctx.InAbsPath(sk.Scope).GetParam(sk.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
		differ = append(differ, !isAllEqual(row[3:]))
	}
	return
}

// Params lists the hyperparameters of the checkpoints, highlighting the ones that differ.
func Params(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newTable()
	headers := []string{"Scope", "Name", "Type"}
	if len(names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Table.Headers(headers...)
	rows, differ := paramRows(ctxs)
	for ii, row := range rows {
		table.Row(differ[ii], row...)
	}
	fmt.Println(table.Table.Render())
}
