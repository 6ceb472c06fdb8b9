// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// highlightTable is a table where rows can be highlighted, e.g. the hyperparameters that differ across runs.
type highlightTable struct {
	Table       *lgtable.Table
	count       int
	highlighted map[int]bool
}

// Row appends a row, highlighted if requested.
func (t *highlightTable) Row(highlight bool, row ...string) {
	if highlight {
		t.highlighted[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

// newTable creates a table with alternating row styles. The alignments are given per column, the
// last one repeated for the remaining columns.
func newTable(alignments ...lipgloss.Position) *highlightTable {
	t := &highlightTable{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case t.highlighted[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// newPlainTable creates a table without highlighted rows.
func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return newTable(alignments...).Table
}

func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(value string) []string {
	var parts []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
