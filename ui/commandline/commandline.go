// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command-line UI of the training driver: progress bar,
// metrics tables and the parsing of context settings.
package commandline

import (
	"fmt"
	"io"
)

// PrintMetrics prints the metrics as a table under the given title, e.g. the results of an evaluation.
func PrintMetrics(w io.Writer, title string, metrics map[string]float64) {
	table := newTable()
	for _, row := range MetricRows(metrics) {
		table.Row(row[0], row[1])
	}
	_, _ = fmt.Fprintf(w, "%s:\n%s\n", title, table.String())
}
