// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// StdOut1LBackend prints one line per reported iteration and per epoch.
type StdOut1LBackend struct {
	w                io.Writer
	trainLen, valLen int
	epochs           int
}

var _ Backend = (*StdOut1LBackend)(nil)

// NewStdOut1LBackend creates a StdOut1LBackend writing to w. trainLen and valLen are the number of
// iterations per epoch of each phase, and epochs the total number of epochs.
func NewStdOut1LBackend(w io.Writer, trainLen, valLen, epochs int) *StdOut1LBackend {
	return &StdOut1LBackend{w: w, trainLen: trainLen, valLen: valLen, epochs: epochs}
}

// LogRunTag implements Backend. Tags are not printed.
func (b *StdOut1LBackend) LogRunTag(string, any) {}

// LogIteration implements Backend.
func (b *StdOut1LBackend) LogIteration(phase string, epoch, iteration int, metrics map[string]float64) {
	total := b.trainLen
	if phase != PhaseTrain {
		total = b.valLen
	}
	_, _ = fmt.Fprintf(b.w, "Epoch: %d/%d %s [%d/%d]\t%s\n",
		epoch+1, b.epochs, strings.ToUpper(phase[:1])+phase[1:], iteration, total, formatMetrics(metrics))
}

// LogEpoch implements Backend.
func (b *StdOut1LBackend) LogEpoch(epoch int, metrics map[string]float64) {
	_, _ = fmt.Fprintf(b.w, "Epoch: %d/%d summary\t%s\n", epoch+1, b.epochs, formatMetrics(metrics))
}

// LogEnd implements Backend.
func (b *StdOut1LBackend) LogEnd(metrics map[string]float64) {
	_, _ = fmt.Fprintf(b.w, "Summary\t%s\n", formatMetrics(metrics))
}

// Close implements Backend.
func (b *StdOut1LBackend) Close() error { return nil }

// formatMetrics returns the metrics sorted by name. Throughputs are humanized.
func formatMetrics(metrics map[string]float64) string {
	parts := make([]string, 0, len(metrics))
	for _, name := range slices.Sorted(maps.Keys(metrics)) {
		value := metrics[name]
		var formatted string
		switch {
		case strings.HasSuffix(name, "img/s"):
			formatted = humanize.CommafWithDigits(value, 1)
		case strings.HasSuffix(name, "time"):
			formatted = fmt.Sprintf("%.3fs", value)
		default:
			formatted = humanize.FtoaWithDigits(value, 4)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, formatted))
	}
	return strings.Join(parts, "\t")
}
