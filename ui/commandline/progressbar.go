// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn returns a name and a value to display along the progress bar. It is called at
// every redraw.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the minimum time between redraws.
var maxUpdateFrequency = 200 * time.Millisecond

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newTable returns an empty table with the styles of the command line reports.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

type progressBarUpdate struct {
	amount    int
	iteration int
	rows      [][2]string
}

// ProgressBar displays the progress of one phase of an epoch, with a table of the latest metrics
// above the bar. Redraws happen in a separate goroutine, so a slow terminal doesn't slow down
// the training.
type ProgressBar struct {
	title          string
	total          int
	lastIteration  int
	start          time.Time
	extraMetricFns []ExtraMetricFn

	out        io.Writer
	termenv    *termenv.Output
	bar        *progressbar.ProgressBar
	statsStyle lipgloss.Style
	statsTable *lgtable.Table
	linesDrawn int
	updates    chan progressBarUpdate
	drawerDone sync.WaitGroup
	finishOnce sync.Once
}

// IsTerminal returns whether the standard output is a terminal, where the progress bar can be used.
func IsTerminal() bool {
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// NewProgressBar creates and starts displaying a progress bar for total iterations.
func NewProgressBar(title string, total int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return newProgressBar(os.Stdout, title, total, extraMetrics...)
}

func newProgressBar(out io.Writer, title string, total int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		title:          title,
		total:          max(total, 1),
		start:          time.Now(),
		extraMetricFns: extraMetrics,
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newTable(),
		updates:        make(chan progressBarUpdate, 100),
	}
	pBar.bar = progressbar.NewOptions(pBar.total,
		progressbar.OptionSetDescription(fmt.Sprintf("%-10s", title)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("it"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(out),
	)
	pBar.drawerDone.Add(1)
	go pBar.drawer()
	return pBar
}

// Update reports that iteration (counted from 1) finished, with the given metrics.
func (pBar *ProgressBar) Update(iteration int, metrics map[string]float64) {
	amount := iteration - pBar.lastIteration
	if amount <= 0 {
		return
	}
	pBar.lastIteration = iteration
	pBar.updates <- progressBarUpdate{amount: amount, iteration: iteration, rows: MetricRows(metrics)}
}

// Done waits for the pending redraws and leaves the cursor after the bar.
func (pBar *ProgressBar) Done() {
	pBar.finishOnce.Do(func() {
		close(pBar.updates)
		pBar.drawerDone.Wait()
		pBar.termenv.ShowCursor()
		_, _ = fmt.Fprintln(pBar.out)
	})
}

// drawer redraws the table and the bar, skipping over updates queued while drawing.
func (pBar *ProgressBar) drawer() {
	defer pBar.drawerDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		elapsed := time.Since(pBar.start)
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row(pBar.title, fmt.Sprintf("%s of %s",
			humanize.Comma(int64(update.iteration)), humanize.Comma(int64(pBar.total))))
		pBar.statsTable.Row("Elapsed", FormatDuration(elapsed))
		pBar.statsTable.Row("Time per iteration", FormatDuration(elapsed/time.Duration(update.iteration)))
		numRows := 3
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
			numRows++
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
			numRows++
		}

		pBar.termenv.HideCursor()
		if pBar.linesDrawn > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesDrawn)
		}
		// Table rows, its top and bottom borders, and the bar line.
		pBar.linesDrawn = numRows + 2 + 1
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// MetricRows returns the metrics as (name, formatted value) rows, sorted by name.
func MetricRows(metrics map[string]float64) [][2]string {
	rows := make([][2]string, 0, len(metrics))
	for _, name := range slices.Sorted(maps.Keys(metrics)) {
		rows = append(rows, [2]string{name, FormatMetric(name, metrics[name])})
	}
	return rows
}

// FormatMetric formats the value of the named metric: throughputs with thousands separators, times
// as durations, and everything else with up to 4 decimal places.
func FormatMetric(name string, value float64) string {
	switch {
	case strings.HasSuffix(name, "img/s"):
		return humanize.CommafWithDigits(value, 1)
	case strings.HasSuffix(name, "time"):
		return FormatDuration(time.Duration(value * float64(time.Second)))
	}
	return humanize.FtoaWithDigits(math.Round(value*1e4)/1e4, 4)
}
