// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/actnn/pkg/report"
	"github.com/gomlx/actnn/pkg/training"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics      = flag.Bool("metrics", false, "Lists the per-epoch metrics of the JSON report of each run.")
	flagMetricsNames = flag.String("metrics_names", "",
		"Regular expression selecting the metrics (e.g. \"^val\\\\.\") in the -metrics and -plot reports.")
)

// EpochColumn is the name of the column of the epoch numbers in the metrics data frame.
const EpochColumn = "epoch"

// epochsDataFrame converts the per-epoch metrics of a report to a data frame, with one row per epoch
// and one column per metric selected by matcher (all if nil). Missing values are NaN.
func epochsDataFrame(rep *report.Report, matcher *regexp.Regexp) dataframe.DataFrame {
	names := sets.Make[string]()
	for _, event := range rep.Epochs {
		for name := range event.Metrics {
			if matcher == nil || matcher.MatchString(name) {
				names.Insert(name)
			}
		}
	}
	columns := []series.Series{series.New(epochNumbers(rep), series.Int, EpochColumn)}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		values := make([]float64, len(rep.Epochs))
		for ii, event := range rep.Epochs {
			value, found := event.Metrics[name]
			if !found {
				value = math.NaN()
			}
			values[ii] = value
		}
		columns = append(columns, series.New(values, series.Float, name))
	}
	return dataframe.New(columns...)
}

func epochNumbers(rep *report.Report) []int {
	epochs := make([]int, len(rep.Epochs))
	for ii, event := range rep.Epochs {
		epochs[ii] = event.Epoch
	}
	return epochs
}

// bestEpoch returns the row of the epoch with the highest value of column, and whether there is one.
func bestEpoch(df dataframe.DataFrame, column string) (epoch int, value float64, found bool) {
	if df.Nrow() == 0 || !slices.Contains(df.Names(), column) {
		return
	}
	valid := df.Filter(dataframe.F{Colname: column, Comparator: series.CompFunc,
		Comparando: func(el series.Element) bool { return !math.IsNaN(el.Float()) }})
	if valid.Nrow() == 0 {
		return
	}
	sorted := valid.Arrange(dataframe.RevSort(column))
	epoch, err := sorted.Col(EpochColumn).Elem(0).Int()
	if err != nil {
		return 0, 0, false
	}
	return epoch, sorted.Col(column).Elem(0).Float(), true
}

// formatMetric formats the value of a metric for a table: accuracies as percentages, the rest with 3
// significant digits.
func formatMetric(name string, value float64) string {
	if math.IsNaN(value) {
		return ""
	}
	if strings.HasSuffix(name, training.MetricTop1) || strings.HasSuffix(name, training.MetricTop5) {
		return fmt.Sprintf("%.2f%%", value)
	}
	return fmt.Sprintf("%.3g", value)
}

// metricsTableRows returns the header and the rows of the data frame.
func metricsTableRows(df dataframe.DataFrame) (header []string, rows [][]string) {
	header = df.Names()
	epochs := df.Col(EpochColumn)
	rows = make([][]string, df.Nrow())
	for ii := range rows {
		rows[ii] = make([]string, len(header))
		rows[ii][0] = epochs.Elem(ii).String()
	}
	for col, name := range header[1:] {
		values := df.Col(name).Float()
		for ii, value := range values {
			rows[ii][col+1] = formatMetric(name, value)
		}
	}
	return
}

// reportMetrics prints the per-epoch metrics and the summary of one run.
func reportMetrics(r *run, rep *report.Report, df dataframe.DataFrame) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Metrics of %s", r.Name)))
	table := newPlainTable(lipgloss.Right)
	header, rows := metricsTableRows(df)
	table.Headers(header...)
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())

	valTop1 := report.MetricName(report.PhaseVal, training.MetricTop1)
	if epoch, value, found := bestEpoch(df, valTop1); found {
		fmt.Printf("  %s: %s at epoch %d\n", sectionStyle.Render("Best "+valTop1),
			emphasisStyle.Render(formatMetric(valTop1, value)), epoch)
	}
	for _, name := range slices.Sorted(maps.Keys(rep.Summary)) {
		fmt.Printf("  %s: %s\n", sectionStyle.Render(name), emphasisStyle.Render(fmt.Sprintf("%.4g", rep.Summary[name])))
	}
}

// Metrics reads the JSON report of each run and prints its metrics and/or plots them, according to
// the -metrics and -plot flags.
func Metrics(runs []*run) error {
	var matcher *regexp.Regexp
	if *flagMetricsNames != "" {
		var err error
		matcher, err = regexp.Compile(*flagMetricsNames)
		if err != nil {
			return errors.Wrapf(err, "compiling -metrics_names=%q", *flagMetricsNames)
		}
	}
	frames := make([]dataframe.DataFrame, 0, len(runs))
	names := make([]string, 0, len(runs))
	for _, r := range runs {
		rep, err := report.ReadReport(r.ReportPath)
		if err != nil {
			return err
		}
		if len(rep.Epochs) == 0 {
			klog.Warningf("No epochs recorded in %q", r.ReportPath)
			continue
		}
		df := epochsDataFrame(rep, matcher)
		if df.Err != nil {
			return errors.Wrapf(df.Err, "building metrics of %q", r.ReportPath)
		}
		if *flagMetrics {
			reportMetrics(r, rep, df)
		}
		frames = append(frames, df)
		names = append(names, r.Name)
	}
	if *flagPlot != "" {
		if len(frames) == 0 {
			return errors.New("no metrics to plot")
		}
		if err := PlotMetrics(*flagPlot, names, frames); err != nil {
			return err
		}
		fmt.Printf("Plot saved to %q\n", *flagPlot)
	}
	return nil
}
