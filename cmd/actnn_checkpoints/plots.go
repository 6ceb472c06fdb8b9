// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/actnn/pkg/training"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	flagPlot = flag.String("plot", "", "If set, plots the per-epoch metrics of the runs to the given PNG file. "+
		"Use -plot_metrics and -metrics_names to select what is plotted.")
	flagPlotMetrics = flag.String("plot_metrics", training.MetricLoss+","+training.MetricTop1,
		"Comma-separated metrics to plot, one panel each, with the curves of all phases and runs.")
)

// metricOfColumn returns the metric of a "<phase>.<metric>" column. Columns without a phase, like the
// learning rate, are their own metric.
func metricOfColumn(column string) string {
	if _, metric, found := strings.Cut(column, "."); found {
		return metric
	}
	return column
}

// panelLines returns the alternating names and points of the curves of metric, in the format taken
// by plotutil.AddLinePoints. NaN values are skipped.
func panelLines(metric string, names []string, frames []dataframe.DataFrame) []any {
	var lines []any
	for ii, df := range frames {
		epochs := df.Col(EpochColumn).Float()
		for _, column := range df.Names() {
			if column == EpochColumn || metricOfColumn(column) != metric {
				continue
			}
			var xys plotter.XYs
			for row, value := range df.Col(column).Float() {
				if !math.IsNaN(value) {
					xys = append(xys, plotter.XY{X: epochs[row], Y: value})
				}
			}
			if len(xys) == 0 {
				continue
			}
			label := column
			if len(frames) > 1 {
				label = fmt.Sprintf("%s: %s", names[ii], column)
			}
			lines = append(lines, label, xys)
		}
	}
	return lines
}

// PlotMetrics saves to filePath a PNG with one panel per metric of -plot_metrics, plotting each
// phase of each run against the epochs.
func PlotMetrics(filePath string, names []string, frames []dataframe.DataFrame) error {
	var panels []*plot.Plot
	for _, metric := range splitList(*flagPlotMetrics) {
		lines := panelLines(metric, names, frames)
		if len(lines) == 0 {
			continue
		}
		p := plot.New()
		p.Title.Text = metric
		p.X.Label.Text = "epoch"
		p.Y.Label.Text = metric
		p.Legend.Top = !slices.Contains([]string{training.MetricTop1, training.MetricTop5}, metric)
		if err := plotutil.AddLinePoints(p, lines...); err != nil {
			return errors.Wrapf(err, "plotting %q", metric)
		}
		panels = append(panels, p)
	}
	if len(panels) == 0 {
		return errors.Errorf("none of the metrics %q found in the reports", *flagPlotMetrics)
	}

	width, height := vg.Length(len(panels))*8*vg.Inch, 6*vg.Inch
	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: len(panels), PadX: vg.Inch / 4}
	canvases := plot.Align([][]*plot.Plot{panels}, tiles, dc)
	for ii, p := range panels {
		p.Draw(canvases[0][ii])
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating plot file %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing plot to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing plot file %q", filePath)
}
