// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// actnn_checkpoints inspects the workspaces (or checkpoint directories) of training runs.
//
// It reports the progress saved in the checkpoints, the hyperparameters and the variables of the
// model, and the per-epoch metrics of the JSON report. Several workspaces can be given to compare them.
//
// Example:
//
//	actnn_checkpoints -summary -metrics -plot=curves.png ~/work/actnn/run1 ~/work/actnn/run2
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/actnn/pkg/config"
	"github.com/gomlx/actnn/pkg/training"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the checkpoint to inspect. "+
		"Besides the model, checkpoints hold the optimizer state and the progress of the run. "+
		"This flag tells which scope is considered for the -summary and -vars reports.")
	flagSummary = flag.Bool("summary", false, "Display the progress of the run and a summary of the model sizes "+
		"(for the variables under -scope).")
	flagParams     = flag.Bool("params", false, "Lists the hyperparameters saved with the checkpoint.")
	flagReportFile = flag.String("report", config.Defaults().RaportFile,
		"Name of the JSON report in the workspace, used by -metrics and -plot.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list a glossary of the columns after the tables.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

// run holds the locations of one training run.
type run struct {
	Name, CheckpointDir, ReportPath string
}

// resolveRun finds the checkpoints and the report of a workspace. A checkpoint directory may also be
// given directly, in which case the report is searched in its parent directory.
func resolveRun(path string) (*run, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	r := &run{CheckpointDir: path, ReportPath: filepath.Join(path, *flagReportFile)}
	checkpointsDir := filepath.Join(path, training.CheckpointsDir)
	found, err := fsutil.FileExists(checkpointsDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "checking for %q", checkpointsDir)
	}
	if found {
		r.CheckpointDir = checkpointsDir
	} else if filepath.Base(path) == training.CheckpointsDir {
		r.ReportPath = filepath.Join(filepath.Dir(path), *flagReportFile)
	}
	return r, nil
}

// loadCheckpoint reads the latest checkpoint of dir into a new context.
func loadCheckpoint(dir string, keep int) (*context.Context, *checkpoints.Handler, error) {
	ctx := context.New()
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(keep).Immediate().Done()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
	}
	found, err := handler.HasCheckpoints()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	if !found {
		return nil, nil, errors.Errorf("no checkpoints found in %q", dir)
	}
	return ctx, handler, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing workspace or checkpoint directory to read from. See 'actnn_checkpoints -help'")
		os.Exit(1)
	}
	runs := make([]*run, len(paths))
	for ii, path := range paths {
		runs[ii] = must.M1(resolveRun(path))
	}
	for ii, name := range MinimalUniquePaths(paths...) {
		runs[ii].Name = name
	}

	if *flagDeleteVars != "" {
		for _, r := range runs {
			numDeleted := must.M1(DeleteVars(r.CheckpointDir, splitList(*flagDeleteVars)...))
			fmt.Printf("%s: %d deleted variables under %q, new checkpoint saved.\n", r.Name, numDeleted, *flagDeleteVars)
		}
	}

	if *flagSummary || *flagParams || *flagVars {
		ctxs := make([]*context.Context, len(runs))
		scopedCtxs := make([]*context.Context, len(runs))
		names := make([]string, len(runs))
		for ii, r := range runs {
			ctx, _, err := loadCheckpoint(r.CheckpointDir, -1)
			if err != nil {
				klog.Exitf("Failed to read checkpoint of %s: %+v", r.Name, err)
			}
			ctxs[ii] = ctx
			scopedCtxs[ii] = ctxs[ii]
			if *flagScope != "" {
				scopedCtxs[ii] = ctxs[ii].InAbsPath(*flagScope)
			}
			names[ii] = r.Name
		}
		if *flagSummary {
			Summary(ctxs, scopedCtxs, names)
		}
		if *flagParams {
			Params(ctxs, names)
		}
		if *flagVars {
			for ii, scopedCtx := range scopedCtxs {
				if len(runs) > 1 {
					fmt.Println(sectionStyle.Render(names[ii]))
				}
				ListVariables(scopedCtx)
			}
		}
	}

	if *flagMetrics || *flagPlot != "" {
		must.M(Metrics(runs))
	}
}
