// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training drives an image classification training run: it configures the activation
// compression, restores checkpoints, builds the loaders, model, loss and optimizer, and runs the
// training and validation epochs, reporting the metrics to the configured loggers.
package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/actnn/pkg/actnn"
	"github.com/gomlx/actnn/pkg/config"
	"github.com/gomlx/actnn/pkg/data"
	"github.com/gomlx/actnn/pkg/losses"
	"github.com/gomlx/actnn/pkg/lrschedule"
	"github.com/gomlx/actnn/pkg/models"
	"github.com/gomlx/actnn/pkg/report"
	"github.com/gomlx/actnn/pkg/sgd"
	"github.com/gomlx/actnn/ui/commandline"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EnvTrackerURL is the environment variable with the remote tracker URL, used if --tracker-url is not given.
const EnvTrackerURL = "ACTNN_TRACKER_URL"

// ArgsScope is the absolute scope of the context parameters mirroring the arguments of the run.
const ArgsScope = "/args"

// Run executes the training run configured by args, printing the progress messages to stdout.
//
// Panics raised while building the computation graphs are returned as errors.
func Run(args *config.Args) error {
	return RunWithOutput(args, os.Stdout)
}

// RunWithOutput is like Run, but prints the progress messages to out.
func RunWithOutput(args *config.Args, out io.Writer) (err error) {
	panicErr := exceptions.TryCatch[error](func() {
		err = run(args, out)
	})
	if panicErr != nil {
		return panicErr
	}
	return err
}

// newBackend creates the backend from its configuration, or the default one if empty.
func newBackend(backendConfig string) (backends.Backend, error) {
	if backendConfig != "" {
		return backends.NewWithConfig(backendConfig)
	}
	return backends.New()
}

func run(args *config.Args, out io.Writer) (err error) {
	expStart := time.Now()
	say := func(format string, a ...any) {
		_, _ = fmt.Fprintf(out, format+"\n", a...)
	}

	numSamples := data.ImageNetNumSamples
	if args.Dataset == "cifar10" {
		numSamples = data.CIFAR10NumSamples
	}
	err = actnn.Configure(args.ActNNLevel, actnn.Options{
		CABits:      args.CABits,
		InitialBits: args.InitialBits,
		Stochastic:  args.StochasticQuant,
		QAT:         args.QAT,
		UseGradient: args.UseGradient,
		GroupSize:   args.GroupSize,
		NumSamples:  numSamples,
	})
	if err != nil {
		return err
	}
	compression := actnn.Global()
	klog.V(1).Infof("activation compression: %s", compression.String())

	backend, err := newBackend(args.Backend)
	if err != nil {
		return errors.WithMessage(err, "creating backend")
	}
	defer backend.Finalize()
	if err = args.DeriveDistributed(os.Getenv, int(backend.NumDevices())); err != nil {
		return err
	}
	if err = args.Validate(); err != nil {
		return err
	}
	seed, seeded := args.ProcessSeed()
	if seeded {
		say("Using seed = %d", seed)
	}
	for _, warning := range args.Warnings() {
		say("%s", warning)
	}
	for _, message := range args.ComputeBatchSizeMultiplier() {
		say("%s", message)
	}

	// Context with the hyperparameters: variables are created on demand, or taken from the checkpoints.
	ctx := context.New().Checked(false)
	if seeded {
		ctx.RngStateFromSeed(seed)
	}
	models.SetDefaultParams(ctx)
	paramsSet, err := commandline.ParseContextSettings(ctx, args.Settings)
	if err != nil {
		return err
	}
	tags, err := args.RunTags()
	if err != nil {
		return err
	}
	argParams := make(map[string]any, len(tags))
	for key, value := range tags {
		if value != nil {
			argParams[key] = value
		}
	}
	ctx.InAbsPath(ArgsScope).SetParams(argParams)
	klog.V(2).Infof("hyperparameters:\n%s", commandline.SprintContextSettings(ctx))
	if len(paramsSet) > 0 {
		klog.Infof("context settings: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	// Workspace checkpoints: resumed automatically, and saved at the end of every epoch.
	workspace, err := fsutil.ReplaceTildeInDir(args.Workspace)
	if err != nil {
		return err
	}
	var checkpoint *checkpoints.Handler
	startEpoch := args.StartEpoch
	if args.SaveCheckpoints {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(filepath.Join(workspace, CheckpointsDir)).
			Keep(args.KeepCheckpoints).
			ExcludeParams(paramNames(ctx)...).
			Done()
		if err != nil {
			return errors.WithMessage(err, "opening workspace checkpoints")
		}
		found, err := checkpoint.HasCheckpoints()
		if err != nil {
			return errors.WithMessage(err, "listing workspace checkpoints")
		}
		if found {
			startEpoch = newState(ctx).Epoch()
			say("=> resuming from '%s' (epoch %d)", checkpoint.Dir(), startEpoch)
		}
	}

	// --pretrained-weights: model weights for the variables no checkpoint provides.
	if args.PretrainedWeights != "" {
		if exists, _ := fsutil.FileExists(args.PretrainedWeights); exists {
			say("=> loading pretrained weights from '%s'", args.PretrainedWeights)
			weights, loadErr := LoadModelWeights(args.PretrainedWeights)
			if loadErr != nil {
				return loadErr
			}
			if err = installWeights(ctx, weights, false); err != nil {
				return err
			}
		} else {
			say("=> no pretrained weights found at '%s'", args.PretrainedWeights)
		}
	}

	// --resume: full training state, taking precedence over the workspace checkpoints.
	if args.Resume != "" {
		if exists, _ := fsutil.FileExists(args.Resume); exists {
			say("=> loading checkpoint '%s'", args.Resume)
			_, err = checkpoints.Load(ctx).Dir(args.Resume).ExcludeParams(paramNames(ctx)...).Immediate().Done()
			if err != nil {
				return errors.WithMessagef(err, "loading checkpoint %q", args.Resume)
			}
			startEpoch = newState(ctx).Epoch()
			say("=> loaded checkpoint '%s' (epoch %d)", args.Resume, startEpoch)
		} else {
			say("=> no checkpoint found at '%s'", args.Resume)
		}
	}

	// --resume2: model weights set at the start of the training loop.
	driver := &Driver{Args: args, Ctx: ctx, Out: out}
	if args.Resume2 != "" {
		if exists, _ := fsutil.FileExists(args.Resume2); exists {
			say("=> loading checkpoint '%s'", args.Resume2)
			if driver.Resume2, err = LoadModelWeights(args.Resume2); err != nil {
				return err
			}
		} else {
			say("=> no checkpoint found at '%s'", args.Resume2)
		}
	}
	if startEpoch > args.Epochs {
		return errors.Errorf("start epoch %d is beyond the number of epochs %d", startEpoch, args.Epochs)
	}
	driver.state = newState(ctx)

	// Data, loss and model.
	driver.Loaders, err = data.Select(backend, data.OptionsFromArgs(args))
	if err != nil {
		return err
	}
	lossName, lossFn := losses.Select(args.Mixup, args.LabelSmoothing)
	model, err := models.New(args.Arch, args.ModelConfig, args.NumClasses)
	if err != nil {
		return err
	}
	klog.Infof("model %s, loss %s", model, lossName)

	// Loggers, only on the master process.
	if args.IsMaster() {
		driver.Logger, err = newLogger(args, driver.Loaders, workspace, out, say)
		if err != nil {
			return err
		}
		driver.Logger.LogRunTags(tags)
	}
	defer func() {
		if endErr := driver.Logger.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	// Optimizer and learning rate policy.
	staticLossScale, dynamicLossScale := args.LossScale()
	driver.Optimizer = sgd.New().
		LearningRate(args.LR).
		Momentum(args.Momentum).
		Nesterov(args.Nesterov).
		WeightDecay(args.WeightDecay).
		BNWeightDecay(args.BNWeightDecay).
		StaticLossScale(staticLossScale).
		DynamicLossScale(dynamicLossScale).
		Done()
	klog.V(1).Infof("optimizer: %s", driver.Optimizer)
	if driver.Policy, err = lrschedule.New(args.LRSchedule, args.LR, args.Warmup, args.Epochs); err != nil {
		return err
	}

	// Trainer and the executors of the validation and debug statistics.
	driver.top1, driver.top5 = accuracyMetric(1), accuracyMetric(5)
	driver.Trainer = train.NewTrainer(backend, ctx, model.ModelFn, lossFn, driver.Optimizer,
		[]metrics.Interface{driver.top1, driver.top5}, nil)
	if args.BatchSizeMultiplier > 1 {
		if err = driver.Trainer.AccumulateGradients(args.BatchSizeMultiplier); err != nil {
			return errors.WithMessagef(err, "accumulating gradients over %d steps", args.BatchSizeMultiplier)
		}
	}
	if driver.evalExec, err = context.NewExec(backend, ctx, evalGraph(model.Logits, lossFn)); err != nil {
		return errors.WithMessage(err, "creating validation executor")
	}
	if compression.CompressActivation {
		if driver.debugExec, err = context.NewExec(backend, ctx, debugGraph(model.Logits, lossFn)); err != nil {
			return errors.WithMessage(err, "creating debug statistics executor")
		}
	}
	driver.Checkpoint = checkpoint

	endEpoch := args.Epochs
	if args.Evaluate {
		endEpoch = startEpoch + 1
	}
	say("Start epoch %d", startEpoch)
	if err = driver.TrainLoop(startEpoch, endEpoch); err != nil {
		return err
	}
	expDuration := time.Since(expStart)
	driver.Logger.LogSummary("exp_duration", expDuration.Seconds())
	klog.Infof("experiment took %s", commandline.FormatDuration(expDuration))

	if args.IsMaster() && !args.Evaluate && args.FinalWeights != "" {
		finalDir := workspacePath(workspace, args.FinalWeights)
		if err = SaveFinalWeights(ctx, finalDir); err != nil {
			return err
		}
		klog.Infof("final weights saved to %q", finalDir)
	}
	if err = driver.Logger.End(); err != nil {
		return err
	}
	say("Experiment ended")
	return nil
}

// newLogger creates the logger and its backends: the JSON report, stdout, and, if configured, the
// remote tracker and the trace file.
func newLogger(args *config.Args, loaders *data.Loaders, workspace string, out io.Writer,
	say func(format string, a ...any)) (*report.Logger, error) {
	trainLen, valLen := loaders.Train.Len, loaders.Val.Len
	if args.Prof > 0 {
		trainLen, valLen = min(trainLen, args.Prof), min(valLen, args.Prof)
	}
	reportBackends := []report.Backend{
		report.NewJSONBackend(workspacePath(workspace, args.RaportFile), true),
		report.NewStdOut1LBackend(out, trainLen, valLen, args.Epochs),
	}
	trackerURL := args.TrackerURL
	if trackerURL == "" {
		trackerURL = os.Getenv(EnvTrackerURL)
	}
	runName := fmt.Sprintf("%s-%s-%s", args.Dataset, args.Arch, args.ActNNLevel)
	if trackerURL != "" {
		reportBackends = append(reportBackends, report.NewTrackerBackend(trackerURL, args.TrackerProject, runName, nil))
	} else {
		say("Tracker not configured, logging to stdout and json...")
	}
	if args.TraceFile != "" {
		traceBackend, err := report.NewTraceBackend(workspacePath(workspace, args.TraceFile), runName)
		if err != nil {
			return nil, err
		}
		reportBackends = append(reportBackends, traceBackend)
	}
	return report.NewLogger(args.PrintFreq, reportBackends...), nil
}
