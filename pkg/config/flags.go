// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseBool parses the boolean strings accepted by the compression flags (--ca, --sq, --usegradient):
// "yes", "true", "t", "y", "1" and "no", "false", "f", "n", "0", case-insensitive.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true", "t", "y", "1":
		return true, nil
	case "no", "false", "f", "n", "0":
		return false, nil
	}
	return false, errors.New("Boolean value expected.")
}

// boolString is a flag.Value that requires an explicit boolean string value.
type boolString struct{ p *bool }

func (b boolString) String() string {
	if b.p == nil {
		return ""
	}
	return strconv.FormatBool(*b.p)
}

func (b boolString) Set(v string) error {
	value, err := ParseBool(v)
	if err != nil {
		return err
	}
	*b.p = value
	return nil
}

// optionalInt64 is a flag.Value for an integer flag whose absence is meaningful.
type optionalInt64 struct{ p **int64 }

func (o optionalInt64) String() string {
	if o.p == nil || *o.p == nil {
		return ""
	}
	return strconv.FormatInt(**o.p, 10)
}

func (o optionalInt64) Set(v string) error {
	value, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid integer %q", v)
	}
	*o.p = &value
	return nil
}

// negatedBool implements a store-false switch, like --no-checkpoints.
type negatedBool struct{ p *bool }

func (n negatedBool) String() string {
	if n.p == nil {
		return "false"
	}
	return strconv.FormatBool(!*n.p)
}

func (n negatedBool) Set(v string) error {
	value, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*n.p = !value
	return nil
}

func (n negatedBool) IsBoolFlag() bool { return true }

// RegisterFlags binds every flag to the fields of args, using the current values of args as defaults.
// Flags with aliases (e.g. -b and --batch-size) are registered under each name.
func RegisterFlags(fs *flag.FlagSet, args *Args) {
	fs.StringVar(&args.Dataset, "dataset", args.Dataset, fmt.Sprintf("dataset: one of %q", DatasetChoices))
	fs.StringVar(&args.DataBackend, "data-backend", args.DataBackend,
		fmt.Sprintf("data loading backend: one of %q", DataBackendChoices))
	for _, name := range []string{"arch", "a"} {
		fs.StringVar(&args.Arch, name, args.Arch,
			fmt.Sprintf("model architecture: %s (default: resnet50)", strings.Join(ArchChoices, " | ")))
	}
	for _, name := range []string{"model-config", "c"} {
		fs.StringVar(&args.ModelConfig, name, args.ModelConfig,
			fmt.Sprintf("model configs: %s", strings.Join(ModelConfigChoices, " | ")))
	}
	for _, name := range []string{"workers", "j"} {
		fs.IntVar(&args.Workers, name, args.Workers, "number of data loading workers")
	}
	fs.IntVar(&args.NumClasses, "num-classes", args.NumClasses, "number of classes")
	fs.IntVar(&args.Epochs, "epochs", args.Epochs, "number of total epochs to run")
	fs.IntVar(&args.StartEpoch, "start-epoch", args.StartEpoch, "manual epoch number (useful on restarts)")
	for _, name := range []string{"batch-size", "b"} {
		fs.IntVar(&args.BatchSize, name, args.BatchSize, "mini-batch size per process")
	}
	fs.IntVar(&args.OptimizerBatchSize, "optimizer-batch-size", args.OptimizerBatchSize,
		"size of a total batch size, for simulating bigger batches")
	for _, name := range []string{"lr", "learning-rate"} {
		fs.Float64Var(&args.LR, name, args.LR, "initial learning rate")
	}
	fs.StringVar(&args.LRSchedule, "lr-schedule", args.LRSchedule,
		fmt.Sprintf("learning rate schedule: one of %q", LRScheduleChoices))
	fs.IntVar(&args.Warmup, "warmup", args.Warmup, "number of warmup epochs")
	fs.Float64Var(&args.LabelSmoothing, "label-smoothing", args.LabelSmoothing, "label smoothing")
	fs.Float64Var(&args.Mixup, "mixup", args.Mixup, "mixup alpha")
	fs.Float64Var(&args.Momentum, "momentum", args.Momentum, "momentum")
	for _, name := range []string{"weight-decay", "wd"} {
		fs.Float64Var(&args.WeightDecay, name, args.WeightDecay, "weight decay")
	}
	fs.BoolVar(&args.BNWeightDecay, "bn-weight-decay", args.BNWeightDecay,
		"use weight_decay on batch normalization learnable parameters")
	fs.BoolVar(&args.Nesterov, "nesterov", args.Nesterov, "use nesterov momentum")
	for _, name := range []string{"print-freq", "p"} {
		fs.IntVar(&args.PrintFreq, name, args.PrintFreq, "print frequency")
	}
	fs.StringVar(&args.Resume, "resume", args.Resume, "path to latest checkpoint")
	fs.StringVar(&args.Resume2, "resume2", args.Resume2, "path to a checkpoint whose weights are loaded at loop start")
	fs.StringVar(&args.PretrainedWeights, "pretrained-weights", args.PretrainedWeights, "load weights from here")
	fs.BoolVar(&args.FP16, "fp16", args.FP16, "run model fp16 mode")
	fs.Float64Var(&args.StaticLossScale, "static-loss-scale", args.StaticLossScale,
		"static loss scale, positive power of 2 values can improve fp16 convergence")
	fs.BoolVar(&args.DynamicLossScale, "dynamic-loss-scale", args.DynamicLossScale,
		"use dynamic loss scaling; if supplied, this argument supersedes --static-loss-scale")
	fs.IntVar(&args.Prof, "prof", args.Prof, "run only N iterations")
	fs.BoolVar(&args.AMP, "amp", args.AMP, "run model AMP (automatic mixed precision) mode")
	fs.IntVar(&args.LocalRank, "local_rank", args.LocalRank, "local rank of the process")
	fs.Var(optionalInt64{&args.Seed}, "seed", "random seed")
	fs.BoolVar(&args.GatherCheckpoints, "gather-checkpoints", args.GatherCheckpoints,
		"gather checkpoints throughout the training")
	fs.StringVar(&args.RaportFile, "raport-file", args.RaportFile, "file in which to store JSON experiment raport")
	fs.StringVar(&args.FinalWeights, "final-weights", args.FinalWeights, "directory in which to store final model weights")
	fs.BoolVar(&args.Evaluate, "evaluate", args.Evaluate, "evaluate checkpoint/model")
	fs.BoolVar(&args.TrainingOnly, "training-only", args.TrainingOnly, "do not evaluate")
	fs.Var(negatedBool{&args.SaveCheckpoints}, "no-checkpoints", "do not save checkpoints")
	fs.IntVar(&args.KeepCheckpoints, "keep-checkpoints", args.KeepCheckpoints, "number of recent checkpoints to keep")
	fs.StringVar(&args.Workspace, "workspace", args.Workspace, "directory for checkpoints and reports")

	fs.Var(boolString{&args.CompressActivation}, "ca", "compress activation")
	fs.Var(boolString{&args.StochasticQuant}, "sq", "stochastic quantization")
	fs.Float64Var(&args.CABits, "cabits", args.CABits, "activation number of bits")
	fs.IntVar(&args.QAT, "qat", args.QAT, "quantization aware training bits")
	fs.IntVar(&args.InitialBits, "ibits", args.InitialBits, "initial precision for the allocation algorithm")
	fs.StringVar(&args.ActNNLevel, "actnn-level", args.ActNNLevel, "optimization level for activation compression")
	fs.IntVar(&args.GroupSize, "groupsize", args.GroupSize, "size for each quantization group")
	fs.Var(boolString{&args.UseGradient}, "usegradient", "using gradient information for per-sample bits")

	fs.StringVar(&args.ConfigFile, "config", args.ConfigFile, "YAML file with default values for the flags")
	fs.StringVar(&args.Settings, "set", args.Settings, "context hyperparameters to set, e.g. \"key1=value1;key2=value2\"")
	fs.StringVar(&args.Backend, "backend", args.Backend, "GoMLX backend configuration, defaults to $GOMLX_BACKEND")
	fs.StringVar(&args.TrackerURL, "tracker-url", args.TrackerURL,
		"URL of the experiment tracking service, defaults to $ACTNN_TRACKER_URL")
	fs.StringVar(&args.TrackerProject, "tracker-project", args.TrackerProject, "project name in the tracking service")
	fs.StringVar(&args.TraceFile, "trace-file", args.TraceFile, "file where to write OpenTelemetry spans")
	fs.BoolVar(&args.Download, "download", args.Download, "download CIFAR-10 into DIR if missing")
}

// Parse parses the command line into a new Args.
//
// If --config is given, the YAML file provides the defaults, and the flags explicitly set
// in argv take precedence over it.
func Parse(fs *flag.FlagSet, argv []string) (*Args, error) {
	args := Defaults()
	RegisterFlags(fs, args)

	// Positional arguments may be interleaved with flags.
	var positional []string
	rest := argv
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	if args.ConfigFile != "" {
		explicit := make(map[string]string)
		fs.Visit(func(f *flag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
		if err := LoadYAML(args.ConfigFile, args); err != nil {
			return nil, err
		}
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, errors.Wrapf(err, "re-applying flag --%s", name)
			}
		}
	}
	if len(positional) > 1 {
		return nil, errors.Errorf("only one positional argument (DIR) expected, got %q", positional)
	}
	if len(positional) == 1 {
		args.Data = positional[0]
	}
	return args, nil
}
