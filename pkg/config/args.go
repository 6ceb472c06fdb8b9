// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the command-line arguments of the training driver, their defaults,
// and the run settings derived from them (distributed environment, seeds, simulated batch size).
package config

import (
	"slices"

	"github.com/pkg/errors"
)

// Valid choices for the enumerated flags.
var (
	DatasetChoices     = []string{"imagenet", "cifar10"}
	DataBackendChoices = []string{"parallel", "inmemory", "synthetic"}
	ArchChoices        = []string{
		"resnet18", "resnet34", "resnet50", "resnet101", "resnet152",
		"resnet20", "resnet32", "resnet44", "resnet56",
	}
	ModelConfigChoices = []string{"classic", "fanin"}
	LRScheduleChoices  = []string{"step", "linear", "cosine"}
	LevelChoices       = []string{"L0", "L1", "L2", "L3", "L3.1", "L4", "L5"}
)

// Args holds every flag of the training driver. The yaml tags name the keys accepted
// in the --config file, and are also the run tags reported to the loggers.
type Args struct {
	Data        string `yaml:"data"`
	Dataset     string `yaml:"dataset"`
	DataBackend string `yaml:"data_backend"`
	Arch        string `yaml:"arch"`
	ModelConfig string `yaml:"model_config"`
	Workers     int    `yaml:"workers"`
	NumClasses  int    `yaml:"num_classes"`
	Epochs      int    `yaml:"epochs"`
	StartEpoch  int    `yaml:"start_epoch"`
	BatchSize   int    `yaml:"batch_size"`

	// OptimizerBatchSize is the simulated total batch size, or -1 to disable gradient accumulation.
	OptimizerBatchSize int `yaml:"optimizer_batch_size"`

	LR             float64 `yaml:"lr"`
	LRSchedule     string  `yaml:"lr_schedule"`
	Warmup         int     `yaml:"warmup"`
	LabelSmoothing float64 `yaml:"label_smoothing"`
	Mixup          float64 `yaml:"mixup"`
	Momentum       float64 `yaml:"momentum"`
	WeightDecay    float64 `yaml:"weight_decay"`
	BNWeightDecay  bool    `yaml:"bn_weight_decay"`
	Nesterov       bool    `yaml:"nesterov"`
	PrintFreq      int     `yaml:"print_freq"`

	Resume            string `yaml:"resume"`
	Resume2           string `yaml:"resume2"`
	PretrainedWeights string `yaml:"pretrained_weights"`

	FP16             bool    `yaml:"fp16"`
	StaticLossScale  float64 `yaml:"static_loss_scale"`
	DynamicLossScale bool    `yaml:"dynamic_loss_scale"`
	Prof             int     `yaml:"prof"`
	AMP              bool    `yaml:"amp"`
	LocalRank        int     `yaml:"local_rank"`

	// Seed is nil when no seed was given.
	Seed *int64 `yaml:"seed"`

	GatherCheckpoints bool   `yaml:"gather_checkpoints"`
	RaportFile        string `yaml:"raport_file"`
	FinalWeights      string `yaml:"final_weights"`
	Evaluate          bool   `yaml:"evaluate"`
	TrainingOnly      bool   `yaml:"training_only"`
	SaveCheckpoints   bool   `yaml:"save_checkpoints"`
	KeepCheckpoints   int    `yaml:"keep_checkpoints"`
	Workspace         string `yaml:"workspace"`

	// Activation compression.
	CompressActivation bool    `yaml:"ca"`
	StochasticQuant    bool    `yaml:"sq"`
	CABits             float64 `yaml:"cabits"`
	QAT                int     `yaml:"qat"`
	InitialBits        int     `yaml:"ibits"`
	ActNNLevel         string  `yaml:"actnn_level"`
	GroupSize          int     `yaml:"groupsize"`
	UseGradient        bool    `yaml:"usegradient"`

	// Ambient flags.
	ConfigFile     string `yaml:"-"`
	Settings       string `yaml:"-"`
	Backend        string `yaml:"backend"`
	TrackerURL     string `yaml:"tracker_url"`
	TrackerProject string `yaml:"tracker_project"`
	TraceFile      string `yaml:"trace_file"`
	Download       bool   `yaml:"download"`

	// Derived by Derive: not flags.
	Distributed         bool `yaml:"distributed"`
	GPU                 int  `yaml:"gpu"`
	WorldSize           int  `yaml:"world_size"`
	Rank                int  `yaml:"rank"`
	BatchSizeMultiplier int  `yaml:"batch_size_multiplier"`
}

// Defaults returns the arguments with their default values.
func Defaults() *Args {
	return &Args{
		Dataset:            "imagenet",
		DataBackend:        "parallel",
		Arch:               "resnet50",
		ModelConfig:        "fanin",
		Workers:            5,
		NumClasses:         1000,
		Epochs:             90,
		BatchSize:          64,
		OptimizerBatchSize: -1,
		LR:                 0.512,
		LRSchedule:         "cosine",
		Warmup:             4,
		LabelSmoothing:     0.1,
		Momentum:           0.875,
		WeightDecay:        3.0517578125e-05,
		PrintFreq:          100,
		StaticLossScale:    1,
		Prof:               -1,
		RaportFile:         "raport.json",
		FinalWeights:       "model.ckpt",
		SaveCheckpoints:    true,
		KeepCheckpoints:    3,
		Workspace:          "./",
		CompressActivation: true,
		StochasticQuant:    true,
		CABits:             8,
		QAT:                8,
		InitialBits:        8,
		ActNNLevel:         "L3",
		GroupSize:          256,
		TrackerProject:     "actnn",

		WorldSize:           1,
		BatchSizeMultiplier: 1,
	}
}

// ErrPrecisionFlags is returned by Validate when both --fp16 and --amp are given.
var ErrPrecisionFlags = errors.New("Please use only one of the --fp16/--amp flags")

// Validate checks the mutually exclusive flags and the enumerated choices.
// The precision-flags conflict is reported with ErrPrecisionFlags, so callers can exit with status 1.
func (a *Args) Validate() error {
	if a.AMP && a.FP16 {
		return ErrPrecisionFlags
	}
	if a.Data == "" && a.DataBackend != "synthetic" {
		return errors.New("missing dataset directory: usage is actnn_train [flags] DIR")
	}
	checks := []struct {
		name, value string
		choices     []string
	}{
		{"--dataset", a.Dataset, DatasetChoices},
		{"--data-backend", a.DataBackend, DataBackendChoices},
		{"--arch", a.Arch, ArchChoices},
		{"--model-config", a.ModelConfig, ModelConfigChoices},
		{"--lr-schedule", a.LRSchedule, LRScheduleChoices},
		{"--actnn-level", a.ActNNLevel, LevelChoices},
	}
	for _, c := range checks {
		if !slices.Contains(c.choices, c.value) {
			return errors.Errorf("invalid choice %q for %s, valid values are %q", c.value, c.name, c.choices)
		}
	}
	if a.BatchSize <= 0 {
		return errors.Errorf("--batch-size must be > 0, got %d", a.BatchSize)
	}
	if a.GroupSize <= 0 {
		return errors.Errorf("--groupsize must be > 0, got %d", a.GroupSize)
	}
	if a.Epochs < a.StartEpoch {
		return errors.Errorf("--start-epoch (%d) is beyond --epochs (%d)", a.StartEpoch, a.Epochs)
	}
	return nil
}

// Warnings returns the non-fatal configuration warnings, in the order they should be printed.
func (a *Args) Warnings() []string {
	var warnings []string
	if a.StaticLossScale != 1.0 && !a.FP16 {
		warnings = append(warnings, "Warning:  if --fp16 is not used, static_loss_scale will be ignored.")
	}
	return warnings
}

// MixedPrecision returns whether the model runs with half-precision inputs and activations.
func (a *Args) MixedPrecision() bool {
	return a.FP16 || a.AMP
}

// LossScale returns the loss scaling used by the optimizer. Both --fp16 and --amp take
// --static-loss-scale and --dynamic-loss-scale; in full precision the loss is not scaled.
func (a *Args) LossScale() (static float64, dynamic bool) {
	if !a.MixedPrecision() {
		return 1.0, false
	}
	return a.StaticLossScale, a.DynamicLossScale
}

// ShouldBackupCheckpoint returns whether the checkpoint saved at the end of the given epoch
// should be kept as a backup, which only happens when --gather-checkpoints is set.
func (a *Args) ShouldBackupCheckpoint(epoch int) bool {
	return a.GatherCheckpoints && (epoch < 10 || epoch%10 == 0)
}

// IsMaster returns whether this process is the one responsible for logging and checkpointing.
func (a *Args) IsMaster() bool {
	return !a.Distributed || a.Rank == 0
}
