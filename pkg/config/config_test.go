// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, argv ...string) *Args {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	args, err := Parse(fs, argv)
	require.NoError(t, err)
	return args
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"yes", "true", "t", "y", "1", "YES", "True"} {
		got, err := ParseBool(v)
		require.NoError(t, err, "value %q", v)
		assert.True(t, got, "value %q", v)
	}
	for _, v := range []string{"no", "false", "f", "n", "0", "No", "FALSE"} {
		got, err := ParseBool(v)
		require.NoError(t, err, "value %q", v)
		assert.False(t, got, "value %q", v)
	}
	for _, v := range []string{"", "2", "maybe", "on"} {
		_, err := ParseBool(v)
		require.Error(t, err, "value %q", v)
		assert.Contains(t, err.Error(), "Boolean value expected.")
	}
}

func TestDefaults(t *testing.T) {
	args := parseArgs(t, "/data/imagenet")
	assert.Equal(t, "/data/imagenet", args.Data)
	assert.Equal(t, "imagenet", args.Dataset)
	assert.Equal(t, "resnet50", args.Arch)
	assert.Equal(t, "fanin", args.ModelConfig)
	assert.Equal(t, 5, args.Workers)
	assert.Equal(t, 1000, args.NumClasses)
	assert.Equal(t, 90, args.Epochs)
	assert.Equal(t, 64, args.BatchSize)
	assert.Equal(t, -1, args.OptimizerBatchSize)
	assert.Equal(t, 0.512, args.LR)
	assert.Equal(t, "cosine", args.LRSchedule)
	assert.Equal(t, 4, args.Warmup)
	assert.Equal(t, 0.1, args.LabelSmoothing)
	assert.Equal(t, 0.875, args.Momentum)
	assert.Equal(t, 3.0517578125e-05, args.WeightDecay)
	assert.Equal(t, 100, args.PrintFreq)
	assert.Equal(t, 1.0, args.StaticLossScale)
	assert.Equal(t, -1, args.Prof)
	assert.Nil(t, args.Seed)
	assert.Equal(t, "raport.json", args.RaportFile)
	assert.True(t, args.SaveCheckpoints)
	assert.True(t, args.CompressActivation)
	assert.True(t, args.StochasticQuant)
	assert.Equal(t, 8.0, args.CABits)
	assert.Equal(t, 8, args.QAT)
	assert.Equal(t, "L3", args.ActNNLevel)
	assert.Equal(t, 256, args.GroupSize)
	assert.False(t, args.UseGradient)
	require.NoError(t, args.Validate())
}

func TestFlagsAndAliases(t *testing.T) {
	args := parseArgs(t, "-b", "32", "--lr", "0.1", "-a", "resnet18", "/data", "--sq", "no",
		"--no-checkpoints", "--seed", "7", "--wd", "1e-4", "-j", "2", "--usegradient", "y")
	assert.Equal(t, "/data", args.Data)
	assert.Equal(t, 32, args.BatchSize)
	assert.Equal(t, 0.1, args.LR)
	assert.Equal(t, "resnet18", args.Arch)
	assert.False(t, args.StochasticQuant)
	assert.False(t, args.SaveCheckpoints)
	require.NotNil(t, args.Seed)
	assert.Equal(t, int64(7), *args.Seed)
	assert.Equal(t, 1e-4, args.WeightDecay)
	assert.Equal(t, 2, args.Workers)
	assert.True(t, args.UseGradient)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err := Parse(fs, []string{"--ca", "maybe", "/data"})
	require.Error(t, err)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	_, err = Parse(fs, []string{"/data", "/other"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	args := parseArgs(t, "--fp16", "--amp", "/data")
	require.ErrorIs(t, args.Validate(), ErrPrecisionFlags)

	args = parseArgs(t, "--arch", "vgg", "/data")
	require.Error(t, args.Validate())

	args = parseArgs(t, "--data-backend", "synthetic")
	require.NoError(t, args.Validate())

	args = parseArgs(t)
	require.Error(t, args.Validate(), "missing DIR")
}

func TestWarnings(t *testing.T) {
	args := parseArgs(t, "--static-loss-scale", "128", "/data")
	assert.Equal(t, []string{"Warning:  if --fp16 is not used, static_loss_scale will be ignored."}, args.Warnings())
	args = parseArgs(t, "--static-loss-scale", "128", "--fp16", "/data")
	assert.Empty(t, args.Warnings())
	args = parseArgs(t, "/data")
	assert.Empty(t, args.Warnings())
}

func TestLossScale(t *testing.T) {
	static, dynamic := parseArgs(t, "--static-loss-scale", "128", "--dynamic-loss-scale", "/data").LossScale()
	assert.Equal(t, 1.0, static)
	assert.False(t, dynamic)

	static, dynamic = parseArgs(t, "--static-loss-scale", "128", "--fp16", "/data").LossScale()
	assert.Equal(t, 128.0, static)
	assert.False(t, dynamic)

	static, dynamic = parseArgs(t, "--static-loss-scale", "128", "--amp", "/data").LossScale()
	assert.Equal(t, 128.0, static)
	assert.False(t, dynamic)

	_, dynamic = parseArgs(t, "--amp", "--dynamic-loss-scale", "/data").LossScale()
	assert.True(t, dynamic)
}

func TestBatchSizeMultiplier(t *testing.T) {
	args := parseArgs(t, "/data")
	assert.Empty(t, args.ComputeBatchSizeMultiplier())
	assert.Equal(t, 1, args.BatchSizeMultiplier)

	args = parseArgs(t, "-b", "64", "--optimizer-batch-size", "256", "/data")
	args.WorldSize = 2
	assert.Equal(t, []string{"BSM: 2"}, args.ComputeBatchSizeMultiplier())
	assert.Equal(t, 2, args.BatchSizeMultiplier)

	args = parseArgs(t, "-b", "64", "--optimizer-batch-size", "200", "/data")
	msgs := args.ComputeBatchSizeMultiplier()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Warning: simulated batch size 200 is not divisible by actual batch size 64", msgs[0])
	assert.Equal(t, "BSM: 3", msgs[1])
	assert.Equal(t, 3, args.BatchSizeMultiplier)

	args = parseArgs(t, "-b", "64", "--optimizer-batch-size", "32", "/data")
	msgs = args.ComputeBatchSizeMultiplier()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Warning: simulated batch size 32 is smaller than actual batch size 64, "+
		"gradients are not accumulated", msgs[1])
	assert.Equal(t, "BSM: 1", msgs[2])
	assert.Equal(t, 1, args.BatchSizeMultiplier)
}

func TestDeriveDistributed(t *testing.T) {
	env := func(kv map[string]string) func(string) string {
		return func(k string) string { return kv[k] }
	}
	args := parseArgs(t, "/data")
	require.NoError(t, args.DeriveDistributed(env(nil), 4))
	assert.False(t, args.Distributed)
	assert.Equal(t, 1, args.WorldSize)
	assert.True(t, args.IsMaster())

	require.NoError(t, args.DeriveDistributed(env(map[string]string{EnvWorldSize: "1"}), 4))
	assert.False(t, args.Distributed)

	args = parseArgs(t, "--local_rank", "5", "/data")
	require.NoError(t, args.DeriveDistributed(env(map[string]string{EnvWorldSize: "8"}), 4))
	assert.True(t, args.Distributed)
	assert.Equal(t, 8, args.WorldSize)
	assert.Equal(t, 1, args.GPU)
	assert.Equal(t, 5, args.Rank)
	assert.False(t, args.IsMaster())

	args = parseArgs(t, "/data")
	require.Error(t, args.DeriveDistributed(env(map[string]string{EnvWorldSize: "x"}), 1))
	require.Error(t, args.DeriveDistributed(env(map[string]string{EnvWorldSize: "2", EnvRank: "2"}), 1))
}

func TestSeeds(t *testing.T) {
	args := parseArgs(t, "/data")
	_, ok := args.ProcessSeed()
	assert.False(t, ok)
	_, ok = args.WorkerSeed(3)
	assert.False(t, ok)

	args = parseArgs(t, "--seed", "10", "--local_rank", "2", "/data")
	seed, ok := args.ProcessSeed()
	require.True(t, ok)
	assert.Equal(t, int64(12), seed)
	seed, ok = args.WorkerSeed(3)
	require.True(t, ok)
	assert.Equal(t, int64(15), seed)
}

func TestShouldBackupCheckpoint(t *testing.T) {
	args := parseArgs(t, "/data")
	for epoch := range 100 {
		assert.False(t, args.ShouldBackupCheckpoint(epoch))
	}
	args = parseArgs(t, "--gather-checkpoints", "/data")
	var backedUp []int
	for epoch := range 35 {
		if args.ShouldBackupCheckpoint(epoch) {
			backedUp = append(backedUp, epoch)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 20, 30}, backedUp)
}

func TestYAMLConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("epochs: 10\nbatch_size: 16\narch: resnet20\nsq: false\n"), 0644))
	args := parseArgs(t, "--config", configPath, "-b", "8", "/data")
	assert.Equal(t, 10, args.Epochs)
	assert.Equal(t, 8, args.BatchSize, "explicit flags take precedence over the config file")
	assert.Equal(t, "resnet20", args.Arch)
	assert.False(t, args.StochasticQuant)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := Parse(fs, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "/data"})
	require.Error(t, err)
}

func TestRunTags(t *testing.T) {
	args := parseArgs(t, "--seed", "3", "/data")
	tags, err := args.RunTags()
	require.NoError(t, err)
	assert.Equal(t, "/data", tags["data"])
	assert.Equal(t, 90, tags["epochs"])
	assert.Equal(t, 3, tags["seed"])
	assert.Equal(t, "L3", tags["actnn_level"])
	_, found := tags["config"]
	assert.False(t, found)
}
