// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by DeriveDistributed.
const (
	EnvWorldSize = "WORLD_SIZE"
	EnvRank      = "RANK"
	EnvLocalRank = "LOCAL_RANK"
)

// DeriveDistributed sets Distributed, GPU, WorldSize and Rank from the environment (see EnvWorldSize).
//
// numDevices is the number of accelerator devices visible to the process, used to select
// the device of this process as LocalRank % numDevices.
func (a *Args) DeriveDistributed(getenv func(string) string, numDevices int) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	a.Distributed = false
	a.GPU = 0
	a.WorldSize = 1
	a.Rank = 0
	if v := getenv(EnvWorldSize); v != "" {
		worldSize, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid $%s=%q", EnvWorldSize, v)
		}
		a.Distributed = worldSize > 1
		if a.Distributed {
			a.WorldSize = worldSize
		}
	}
	if !a.Distributed {
		return nil
	}
	if v := getenv(EnvLocalRank); v != "" && a.LocalRank == 0 {
		localRank, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid $%s=%q", EnvLocalRank, v)
		}
		a.LocalRank = localRank
	}
	a.Rank = a.LocalRank
	if v := getenv(EnvRank); v != "" {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid $%s=%q", EnvRank, v)
		}
		a.Rank = rank
	}
	if a.Rank < 0 || a.Rank >= a.WorldSize {
		return errors.Errorf("rank %d out of range for world size %d", a.Rank, a.WorldSize)
	}
	if numDevices > 0 {
		a.GPU = a.LocalRank % numDevices
	}
	return nil
}

// ComputeBatchSizeMultiplier sets BatchSizeMultiplier, the number of steps whose gradients are
// accumulated before each optimizer update, and returns the messages to print.
//
// With OptimizerBatchSize < 0 the multiplier is 1. Otherwise, it is
// OptimizerBatchSize / (WorldSize * BatchSize), rounded down, with a warning if not divisible.
// A simulated batch smaller than the actual one is warned about and uses a multiplier of 1.
func (a *Args) ComputeBatchSizeMultiplier() (messages []string) {
	if a.OptimizerBatchSize < 0 {
		a.BatchSizeMultiplier = 1
		return nil
	}
	totalBatchSize := a.WorldSize * a.BatchSize
	if a.OptimizerBatchSize%totalBatchSize != 0 {
		messages = append(messages, fmt.Sprintf(
			"Warning: simulated batch size %d is not divisible by actual batch size %d",
			a.OptimizerBatchSize, totalBatchSize))
	}
	a.BatchSizeMultiplier = a.OptimizerBatchSize / totalBatchSize
	if a.BatchSizeMultiplier < 1 {
		messages = append(messages, fmt.Sprintf(
			"Warning: simulated batch size %d is smaller than actual batch size %d, gradients are not accumulated",
			a.OptimizerBatchSize, totalBatchSize))
		a.BatchSizeMultiplier = 1
	}
	messages = append(messages, fmt.Sprintf("BSM: %d", a.BatchSizeMultiplier))
	return messages
}

// ProcessSeed returns the seed for this process (seed + local rank), if a seed was given.
func (a *Args) ProcessSeed() (seed int64, ok bool) {
	if a.Seed == nil {
		return 0, false
	}
	return *a.Seed + int64(a.LocalRank), true
}

// WorkerSeed returns the seed of the data loading worker with the given id, if a seed was given.
func (a *Args) WorkerSeed(workerID int) (seed int64, ok bool) {
	seed, ok = a.ProcessSeed()
	if !ok {
		return 0, false
	}
	return seed + int64(workerID), true
}

// LoadYAML reads the YAML file into args: only the keys present in the file are changed.
func LoadYAML(filePath string, args *Args) error {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "reading config file %q", filePath)
	}
	if err := yaml.Unmarshal(contents, args); err != nil {
		return errors.Wrapf(err, "parsing config file %q", filePath)
	}
	return nil
}

// RunTags returns every argument keyed by its yaml name, used to tag the run in the loggers.
func (a *Args) RunTags() (map[string]any, error) {
	encoded, err := yaml.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "encoding arguments")
	}
	tags := make(map[string]any)
	if err := yaml.Unmarshal(encoded, &tags); err != nil {
		return nil, errors.Wrap(err, "decoding arguments")
	}
	return tags, nil
}
