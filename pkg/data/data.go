// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data builds the training, validation and debug loaders of the image classification driver.
//
// Every loader yields one input, the images shaped [batchSize, height, width, 3] (channels last,
// normalized by the dataset mean and standard deviation), and one label, the classes shaped
// [batchSize, 1] of Int32. With MixUp the training labels are instead soft targets shaped
// [batchSize, numClasses] of Float32.
package data

import (
	"math/rand/v2"
	"time"

	"github.com/gomlx/actnn/pkg/config"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Number of training samples of each dataset, used to size the per-sample statistics of the compression.
const (
	CIFAR10NumSamples  = 50000
	ImageNetNumSamples = 1300000
)

// Loader is a dataset and the number of batches it yields per epoch.
type Loader struct {
	Dataset train.Dataset
	Len     int
}

// Loaders are the datasets used by the training loop.
type Loaders struct {
	Train, Val, Debug Loader

	// NumSamples is the number of training examples of the dataset (all shards).
	NumSamples int
}

// Options configure the loaders.
type Options struct {
	// Dir is the dataset directory.
	Dir string

	// Dataset is "imagenet" or "cifar10".
	Dataset string

	// Backend is "parallel", "inmemory" or "synthetic".
	Backend string

	BatchSize  int
	NumClasses int

	// Workers is the number of goroutines decoding and augmenting the examples of each batch.
	Workers int

	// Half converts the images to Float16.
	Half bool

	// Mixup is the alpha of the MixUp of training batches, disabled if 0.
	Mixup float64

	// Rank and WorldSize select the shard of the examples: rank r keeps example i if i % WorldSize == r.
	Rank, WorldSize int

	// Seed is the base seed of the workers, used if Seeded.
	Seed   int64
	Seeded bool

	// Download CIFAR-10 if missing.
	Download bool
}

// OptionsFromArgs returns the loader options for the arguments.
func OptionsFromArgs(args *config.Args) Options {
	opts := Options{
		Dir:        args.Data,
		Dataset:    args.Dataset,
		Backend:    args.DataBackend,
		BatchSize:  args.BatchSize,
		NumClasses: args.NumClasses,
		Workers:    args.Workers,
		Half:       args.MixedPrecision(),
		Mixup:      args.Mixup,
		Rank:       args.Rank,
		WorldSize:  args.WorldSize,
		Download:   args.Download,
	}
	opts.Seed, opts.Seeded = args.ProcessSeed()
	return opts
}

// workerRand returns the random number generator of the given worker: seeded with Seed + workerID
// if a seed was given, randomly seeded otherwise.
func (o *Options) workerRand(workerID int) *rand.Rand {
	seed := uint64(time.Now().UnixNano()) + rand.Uint64()
	if o.Seeded {
		seed = uint64(o.Seed + int64(workerID))
	}
	return rand.New(rand.NewPCG(seed, uint64(workerID)))
}

func (o *Options) numWorkers() int {
	return max(o.Workers, 1)
}

func (o *Options) validate() error {
	if o.BatchSize <= 0 {
		return errors.Errorf("invalid batch size %d", o.BatchSize)
	}
	if o.NumClasses <= 0 {
		return errors.Errorf("invalid number of classes %d", o.NumClasses)
	}
	if o.WorldSize <= 0 {
		o.WorldSize = 1
	}
	if o.Rank < 0 || o.Rank >= o.WorldSize {
		return errors.Errorf("rank %d out of range for world size %d", o.Rank, o.WorldSize)
	}
	return nil
}

// Select creates the loaders for the dataset and backend of the options.
//
// The debug loader is a fixed, non-augmented subset of the training data for CIFAR-10, and a second
// validation loader otherwise.
func Select(backend backends.Backend, opts Options) (loaders *Loaders, err error) {
	if err = opts.validate(); err != nil {
		return nil, err
	}
	loaders = &Loaders{NumSamples: ImageNetNumSamples}
	if opts.Dataset == "cifar10" {
		loaders.NumSamples = CIFAR10NumSamples
	}
	switch {
	case opts.Backend == "synthetic":
		err = syntheticLoaders(loaders, opts)
	case opts.Dataset == "cifar10":
		err = cifarLoaders(backend, loaders, opts)
	case opts.Dataset == "imagenet":
		err = imageFolderLoaders(loaders, opts)
	default:
		err = errors.Errorf("unknown dataset %q", opts.Dataset)
	}
	if err != nil {
		return nil, err
	}

	if opts.Mixup > 0 {
		loaders.Train.Dataset = NewMixUp(loaders.Train.Dataset, opts.Mixup, opts.NumClasses, opts.workerRand(-1))
	}
	if opts.Half {
		loaders.Train.Dataset = HalfPrecision(loaders.Train.Dataset)
		loaders.Val.Dataset = HalfPrecision(loaders.Val.Dataset)
		loaders.Debug.Dataset = HalfPrecision(loaders.Debug.Dataset)
	}
	// Prefetch training batches while the previous step runs.
	loaders.Train.Dataset = datasets.ReadAhead(loaders.Train.Dataset, 2)
	klog.V(1).Infof("loaders: train=%d batches, val=%d batches, debug=%d batches",
		loaders.Train.Len, loaders.Val.Len, loaders.Debug.Len)
	return loaders, nil
}

// ShardIndices returns the indices of the examples, out of numExamples, kept by the given rank.
func ShardIndices(numExamples, rank, worldSize int) []int {
	if worldSize <= 1 {
		indices := make([]int, numExamples)
		for ii := range indices {
			indices[ii] = ii
		}
		return indices
	}
	indices := make([]int, 0, numExamples/worldSize+1)
	for ii := rank; ii < numExamples; ii += worldSize {
		indices = append(indices, ii)
	}
	return indices
}

// NumBatches returns the number of batches of batchSize in numExamples.
func NumBatches(numExamples, batchSize int, dropIncomplete bool) int {
	if dropIncomplete {
		return numExamples / batchSize
	}
	return (numExamples + batchSize - 1) / batchSize
}
