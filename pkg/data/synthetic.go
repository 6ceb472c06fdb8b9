// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Synthetic yields the same randomly generated batch numBatches times per epoch.
// It is used to profile the training without data loading costs.
type Synthetic struct {
	name       string
	numBatches int
	images     *tensors.Tensor
	labels     *tensors.Tensor

	mu    sync.Mutex
	count int
}

// NewSynthetic creates a synthetic dataset of batches shaped [batchSize, size, size, 3], with
// normally distributed images and uniformly distributed labels in [0, numClasses).
func NewSynthetic(name string, opts Options, size, numBatches int) *Synthetic {
	rng := opts.workerRand(0)
	pixels := make([]float32, opts.BatchSize*size*size*3)
	for ii := range pixels {
		pixels[ii] = float32(rng.NormFloat64())
	}
	classes := make([]int32, opts.BatchSize)
	for ii := range classes {
		classes[ii] = int32(rng.IntN(opts.NumClasses))
	}
	return &Synthetic{
		name:       name,
		numBatches: numBatches,
		images:     tensors.FromFlatDataAndDimensions(pixels, opts.BatchSize, size, size, 3),
		labels:     tensors.FromFlatDataAndDimensions(classes, opts.BatchSize, 1),
	}
}

// Name implements train.Dataset.
func (ds *Synthetic) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Synthetic) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.count = 0
}

// Yield implements train.Dataset.
func (ds *Synthetic) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.count >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.count++
	return nil, []*tensors.Tensor{ds.images}, []*tensors.Tensor{ds.labels}, nil
}

func syntheticLoaders(loaders *Loaders, opts Options) error {
	size, numTrain, numVal := TrainImageSize, ImageNetNumSamples, 50000
	if opts.Dataset == "cifar10" {
		size, numTrain, numVal = CIFARSize, CIFAR10NumSamples, 10000
	}
	numTrainBatches := NumBatches(numTrain/opts.WorldSize, opts.BatchSize, true)
	numValBatches := NumBatches(numVal/opts.WorldSize, opts.BatchSize, true)
	loaders.Train = Loader{Dataset: NewSynthetic("train", opts, size, numTrainBatches), Len: numTrainBatches}
	loaders.Val = Loader{Dataset: NewSynthetic("validation", opts, size, numValBatches), Len: numValBatches}
	loaders.Debug = Loader{Dataset: NewSynthetic("debug", opts, size, numValBatches), Len: numValBatches}
	return nil
}
