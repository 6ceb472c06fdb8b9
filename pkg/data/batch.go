// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// exampleSource produces individual examples.
type exampleSource interface {
	// NumExamples in the source, before sharding.
	NumExamples() int

	// ImageSize returns the height and width of the examples, which have 3 channels.
	ImageSize() (height, width int)

	// Example writes the normalized pixels of example idx, shaped [height, width, 3], into dst and
	// returns its class. rng is only used by one goroutine at a time.
	Example(idx int, rng *rand.Rand, dst []float32) (label int, err error)
}

// batchDataset implements train.Dataset by assembling batches from an exampleSource.
//
// Each batch is split among the workers, each with its own random number generator.
type batchDataset struct {
	name           string
	src            exampleSource
	indices        []int
	batchSize      int
	dropIncomplete bool
	shuffle        bool
	rngs           []*rand.Rand
	shuffleRng     *rand.Rand

	mu    sync.Mutex
	order []int
	pos   int
}

func newBatchDataset(name string, src exampleSource, opts Options, shuffle, dropIncomplete bool) *batchDataset {
	ds := &batchDataset{
		name:           name,
		src:            src,
		indices:        ShardIndices(src.NumExamples(), opts.Rank, opts.WorldSize),
		batchSize:      opts.BatchSize,
		dropIncomplete: dropIncomplete,
		shuffle:        shuffle,
		rngs:           make([]*rand.Rand, opts.numWorkers()),
		shuffleRng:     opts.workerRand(opts.numWorkers()),
	}
	for ii := range ds.rngs {
		ds.rngs[ii] = opts.workerRand(ii)
	}
	ds.Reset()
	return ds
}

// Len returns the number of batches per epoch.
func (ds *batchDataset) Len() int {
	return NumBatches(len(ds.indices), ds.batchSize, ds.dropIncomplete)
}

// Name implements train.Dataset.
func (ds *batchDataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the epoch, reshuffling if configured.
func (ds *batchDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	if ds.order == nil {
		ds.order = make([]int, len(ds.indices))
	}
	copy(ds.order, ds.indices)
	if ds.shuffle {
		ds.shuffleRng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements train.Dataset.
func (ds *batchDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.pos
	if remaining <= 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		return nil, nil, nil, io.EOF
	}
	n := min(remaining, ds.batchSize)
	batch := ds.order[ds.pos : ds.pos+n]
	ds.pos += n

	height, width := ds.src.ImageSize()
	exampleSize := height * width * 3
	pixels := make([]float32, n*exampleSize)
	classes := make([]int32, n)

	numChunks := min(len(ds.rngs), n)
	chunkSize := (n + numChunks - 1) / numChunks
	var group errgroup.Group
	for worker := range numChunks {
		start, end := worker*chunkSize, min((worker+1)*chunkSize, n)
		rng := ds.rngs[worker]
		group.Go(func() error {
			for ii := start; ii < end; ii++ {
				label, err := ds.src.Example(batch[ii], rng, pixels[ii*exampleSize:(ii+1)*exampleSize])
				if err != nil {
					return errors.WithMessagef(err, "%s: example %d", ds.name, batch[ii])
				}
				classes[ii] = int32(label)
			}
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, n, height, width, 3)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(classes, n, 1)}
	return nil, inputs, labels, nil
}

// Normalization holds the per-channel mean and standard deviation of a dataset, for pixel values in [0, 1].
type Normalization struct {
	Mean, StdDev [3]float32
}

// Mean and standard deviation of the datasets.
var (
	ImageNetNormalization = Normalization{
		Mean:   [3]float32{0.485, 0.456, 0.406},
		StdDev: [3]float32{0.229, 0.224, 0.225},
	}
	CIFAR10Normalization = Normalization{
		Mean:   [3]float32{0.4914, 0.4822, 0.4465},
		StdDev: [3]float32{0.2470, 0.2435, 0.2616},
	}
)

// Apply returns the normalized value of a pixel byte of the given channel.
func (n *Normalization) Apply(value uint8, channel int) float32 {
	return (float32(value)/255 - n.Mean[channel]) / n.StdDev[channel]
}
