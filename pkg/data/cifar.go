// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/gomlx/actnn/internal/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// CIFAR-10 binary version: https://www.cs.toronto.edu/~kriz/cifar.html
const (
	CIFAR10URL      = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	CIFAR10TarName  = "cifar-10-binary.tar.gz"
	CIFAR10SubDir   = "cifar-10-batches-bin"
	CIFAR10Checksum = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	CIFAR10ExamplesPerFile = 10000
	CIFAR10NumTrainFiles   = 5
	CIFARSize              = 32

	// CIFAR10DebugExamples is the number of training examples in the debug loader.
	CIFAR10DebugExamples = 10000

	// cifarPadding of the random crops of the training augmentation.
	cifarPadding = 4

	cifarImageBytes = CIFARSize * CIFARSize * 3
)

// DownloadCIFAR10 downloads and extracts CIFAR-10 into baseDir, if not there yet.
func DownloadCIFAR10(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(CIFAR10URL, baseDir, CIFAR10TarName, CIFAR10SubDir, CIFAR10Checksum)
}

// CIFARImages holds CIFAR images in memory, as bytes shaped [numExamples, 32, 32, 3], and their labels.
type CIFARImages struct {
	Pixels []uint8
	Labels []uint8
}

// NumExamples returns the number of images.
func (c *CIFARImages) NumExamples() int { return len(c.Labels) }

// LoadCIFAR10 reads the training (50k examples) and test (10k examples) partitions from baseDir.
func LoadCIFAR10(baseDir string) (trainImages, testImages *CIFARImages, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	dir := filepath.Join(baseDir, CIFAR10SubDir)
	trainImages = &CIFARImages{}
	for fileIdx := range CIFAR10NumTrainFiles {
		filePath := filepath.Join(dir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1))
		if err = readCIFAR10File(filePath, trainImages); err != nil {
			return nil, nil, err
		}
	}
	testImages = &CIFARImages{}
	if err = readCIFAR10File(filepath.Join(dir, "test_batch.bin"), testImages); err != nil {
		return nil, nil, err
	}
	return trainImages, testImages, nil
}

// readCIFAR10File appends the records of one binary file: each is one label byte followed by
// the image as 3 planes (red, green, blue) of 32x32 bytes.
func readCIFAR10File(filePath string, images *CIFARImages) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening data file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var record [cifarImageBytes + 1]byte
	for ii := 0; ; ii++ {
		_, err = io.ReadFull(f, record[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading example %d from %q", ii, filePath)
		}
		images.Labels = append(images.Labels, record[0])
		planes := record[1:]
		for h := range CIFARSize {
			for w := range CIFARSize {
				for c := range 3 {
					images.Pixels = append(images.Pixels, planes[c*CIFARSize*CIFARSize+h*CIFARSize+w])
				}
			}
		}
	}
}

// cifarSource implements exampleSource for in-memory CIFAR images.
type cifarSource struct {
	images  *CIFARImages
	augment bool
}

func (s *cifarSource) NumExamples() int { return s.images.NumExamples() }

func (s *cifarSource) ImageSize() (height, width int) { return CIFARSize, CIFARSize }

// Example implements exampleSource. With augmentation, it takes a random 32x32 crop of the image
// padded with 4 black pixels on each side, and flips it horizontally with probability 1/2.
func (s *cifarSource) Example(idx int, rng *rand.Rand, dst []float32) (label int, err error) {
	if idx < 0 || idx >= s.NumExamples() {
		return 0, errors.Errorf("example %d out of range", idx)
	}
	src := s.images.Pixels[idx*cifarImageBytes : (idx+1)*cifarImageBytes]
	offsetH, offsetW, flip := cifarPadding, cifarPadding, false
	if s.augment {
		offsetH = rng.IntN(2*cifarPadding + 1)
		offsetW = rng.IntN(2*cifarPadding + 1)
		flip = rng.IntN(2) == 1
	}
	norm := &CIFAR10Normalization
	pos := 0
	for h := range CIFARSize {
		srcH := h + offsetH - cifarPadding
		for w := range CIFARSize {
			srcW := w
			if flip {
				srcW = CIFARSize - 1 - w
			}
			srcW += offsetW - cifarPadding
			inside := srcH >= 0 && srcH < CIFARSize && srcW >= 0 && srcW < CIFARSize
			for c := range 3 {
				var value uint8
				if inside {
					value = src[(srcH*CIFARSize+srcW)*3+c]
				}
				dst[pos] = norm.Apply(value, c)
				pos++
			}
		}
	}
	return int(s.images.Labels[idx]), nil
}

// normalizedCIFAR returns the normalized pixels and labels of the given examples as tensors.
func normalizedCIFAR(images *CIFARImages, indices []int) (pixels, labels *tensors.Tensor, err error) {
	src := &cifarSource{images: images}
	flat := make([]float32, len(indices)*cifarImageBytes)
	classes := make([]int32, len(indices))
	for ii, idx := range indices {
		label, err := src.Example(idx, nil, flat[ii*cifarImageBytes:(ii+1)*cifarImageBytes])
		if err != nil {
			return nil, nil, err
		}
		classes[ii] = int32(label)
	}
	pixels = tensors.FromFlatDataAndDimensions(flat, len(indices), CIFARSize, CIFARSize, 3)
	labels = tensors.FromFlatDataAndDimensions(classes, len(indices), 1)
	return pixels, labels, nil
}

// inMemoryCIFAR creates a non-shuffled, batched in-memory dataset with the given examples.
func inMemoryCIFAR(backend backends.Backend, name string, images *CIFARImages, indices []int,
	batchSize int) (Loader, error) {
	pixels, labels, err := normalizedCIFAR(images, indices)
	if err != nil {
		return Loader{}, err
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{pixels}, []any{labels})
	if err != nil {
		return Loader{}, errors.WithMessagef(err, "creating %s dataset", name)
	}
	ds.BatchSize(batchSize, false)
	return Loader{Dataset: ds, Len: NumBatches(len(indices), batchSize, false)}, nil
}

func cifarLoaders(backend backends.Backend, loaders *Loaders, opts Options) error {
	if opts.Download {
		if err := DownloadCIFAR10(opts.Dir); err != nil {
			return err
		}
	}
	trainImages, testImages, err := LoadCIFAR10(opts.Dir)
	if err != nil {
		return errors.WithMessagef(err, "loading CIFAR-10 from %q (use --download to fetch it)", opts.Dir)
	}

	trainDS := newBatchDataset("train", &cifarSource{images: trainImages, augment: true}, opts, true, true)
	loaders.Train = Loader{Dataset: trainDS, Len: trainDS.Len()}

	valIndices := ShardIndices(testImages.NumExamples(), opts.Rank, opts.WorldSize)
	if loaders.Val, err = inMemoryCIFAR(backend, "validation", testImages, valIndices, opts.BatchSize); err != nil {
		return err
	}
	debugIndices := ShardIndices(min(CIFAR10DebugExamples, trainImages.NumExamples()), opts.Rank, opts.WorldSize)
	if loaders.Debug, err = inMemoryCIFAR(backend, "debug", trainImages, debugIndices, opts.BatchSize); err != nil {
		return err
	}
	return nil
}
