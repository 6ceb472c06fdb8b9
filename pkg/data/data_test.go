// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardIndices(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 3}, ShardIndices(4, 0, 1))
	assert.Equal(t, []int{1, 4, 7}, ShardIndices(9, 1, 3))
	assert.Equal(t, []int{2, 5}, ShardIndices(8, 2, 3))

	// Every example is in exactly one shard.
	seen := make(map[int]int)
	for rank := range 4 {
		for _, idx := range ShardIndices(10, rank, 4) {
			seen[idx]++
		}
	}
	assert.Len(t, seen, 10)
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}
}

func TestNumBatches(t *testing.T) {
	assert.Equal(t, 3, NumBatches(10, 3, true))
	assert.Equal(t, 4, NumBatches(10, 3, false))
	assert.Equal(t, 2, NumBatches(10, 5, false))
}

// writeFakeCIFAR10 writes numPerFile records per file, where the label of the i-th record of the
// whole dataset is i%10 and all its pixels are equal to i.
func writeFakeCIFAR10(t *testing.T, baseDir string, numPerFile int) {
	dir := filepath.Join(baseDir, CIFAR10SubDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	names := []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin",
		"data_batch_5.bin", "test_batch.bin"}
	count := 0
	for _, name := range names {
		var contents []byte
		for range numPerFile {
			record := make([]byte, cifarImageBytes+1)
			record[0] = byte(count % 10)
			for ii := 1; ii < len(record); ii++ {
				record[ii] = byte(count)
			}
			contents = append(contents, record...)
			count++
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents, 0644))
	}
}

func TestLoadCIFAR10(t *testing.T) {
	baseDir := t.TempDir()
	writeFakeCIFAR10(t, baseDir, 3)
	trainImages, testImages, err := LoadCIFAR10(baseDir)
	require.NoError(t, err)
	assert.Equal(t, 15, trainImages.NumExamples())
	assert.Equal(t, 3, testImages.NumExamples())
	assert.Equal(t, uint8(7), trainImages.Labels[7])
	assert.Equal(t, uint8(16%10), testImages.Labels[1])
	assert.Equal(t, uint8(16), testImages.Pixels[cifarImageBytes])

	// Without augmentation, pixels are only normalized.
	src := &cifarSource{images: trainImages}
	dst := make([]float32, cifarImageBytes)
	label, err := src.Example(4, nil, dst)
	require.NoError(t, err)
	assert.Equal(t, 4, label)
	for c := range 3 {
		assert.InDelta(t, CIFAR10Normalization.Apply(4, c), dst[c], 1e-6)
		assert.InDelta(t, CIFAR10Normalization.Apply(4, c), dst[len(dst)-3+c], 1e-6)
	}

	// Random crops only show original or padding values.
	src.augment = true
	rng := rand.New(rand.NewPCG(1, 2))
	_, err = src.Example(4, rng, dst)
	require.NoError(t, err)
	for ii, v := range dst {
		c := ii % 3
		isImage := math32Close(v, CIFAR10Normalization.Apply(4, c))
		isPadding := math32Close(v, CIFAR10Normalization.Apply(0, c))
		assert.True(t, isImage || isPadding, "unexpected value %g at %d", v, ii)
	}
}

func math32Close(a, b float32) bool {
	d := a - b
	return d < 1e-5 && d > -1e-5
}

func TestBatchDataset(t *testing.T) {
	baseDir := t.TempDir()
	writeFakeCIFAR10(t, baseDir, 2)
	trainImages, _, err := LoadCIFAR10(baseDir)
	require.NoError(t, err)
	opts := Options{BatchSize: 4, NumClasses: 10, Workers: 3, WorldSize: 2, Rank: 1, Seed: 42, Seeded: true}

	// 10 examples, rank 1 of 2 keeps 5: one full batch, plus an incomplete one that is dropped.
	ds := newBatchDataset("train", &cifarSource{images: trainImages, augment: true}, opts, true, true)
	assert.Equal(t, 1, ds.Len())
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, CIFARSize, CIFARSize, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{4, 1}, labels[0].Shape().Dimensions)
	for _, label := range tensors.MustCopyFlatData[int32](labels[0]) {
		assert.Equal(t, int32(1), label%2, "rank 1 only sees odd examples")
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Not dropping, the last batch is partial.
	ds = newBatchDataset("val", &cifarSource{images: trainImages}, opts, false, false)
	assert.Equal(t, 2, ds.Len())
	_, _, labels, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 3, 5, 7}, tensors.MustCopyFlatData[int32](labels[0]))
	_, _, labels, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, tensors.MustCopyFlatData[int32](labels[0]))
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestMixBatch(t *testing.T) {
	images := tensors.FromFlatDataAndDimensions([]float32{1, 1, 0, 0, 4, 4}, 3, 2)
	labels := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2}, 3, 1)
	mixed, targets, err := MixBatch(images, labels, 3, 0.75)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1.75, 1.75, 0, 0, 3.25, 3.25}, tensors.MustCopyFlatData[float32](mixed), 1e-6)
	assert.Equal(t, []int{3, 3}, targets.Shape().Dimensions)
	assert.InDeltaSlice(t, []float32{
		0.75, 0, 0.25,
		0, 1, 0,
		0.25, 0, 0.75,
	}, tensors.MustCopyFlatData[float32](targets), 1e-6)

	_, _, err = MixBatch(images, tensors.FromFlatDataAndDimensions([]int32{0, 1, 5}, 3, 1), 3, 0.5)
	require.Error(t, err)
}

func TestMixUpSumsToOne(t *testing.T) {
	opts := Options{BatchSize: 4, NumClasses: 5, Seed: 1, Seeded: true}
	mix := NewMixUp(NewSynthetic("train", opts, 8, 2), 0.2, 5, rand.New(rand.NewPCG(3, 4)))
	_, inputs, labels, err := mix.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 8, 3}, inputs[0].Shape().Dimensions)
	targets := tensors.MustCopyFlatData[float32](labels[0])
	for ii := range 4 {
		var sum float32
		for _, v := range targets[ii*5 : (ii+1)*5] {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestToFloat16(t *testing.T) {
	half := ToFloat16(tensors.FromFlatDataAndDimensions([]float32{0.5, -2}, 2))
	assert.Equal(t, dtypes.Float16, half.DType())
	labels := tensors.FromFlatDataAndDimensions([]int32{1}, 1, 1)
	assert.Same(t, labels, ToFloat16(labels))
}

func TestSynthetic(t *testing.T) {
	ds := NewSynthetic("synthetic", Options{BatchSize: 2, NumClasses: 3}, 4, 3)
	for range 3 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4, 4, 3}, inputs[0].Shape().Dimensions)
		for _, label := range tensors.MustCopyFlatData[int32](labels[0]) {
			assert.True(t, label >= 0 && label < 3)
		}
	}
	_, _, _, err := ds.Yield()
	require.ErrorIs(t, err, io.EOF)
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestImageFolder(t *testing.T) {
	dir := t.TempDir()
	for classIdx, class := range []string{"dog", "cat"} {
		classDir := filepath.Join(dir, class)
		require.NoError(t, os.MkdirAll(classDir, 0755))
		for ii := range 2 {
			img := imaging.New(300, 260, color.NRGBA{R: uint8(100 * classIdx), G: 50, B: 200, A: 255})
			require.NoError(t, imaging.Save(img, filepath.Join(classDir, fmt.Sprintf("%d.png", ii))))
		}
		require.NoError(t, os.WriteFile(filepath.Join(classDir, "README.txt"), []byte("ignored"), 0644))
	}
	folder, err := ScanImageFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, folder.Classes)
	assert.Len(t, folder.Paths, 4)
	assert.Equal(t, []int{0, 0, 1, 1}, folder.Labels)

	val := &imageFolderSource{folder: folder, cache: true}
	dst := make([]float32, ValImageSize*ValImageSize*3)
	label, err := val.Example(2, nil, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	// "dog" images have red=0.
	assert.InDelta(t, ImageNetNormalization.Apply(0, 0), dst[0], 1e-5)
	assert.InDelta(t, ImageNetNormalization.Apply(200, 2), dst[2], 1e-5)

	train := &imageFolderSource{folder: folder, train: true}
	label, err = train.Example(0, rand.New(rand.NewPCG(5, 6)), make([]float32, TrainImageSize*TrainImageSize*3))
	require.NoError(t, err)
	assert.Equal(t, 0, label)

	_, err = ScanImageFolder(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestCropSizes(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 500, 120))
	rng := rand.New(rand.NewPCG(7, 8))
	for range 20 {
		cropped := RandomResizedCrop(img, 64, rng)
		assert.Equal(t, image.Pt(64, 64), cropped.Bounds().Size())
	}
	assert.Equal(t, image.Pt(224, 224), ResizeAndCenterCrop(img, 256, 224).Bounds().Size())
}
