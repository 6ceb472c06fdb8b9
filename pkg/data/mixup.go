// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// MixUp wraps a dataset with sparse labels, mixing each batch with itself in reverse order:
//
//	lambda ~ Beta(alpha, alpha)
//	images[i] = lambda * images[i] + (1 - lambda) * images[n-1-i]
//	targets[i] = lambda * onehot(labels[i]) + (1 - lambda) * onehot(labels[n-1-i])
//
// The labels yielded are the soft targets, shaped [batchSize, numClasses] of Float32.
type MixUp struct {
	ds         train.Dataset
	numClasses int
	beta       distuv.Beta
}

var _ train.Dataset = (*MixUp)(nil)

// NewMixUp creates the MixUp wrapper of ds.
func NewMixUp(ds train.Dataset, alpha float64, numClasses int, rng *rand.Rand) *MixUp {
	return &MixUp{
		ds:         ds,
		numClasses: numClasses,
		beta:       distuv.Beta{Alpha: alpha, Beta: alpha, Src: rng},
	}
}

// Name implements train.Dataset.
func (m *MixUp) Name() string { return m.ds.Name() }

// Reset implements train.Dataset.
func (m *MixUp) Reset() { m.ds.Reset() }

// Yield implements train.Dataset.
func (m *MixUp) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = m.ds.Yield()
	if err != nil {
		return
	}
	lambda := float32(m.beta.Rand())
	images, targets, err := MixBatch(inputs[0], labels[0], m.numClasses, lambda)
	if err != nil {
		return nil, nil, nil, err
	}
	return spec, []*tensors.Tensor{images}, []*tensors.Tensor{targets}, nil
}

// MixBatch mixes the batch of Float32 images with its reverse, and returns the mixed images and soft targets.
func MixBatch(images, labels *tensors.Tensor, numClasses int, lambda float32) (mixedImages, targets *tensors.Tensor, err error) {
	if images.DType() != dtypes.Float32 {
		return nil, nil, errors.Errorf("MixUp requires Float32 images, got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	n := dims[0]
	exampleSize := images.Shape().Size() / n
	flat := tensors.MustCopyFlatData[float32](images)
	mixed := make([]float32, len(flat))
	for ii := range n {
		reverse := n - 1 - ii
		for jj := range exampleSize {
			mixed[ii*exampleSize+jj] = lambda*flat[ii*exampleSize+jj] + (1-lambda)*flat[reverse*exampleSize+jj]
		}
	}

	classes := tensors.MustCopyFlatData[int32](labels)
	if len(classes) != n {
		return nil, nil, errors.Errorf("MixUp requires labels shaped [batchSize, 1], got %s", labels.Shape())
	}
	soft := make([]float32, n*numClasses)
	for ii, class := range classes {
		reverse := classes[n-1-ii]
		if int(class) >= numClasses || int(reverse) >= numClasses || class < 0 || reverse < 0 {
			return nil, nil, errors.Errorf("label out of range [0, %d)", numClasses)
		}
		soft[ii*numClasses+int(class)] += lambda
		soft[ii*numClasses+int(reverse)] += 1 - lambda
	}
	mixedImages = tensors.FromFlatDataAndDimensions(mixed, dims...)
	targets = tensors.FromFlatDataAndDimensions(soft, n, numClasses)
	return mixedImages, targets, nil
}
