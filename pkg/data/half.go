// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

type halfPrecision struct {
	ds train.Dataset
}

// HalfPrecision wraps ds, converting its Float32 inputs to Float16. Labels are not changed.
func HalfPrecision(ds train.Dataset) train.Dataset {
	return &halfPrecision{ds: ds}
}

func (h *halfPrecision) Name() string { return h.ds.Name() }

func (h *halfPrecision) Reset() { h.ds.Reset() }

func (h *halfPrecision) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = h.ds.Yield()
	if err != nil {
		return
	}
	converted := make([]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		converted[ii] = ToFloat16(input)
	}
	return spec, converted, labels, nil
}

// ToFloat16 converts a Float32 tensor to Float16. Other dtypes are returned as is.
func ToFloat16(t *tensors.Tensor) *tensors.Tensor {
	if t.DType() != dtypes.Float32 {
		return t
	}
	flat := tensors.MustCopyFlatData[float32](t)
	half := make([]float16.Float16, len(flat))
	for ii, v := range flat {
		half[ii] = float16.Fromfloat32(v)
	}
	return tensors.FromFlatDataAndDimensions(half, t.Shape().Dimensions...)
}
