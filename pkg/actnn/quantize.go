// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actnn

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// rangeEpsilon avoids division by zero for groups with constant values.
const rangeEpsilon = 1e-8

// toGroups reshapes x to [batchSize, numGroups, groupSize].
//
// The flattened example is padded by repeating its last value, which doesn't change the
// range of the last group. It returns the number of padded values.
func toGroups(x *Node, groupSize int) (grouped *Node, padding int) {
	if x.Rank() < 1 {
		Panicf("activation compression requires a batch axis, got x.shape=%s", x.Shape())
	}
	batchSize := x.Shape().Dimensions[0]
	flat := Reshape(x, batchSize, -1)
	numValues := flat.Shape().Dimensions[1]
	if groupSize > numValues {
		groupSize = numValues
	}
	padding = (groupSize - numValues%groupSize) % groupSize
	if padding > 0 {
		last := Slice(flat, AxisRange(), AxisElem(numValues-1))
		flat = Concatenate([]*Node{flat, BroadcastToDims(last, batchSize, padding)}, 1)
	}
	grouped = Reshape(flat, batchSize, -1, groupSize)
	return
}

// fromGroups reverts toGroups.
func fromGroups(grouped *Node, padding int, like *Node) *Node {
	batchSize := like.Shape().Dimensions[0]
	flat := Reshape(grouped, batchSize, -1)
	if padding > 0 {
		numValues := flat.Shape().Dimensions[1] - padding
		flat = Slice(flat, AxisRange(), AxisRange(0, numValues))
	}
	return Reshape(flat, like.Shape().Dimensions...)
}

// levelsForBits returns 2^bits - 1, the largest quantized value for the given bits.
func levelsForBits(bits float64) float64 {
	return math.Round(math.Pow(2, bits)) - 1
}

// quantizeGroups quantizes and dequantizes grouped values ([batchSize, numGroups, groupSize]) using
// the per-group min/max range and the given number of levels, which is either a scalar or shaped
// [batchSize, 1, 1] for per-sample bits.
func quantizeGroups(ctx *context.Context, grouped, levels *Node, stochastic bool) *Node {
	g := grouped.Graph()
	dtype := grouped.DType()
	minValue := ReduceAndKeep(grouped, ReduceMin, 2)
	maxValue := ReduceAndKeep(grouped, ReduceMax, 2)
	valueRange := MaxScalar(Sub(maxValue, minValue), rangeEpsilon)
	scale := Div(levels, valueRange)

	quantized := Mul(Sub(grouped, minValue), scale)
	if stochastic {
		quantized = Floor(Add(quantized, ctx.RandomUniform(g, quantized.Shape())))
	} else {
		quantized = Round(quantized)
	}
	quantized = Min(MaxScalar(quantized, 0.0), levels)
	dequantized := Add(Div(quantized, scale), minValue)
	if dequantized.DType() != dtype {
		dequantized = ConvertDType(dequantized, dtype)
	}
	return dequantized
}

// adaptiveLevels allocates bits per example, shaped [batchSize, 1, 1], so that examples with
// larger activation ranges get more bits, while the average stays close to avgBits.
func adaptiveLevels(grouped *Node, avgBits float64) *Node {
	batchSize := grouped.Shape().Dimensions[0]
	groupRanges := Sub(ReduceMax(grouped, 2), ReduceMin(grouped, 2))
	score := Log(AddScalar(ReduceMean(groupRanges, 1), rangeEpsilon))
	score = DivScalar(score, math.Ln2)
	delta := Sub(score, ReduceAllMean(score))
	bits := ClipScalar(Round(AddScalar(delta, avgBits)), 1, MaxBits)
	levels := AddScalar(Exp(MulScalar(bits, math.Ln2)), -1)
	levels = Round(levels)
	return StopGradient(Reshape(levels, batchSize, 1, 1))
}

// QuantizeDequantize compresses x to the given bits per value and expands it back, using
// the global group size and rounding mode.
//
// The first axis of x is the batch axis: groups never mix values of different examples.
// If adaptive is true, bits is the average bits per value and each example gets its own number of bits.
func QuantizeDequantize(ctx *context.Context, x *Node, bits float64, adaptive bool) *Node {
	cfg := Global()
	return quantizeDequantize(ctx, x, bits, adaptive, cfg.GroupSize, cfg.Stochastic)
}

func quantizeDequantize(ctx *context.Context, x *Node, bits float64, adaptive bool, groupSize int, stochastic bool) *Node {
	if !x.DType().IsFloat() {
		Panicf("activation compression requires float values, got x.dtype=%s", x.DType())
	}
	g := x.Graph()
	work := x
	if x.DType() != dtypes.Float32 && x.DType() != dtypes.Float64 {
		// Ranges and scales of half precision values are computed in float32.
		work = ConvertDType(x, dtypes.Float32)
	}
	grouped, padding := toGroups(work, groupSize)
	var levels *Node
	if adaptive {
		levels = adaptiveLevels(grouped, bits)
	} else {
		levels = Scalar(g, grouped.DType(), levelsForBits(bits))
	}
	dequantized := quantizeGroups(ctx, grouped, levels, stochastic)
	dequantized = fromGroups(dequantized, padding, work)
	if dequantized.DType() != x.DType() {
		dequantized = ConvertDType(dequantized, x.DType())
	}
	return StopGradient(dequantized)
}

// FakeQuantizeWeights quantizes the weights symmetrically to the given bits, with a straight-through
// gradient: the forward value is quantized, the gradient is the identity.
//
// It panics if bits < MinQATBits.
func FakeQuantizeWeights(w *Node, bits int) *Node {
	if bits < MinQATBits {
		Panicf("FakeQuantizeWeights requires at least %d bits, got %d", MinQATBits, bits)
	}
	g := w.Graph()
	levels := float64(int64(1)<<(bits-1) - 1)
	maxAbs := MaxScalar(ReduceAllMax(Abs(w)), rangeEpsilon)
	scale := Div(Scalar(g, w.DType(), levels), maxAbs)
	quantized := Div(Round(Mul(w, scale)), scale)
	return Add(w, StopGradient(Sub(quantized, w)))
}
