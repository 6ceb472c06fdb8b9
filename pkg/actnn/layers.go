// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
)

// Initializer creates the initial value of a variable.
type Initializer = func(g *Graph, shape shapes.Shape) *Node

// ConvBuilder configures a compressed 2D convolution, see Conv.
type ConvBuilder struct {
	ctx         *context.Context
	x           *Node
	filters     int
	kernelSize  int
	strides     int
	padSame     bool
	initializer Initializer
}

// Conv creates a 2D convolution (without bias) of x, shaped [batchSize, height, width, channels], whose saved
// input activation is compressed according to the global Config.
//
// The kernel is created in the scope "conv" under ctx as the variable "weights".
// If QAT is enabled the kernel is fake-quantized.
func Conv(ctx *context.Context, x *Node) *ConvBuilder {
	return &ConvBuilder{ctx: ctx, x: x, kernelSize: 1, strides: 1, padSame: true}
}

// Filters sets the number of output channels. Required.
func (b *ConvBuilder) Filters(filters int) *ConvBuilder {
	b.filters = filters
	return b
}

// KernelSize sets the size of the square kernel. Default is 1.
func (b *ConvBuilder) KernelSize(size int) *ConvBuilder {
	b.kernelSize = size
	return b
}

// Strides sets the strides on both spatial axes. Default is 1.
func (b *ConvBuilder) Strides(strides int) *ConvBuilder {
	b.strides = strides
	return b
}

// PadSame pads the input so the output spatial dimensions are the input's divided by the strides. It is the default.
func (b *ConvBuilder) PadSame() *ConvBuilder {
	b.padSame = true
	return b
}

// NoPadding disables padding.
func (b *ConvBuilder) NoPadding() *ConvBuilder {
	b.padSame = false
	return b
}

// Initializer sets the initializer of the kernel. If not set, the context default is used.
func (b *ConvBuilder) Initializer(initializer Initializer) *ConvBuilder {
	b.initializer = initializer
	return b
}

// Done creates the kernel and returns the convolved x.
func (b *ConvBuilder) Done() *Node {
	x := b.x
	g := x.Graph()
	if x.Rank() != 4 {
		Panicf("actnn.Conv requires x shaped [batch, height, width, channels], got x.shape=%s", x.Shape())
	}
	if b.filters <= 0 {
		Panicf("actnn.Conv requires Filters() to be set to a positive value, got %d", b.filters)
	}
	ctx := b.ctx.In("conv")
	if b.initializer != nil {
		ctx = ctx.WithInitializer(b.initializer)
	}
	inputChannels := x.Shape().Dimensions[3]
	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(WeightsDType, b.kernelSize, b.kernelSize, inputChannels, b.filters))
	kernel := weightsForGraph(g, kernelVar, x)

	cfg := Global()
	convolve := func(input *Node) *Node {
		conv := Convolve(input, kernel).
			ChannelsAxis(images.ChannelsLast).
			Strides(b.strides)
		if b.padSame {
			conv.PadSame()
		} else {
			conv.NoPadding()
		}
		return conv.Done()
	}
	return Compressed(ctx, x, cfg.ConvBits(), cfg.AdaptiveConvScheme, convolve)
}

// Dense applies a fully connected layer with bias to x, shaped [batchSize, inputDim], whose saved
// input activation is compressed according to the global Config.
//
// The variables "weights" and "biases" are created in the scope "dense" under ctx.
func Dense(ctx *context.Context, x *Node, outputDim int, initializer Initializer) *Node {
	g := x.Graph()
	if x.Rank() != 2 {
		Panicf("actnn.Dense requires x shaped [batch, features], got x.shape=%s", x.Shape())
	}
	ctx = ctx.In("dense")
	weightsCtx := ctx
	if initializer != nil {
		weightsCtx = ctx.WithInitializer(initializer)
	}
	inputDim := x.Shape().Dimensions[1]
	weightsVar := weightsCtx.VariableWithShape("weights", shapes.Make(WeightsDType, inputDim, outputDim))
	weights := weightsForGraph(g, weightsVar, x)
	biasesVar := ctx.WithInitializer(zerosInitializer).VariableWithShape("biases", shapes.Make(WeightsDType, outputDim))
	biases := biasesVar.ValueGraph(g)
	if biases.DType() != x.DType() {
		biases = ConvertDType(biases, x.DType())
	}

	cfg := Global()
	project := func(input *Node) *Node {
		return Add(Einsum("bi,io->bo", input, weights), ExpandLeftToRank(biases, 2))
	}
	return Compressed(ctx, x, cfg.ConvBits(), cfg.AdaptiveConvScheme, project)
}

// weightsForGraph returns the value of the weights variable converted to the dtype of x, and
// fake-quantized if QAT is enabled.
func weightsForGraph(g *Graph, v *context.Variable, x *Node) *Node {
	w := v.ValueGraph(g)
	if w.DType() != x.DType() {
		w = ConvertDType(w, x.DType())
	}
	if cfg := Global(); cfg.QATEnabled() {
		w = FakeQuantizeWeights(w, cfg.QAT)
	}
	return w
}

// WeightsDType is the dtype of the variables created by the layers: master weights are kept in
// full precision even if the activations are half precision.
var WeightsDType = dtypes.Float32

// BatchNormScope is the scope name used by BatchNorm for its variables.
const BatchNormScope = "batch_normalization"

// BatchNormBuilder configures a batch normalization over the last axis, see BatchNorm.
type BatchNormBuilder struct {
	ctx       *context.Context
	x         *Node
	momentum  float64
	epsilon   float64
	zeroScale bool
}

// BatchNorm normalizes x over every axis but the last (the channels), with learned scale and offset.
//
// While training it normalizes with the batch statistics and updates moving averages of them, which are
// used for inference. The activation saved for the backward pass is compressed with the BN bits of the global
// Config, if EnableQuantizedBN is set.
//
// Variables are created in the scope "batch_normalization" under ctx: "scale", "offset" (trainable),
// "mean", "variance" and "avg_weight" (not trainable).
func BatchNorm(ctx *context.Context, x *Node) *BatchNormBuilder {
	return &BatchNormBuilder{ctx: ctx, x: x, momentum: 0.9, epsilon: 1e-5}
}

// Momentum of the moving averages of mean and variance. Default is 0.9.
func (b *BatchNormBuilder) Momentum(momentum float64) *BatchNormBuilder {
	b.momentum = momentum
	return b
}

// Epsilon added to the variance. Default is 1e-5.
func (b *BatchNormBuilder) Epsilon(epsilon float64) *BatchNormBuilder {
	b.epsilon = epsilon
	return b
}

// ZeroInitScale initializes the scale to zero instead of one.
// Used in the last normalization of residual blocks, so they start as the identity.
func (b *BatchNormBuilder) ZeroInitScale(zero bool) *BatchNormBuilder {
	b.zeroScale = zero
	return b
}

// Done creates the variables and returns the normalized x.
func (b *BatchNormBuilder) Done() *Node {
	x := b.x
	g := x.Graph()
	ctx := b.ctx.In(BatchNormScope)
	featureAxis := x.Rank() - 1
	featureDim := x.Shape().Dimensions[featureAxis]
	varShape := shapes.Make(WeightsDType, featureDim)

	scaleInit := onesInitializer
	if b.zeroScale {
		scaleInit = zerosInitializer
	}
	scaleVar := ctx.WithInitializer(scaleInit).VariableWithShape("scale", varShape).SetTrainable(true)
	offsetVar := ctx.WithInitializer(zerosInitializer).VariableWithShape("offset", varShape).SetTrainable(true)
	meanVar := ctx.WithInitializer(zerosInitializer).VariableWithShape("mean", varShape).SetTrainable(false)
	varianceVar := ctx.WithInitializer(onesInitializer).VariableWithShape("variance", varShape).SetTrainable(false)
	weightVar := ctx.WithInitializer(zerosInitializer).VariableWithShape("avg_weight", varShape).SetTrainable(false)

	dtype := x.DType()
	asDType := func(n *Node) *Node {
		if n.DType() != dtype {
			return ConvertDType(n, dtype)
		}
		return n
	}
	scale, offset := asDType(scaleVar.ValueGraph(g)), asDType(offsetVar.ValueGraph(g))

	if !ctx.IsTraining(g) {
		mean, variance := asDType(meanVar.ValueGraph(g)), asDType(varianceVar.ValueGraph(g))
		return b.normalize(x, scale, offset, mean, variance)
	}

	// Moving averages are updated from the exact activation.
	batchMean, batchVariance := meanAndVariance(x)
	b.updateAverages(g, StopGradient(batchMean), StopGradient(batchVariance), meanVar, varianceVar, weightVar)

	normalizeWithBatchStats := func(input *Node) *Node {
		mean, variance := meanAndVariance(input)
		return b.normalize(input, scale, offset, mean, variance)
	}
	cfg := Global()
	if !cfg.EnableQuantizedBN {
		return normalizeWithBatchStats(x)
	}
	return Compressed(ctx, x, cfg.BNBits(), cfg.AdaptiveBNScheme, normalizeWithBatchStats)
}

// meanAndVariance over every axis but the last, each shaped [featureDim].
func meanAndVariance(x *Node) (mean, variance *Node) {
	reduceAxes := xslices.Iota(0, x.Rank()-1)
	keptMean := ReduceAndKeep(x, ReduceMean, reduceAxes...)
	variance = ReduceMean(Square(Sub(x, keptMean)), reduceAxes...)
	mean = Reshape(keptMean, variance.Shape().Dimensions...)
	return
}

func (b *BatchNormBuilder) normalize(x, scale, offset, mean, variance *Node) *Node {
	featureDim := x.Shape().Dimensions[x.Rank()-1]
	dims := xslices.SliceWithValue(x.Rank(), 1)
	dims[x.Rank()-1] = featureDim
	normalized := Div(
		Sub(x, Reshape(mean, dims...)),
		Sqrt(AddScalar(Reshape(variance, dims...), b.epsilon)))
	normalized = Mul(normalized, Reshape(scale, dims...))
	return Add(normalized, Reshape(offset, dims...))
}

// updateAverages updates the moving averages of mean and variance. The momentum is debiased by the
// number of steps seen so far (avg_weight), so the first batches are not dominated by the initial values.
func (b *BatchNormBuilder) updateAverages(g *Graph, batchMean, batchVariance *Node,
	meanVar, varianceVar, weightVar *context.Variable) {
	weight := OnePlus(weightVar.ValueGraph(g))
	weightVar.SetValueGraph(weight)
	momentum := Scalar(g, weight.DType(), b.momentum)
	debiasedMomentum := Min(momentum, OneMinus(Reciprocal(weight)))

	update := func(v *context.Variable, batchValue *Node) {
		if batchValue.DType() != weight.DType() {
			batchValue = ConvertDType(batchValue, weight.DType())
		}
		average := Add(
			Mul(debiasedMomentum, v.ValueGraph(g)),
			Mul(OneMinus(debiasedMomentum), batchValue))
		v.SetValueGraph(average)
	}
	update(meanVar, batchMean)
	update(varianceVar, batchVariance)
}

// ReLU returns max(x, 0).
//
// Its backward pass only depends on the sign of the input, a 1-bit mask, so no quantization applies.
func ReLU(x *Node) *Node {
	return MaxScalar(x, 0)
}

func zerosInitializer(g *Graph, shape shapes.Shape) *Node {
	return Zeros(g, shape)
}

func onesInitializer(g *Graph, shape shapes.Shape) *Node {
	return Ones(g, shape)
}
