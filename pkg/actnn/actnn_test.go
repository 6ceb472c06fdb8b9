// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actnn

import (
	"math"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSetOptimizationLevel(t *testing.T) {
	defer ResetGlobal()

	ResetGlobal()
	require.NoError(t, SetOptimizationLevel("L0"))
	cfg := Global()
	assert.False(t, cfg.CompressActivation)
	assert.False(t, cfg.AdaptiveConvScheme)
	assert.False(t, cfg.AdaptiveBNScheme)

	ResetGlobal()
	require.NoError(t, SetOptimizationLevel("L1"))
	cfg = Global()
	assert.True(t, cfg.CompressActivation)
	assert.Equal(t, []float64{4}, cfg.ActivationCompressionBits)
	assert.False(t, cfg.EnableQuantizedBN)
	assert.False(t, cfg.AdaptiveConvScheme)

	ResetGlobal()
	require.NoError(t, SetOptimizationLevel("L2"))
	cfg = Global()
	assert.Equal(t, []float64{4}, cfg.ActivationCompressionBits)
	assert.True(t, cfg.EnableQuantizedBN)
	assert.False(t, cfg.AdaptiveBNScheme)

	for _, level := range []string{"L3", "L3.1"} {
		ResetGlobal()
		require.NoError(t, SetOptimizationLevel(level))
		cfg = Global()
		assert.Equal(t, level, cfg.Level)
		assert.Equal(t, []float64{2, 8, 8}, cfg.ActivationCompressionBits)
		assert.True(t, cfg.AdaptiveConvScheme)
		assert.False(t, cfg.Swap)
	}

	ResetGlobal()
	require.NoError(t, SetOptimizationLevel("L4"))
	cfg = Global()
	assert.True(t, cfg.Swap)
	assert.False(t, cfg.Prefetch)

	ResetGlobal()
	require.NoError(t, SetOptimizationLevel("L5"))
	cfg = Global()
	assert.True(t, cfg.Swap)
	assert.True(t, cfg.Prefetch)

	require.Error(t, SetOptimizationLevel("L9"))
}

func TestConfigure(t *testing.T) {
	defer ResetGlobal()
	opts := Options{CABits: 2.7, InitialBits: 6, Stochastic: false, QAT: 8, GroupSize: 128, NumSamples: 50000}

	ResetGlobal()
	require.NoError(t, Configure("L2", opts))
	cfg := Global()
	assert.Equal(t, []float64{2}, cfg.ActivationCompressionBits)
	assert.Equal(t, 2, cfg.InitialBits)
	assert.False(t, cfg.Stochastic)
	assert.Equal(t, 8, cfg.QAT)
	assert.Equal(t, 128, cfg.GroupSize)
	assert.Equal(t, 50000, cfg.NumSamples)
	assert.True(t, cfg.QATEnabled())

	ResetGlobal()
	require.NoError(t, Configure("L3", opts))
	cfg = Global()
	assert.Equal(t, []float64{2.7}, cfg.ActivationCompressionBits)
	assert.Equal(t, 6, cfg.InitialBits)
	assert.Equal(t, 2.7, cfg.ConvBits())
	assert.Equal(t, 2.7, cfg.BNBits())

	ResetGlobal()
	opts.QAT = 32
	require.NoError(t, Configure("L0", opts))
	cfg = Global()
	assert.False(t, cfg.QATEnabled())

	// One bit leaves no quantization levels for signed weights.
	ResetGlobal()
	opts.QAT = 1
	require.Error(t, Configure("L2", opts))
	cfg = Global()
	assert.False(t, cfg.QATEnabled())
	opts.QAT = 2
	require.NoError(t, Configure("L2", opts))
	cfg = Global()
	assert.True(t, cfg.QATEnabled())

	ResetGlobal()
	opts.GroupSize = 0
	require.Error(t, Configure("L3", opts))

	ResetGlobal()
	opts.GroupSize = 256
	opts.CABits = 0.5
	require.Error(t, Configure("L3", opts))
	require.Error(t, Configure("L7", opts))
}

// randomValues returns a [batchSize, numValues] tensor with values in [-scale, scale).
func randomValues(batchSize, numValues int, scale float32) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(42, 7))
	values := make([]float32, batchSize*numValues)
	for ii := range values {
		values[ii] = (2*rng.Float32() - 1) * scale
	}
	return tensors.FromFlatDataAndDimensions(values, batchSize, numValues)
}

func TestQuantizeDequantize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize = 3
		numValues = 100 // Not divisible by the group size: last group is padded.
		groupSize = 32
		bits      = 8
	)
	input := randomValues(batchSize, numValues, 5)
	ctx := context.New()
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return quantizeDequantize(ctx, x, bits, false, groupSize, false)
	}, input)
	require.Equal(t, []int{batchSize, numValues}, output.Shape().Dimensions)

	x := tensors.MustCopyFlatData[float32](input)
	q := tensors.MustCopyFlatData[float32](output)
	levels := math.Pow(2, bits) - 1
	for example := range batchSize {
		for start := 0; start < numValues; start += groupSize {
			end := min(start+groupSize, numValues)
			group := x[example*numValues+start : example*numValues+end]
			lo, hi := float64(group[0]), float64(group[0])
			for _, v := range group {
				lo, hi = min(lo, float64(v)), max(hi, float64(v))
			}
			step := (hi - lo) / levels
			for ii := start; ii < end; ii++ {
				idx := example*numValues + ii
				assert.GreaterOrEqual(t, float64(q[idx]), lo-1e-5, "value %d out of its group range", idx)
				assert.LessOrEqual(t, float64(q[idx]), hi+1e-5, "value %d out of its group range", idx)
				assert.InDelta(t, float64(x[idx]), float64(q[idx]), step/2+1e-5, "value %d", idx)
			}
		}
	}
}

func TestStochasticRoundingIsUnbiased(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Each group holds 0, 1 and 0.3 repeated: with 1 bit, 0.3 is rounded to 1 with probability 0.3.
	const numValues = 3 * 2000
	values := make([]float32, numValues)
	for ii := range values {
		values[ii] = []float32{0, 1, 0.3}[ii%3]
	}
	input := tensors.FromFlatDataAndDimensions(values, 1, numValues)
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return quantizeDequantize(ctx, x, 1, false, 3*32, true)
	}, input)
	q := tensors.MustCopyFlatData[float32](output)
	var sum float64
	var count int
	for ii := 2; ii < numValues; ii += 3 {
		require.Contains(t, []float32{0, 1}, q[ii])
		sum += float64(q[ii])
		count++
	}
	assert.InDelta(t, 0.3, sum/float64(count), 0.05)
}

func TestAdaptiveBits(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// The second example has a 100x larger range, so it gets more bits and a smaller relative error.
	input := randomValues(2, 256, 1)
	values := tensors.MustCopyFlatData[float32](input)
	for ii := 256; ii < 512; ii++ {
		values[ii] *= 100
	}
	input = tensors.FromFlatDataAndDimensions(values, 2, 256)
	ctx := context.New()
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		grouped, _ := toGroups(x, 64)
		return Reshape(adaptiveLevels(grouped, 4), 2)
	}, input)
	levels := tensors.MustCopyFlatData[float32](output)
	assert.Less(t, levels[0], levels[1])
	assert.GreaterOrEqual(t, levels[0], float32(1))
	assert.LessOrEqual(t, levels[1], float32(math.Pow(2, MaxBits)-1))
}

func TestFakeQuantizeWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := []float32{-1, -0.5, 0.001, 0.3, 1}
	output := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, w *Node) *Node {
		return FakeQuantizeWeights(w, 4)
	}, input)
	got := tensors.MustCopyFlatData[float32](output)
	for ii, v := range got {
		steps := float64(v) * 7
		assert.InDelta(t, math.Round(steps), steps, 1e-4, "weight %d=%g is not a multiple of 1/7", ii, v)
		assert.InDelta(t, input[ii], v, 1.0/14+1e-5)
	}

	// With 2 bits the weights are -max, 0 or max.
	output = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, w *Node) *Node {
		return FakeQuantizeWeights(w, 2)
	}, []float32{0.6, -0.25, -1})
	assert.InDeltaSlice(t, []float32{1, 0, -1}, tensors.MustCopyFlatData[float32](output), 1e-6)

	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, w *Node) *Node {
			return FakeQuantizeWeights(w, 1)
		}, []float32{0.5, -0.25, 1})
	})
}

// denseGraph builds a Dense layer in training mode and returns its output, the gradient of the
// sum of the output with respect to the weights, and the mean relative quantization error.
func denseGraph(ctx *context.Context, x *Node) []*Node {
	g := x.Graph()
	ctx.SetTraining(g, true)
	CollectErrors(ctx, g)
	iotaInit := func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(Iota(g, shape, 0), 0.01)
	}
	output := Dense(ctx, x, 3, iotaInit)
	weights := ctx.In("dense").GetVariable("weights").ValueGraph(g)
	loss := ReduceAllSum(Mul(output, output))
	grads := Gradient(loss, weights)
	meanError, _ := CollectedError(ctx, g)
	return []*Node{output, grads[0], meanError}
}

func TestCompressedDense(t *testing.T) {
	defer ResetGlobal()
	backend := graphtest.BuildTestBackend()
	input := randomValues(4, 16, 2)

	run := func(compress bool, bits float64) []*tensors.Tensor {
		cfg := DefaultConfig()
		cfg.CompressActivation = compress
		cfg.ActivationCompressionBits = []float64{bits}
		cfg.AdaptiveConvScheme = false
		cfg.Stochastic = false
		cfg.GroupSize = 8
		cfg.QAT = 0
		SetGlobal(*cfg)
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, denseGraph)
		return exec.MustExec(input)
	}

	exact := run(false, 8)
	outputExact := tensors.MustCopyFlatData[float32](exact[0])
	gradsExact := tensors.MustCopyFlatData[float32](exact[1])

	for _, bits := range []float64{2, 8} {
		compressed := run(true, bits)
		// The forward pass is exact.
		assert.InDeltaSlice(t, outputExact, tensors.MustCopyFlatData[float32](compressed[0]), 1e-4, "bits=%g", bits)

		// The gradient of the weights is computed from the quantized activations.
		grads := tensors.MustCopyFlatData[float32](compressed[1])
		var maxDiff, maxAbs float64
		for ii := range grads {
			maxDiff = max(maxDiff, math.Abs(float64(grads[ii]-gradsExact[ii])))
			maxAbs = max(maxAbs, math.Abs(float64(gradsExact[ii])))
		}
		relativeError := tensors.ToScalar[float32](compressed[2])
		if bits == 8 {
			assert.Less(t, maxDiff/maxAbs, 0.05)
			assert.Less(t, relativeError, float32(0.01))
		} else {
			assert.Greater(t, maxDiff, 0.0, "2 bits should change the gradients")
			assert.Greater(t, relativeError, float32(0.01))
		}
	}
}

func TestConvAndBatchNormShapes(t *testing.T) {
	defer ResetGlobal()
	ResetGlobal()
	require.NoError(t, Configure("L2", Options{CABits: 4, Stochastic: true, QAT: 8, GroupSize: 64}))
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	images := tensors.FromShape(shapes.Make(WeightsDType, 2, 8, 8, 3))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		g := x.Graph()
		ctx.SetTraining(g, true)
		x = AddScalar(x, 1)
		x = Conv(ctx.In("layer"), x).Filters(4).KernelSize(3).Strides(2).Done()
		x = BatchNorm(ctx.In("layer"), x).Done()
		return ReLU(x)
	})
	output := exec.MustExec(images)[0]
	assert.Equal(t, []int{2, 4, 4, 4}, output.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](output) {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	meanVar := ctx.GetVariableByScopeAndName("/layer/"+BatchNormScope, "mean")
	require.NotNil(t, meanVar)
	assert.False(t, meanVar.Trainable)
	weightVar := ctx.GetVariableByScopeAndName("/layer/"+BatchNormScope, "avg_weight")
	require.NotNil(t, weightVar)
	assert.Equal(t, []float32{1, 1, 1, 1}, tensors.MustCopyFlatData[float32](weightVar.MustValue()))
}
