// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sgd

import (
	"math"
	"testing"

	"github.com/gomlx/actnn/pkg/actnn"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// runSteps runs numSteps of the optimizer on loss=sum(w^2)/2, whose gradient is w, and returns the final w.
func runSteps(t *testing.T, opt *Optimizer, initial []float32, numSteps int) []float32 {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, half *Node) *Node {
		w := ctx.In("model").VariableWithValue("w", initial).ValueGraph(half.Graph())
		loss := Mul(half, ReduceAllSum(Square(w)))
		opt.UpdateGraph(ctx, half.Graph(), loss)
		return loss
	})
	for range numSteps {
		exec.MustExec(float32(0.5))
	}
	v := ctx.GetVariableByScopeAndName("/model", "w")
	require.NotNil(t, v)
	return tensors.MustCopyFlatData[float32](v.MustValue())
}

func TestMomentum(t *testing.T) {
	opt := New().LearningRate(0.1).Momentum(0.9).Done()
	got := runSteps(t, opt, []float32{1, -2}, 2)
	assert.InDeltaSlice(t, []float32{0.72, -1.44}, got, 1e-5)
}

func TestNesterov(t *testing.T) {
	opt := New().LearningRate(0.1).Momentum(0.9).Nesterov(true).Done()
	got := runSteps(t, opt, []float32{1, -2}, 1)
	assert.InDeltaSlice(t, []float32{0.81, -1.62}, got, 1e-5)
}

func TestStaticLossScaleIsUndone(t *testing.T) {
	opt := New().LearningRate(0.1).StaticLossScale(128).Done()
	got := runSteps(t, opt, []float32{1, -2}, 1)
	assert.InDeltaSlice(t, []float32{0.9, -1.8}, got, 1e-5)
}

func TestWeightDecaySkipsBatchNorm(t *testing.T) {
	for _, bnWeightDecay := range []bool{false, true} {
		backend := graphtest.BuildTestBackend()
		ctx := context.New()
		opt := New().LearningRate(0.1).WeightDecay(0.5).BNWeightDecay(bnWeightDecay).Done()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, zero *Node) *Node {
			g := zero.Graph()
			dense := ctx.In("model").In("dense").VariableWithValue("weights", []float32{1}).ValueGraph(g)
			bn := ctx.In("model").In(actnn.BatchNormScope).VariableWithValue("scale", []float32{1}).ValueGraph(g)
			loss := Mul(zero, Add(ReduceAllSum(dense), ReduceAllSum(bn)))
			opt.UpdateGraph(ctx, g, loss)
			return loss
		})
		exec.MustExec(float32(0))

		dense := ctx.GetVariableByScopeAndName("/model/dense", "weights")
		bn := ctx.GetVariableByScopeAndName("/model/"+actnn.BatchNormScope, "scale")
		assert.True(t, IsBatchNormParameter(bn))
		assert.False(t, IsBatchNormParameter(dense))
		assert.InDeltaSlice(t, []float32{0.95}, tensors.MustCopyFlatData[float32](dense.MustValue()), 1e-6)
		wantBN := float32(1)
		if bnWeightDecay {
			wantBN = 0.95
		}
		assert.InDeltaSlice(t, []float32{wantBN}, tensors.MustCopyFlatData[float32](bn.MustValue()), 1e-6,
			"bnWeightDecay=%v", bnWeightDecay)
	}
}

func TestDynamicLossScale(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	opt := New().LearningRate(0.1).Momentum(0.9).DynamicLossScale(true).Done()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		w := ctx.In("model").VariableWithValue("w", []float32{1}).ValueGraph(x.Graph())
		loss := ReduceAllSum(Mul(w, x))
		opt.UpdateGraph(ctx, x.Graph(), loss)
		return loss
	})
	readW := func() float32 {
		return tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName("/model", "w").MustValue())[0]
	}
	assert.Equal(t, InitialDynamicLossScale, opt.LossScale(ctx))

	// Overflow: the step is skipped and the scale halved.
	exec.MustExec([]float32{float32(math.Inf(1))})
	assert.Equal(t, float32(1), readW())
	assert.Equal(t, InitialDynamicLossScale/2, opt.LossScale(ctx))
	skipped := ctx.GetVariableByScopeAndName("/"+Scope, SkippedStepsVariableName)
	assert.Equal(t, int64(1), tensors.ToScalar[int64](skipped.MustValue()))

	// Finite gradients: regular update, the scale is kept.
	exec.MustExec([]float32{1})
	assert.InDelta(t, float32(0.9), readW(), 1e-5)
	assert.Equal(t, InitialDynamicLossScale/2, opt.LossScale(ctx))

	require.NoError(t, opt.Clear(ctx))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/"+Scope, SkippedStepsVariableName))
}
