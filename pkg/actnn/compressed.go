// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package actnn

import (
	"sync"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Compressed returns fn(x), such that the forward value is exact but the gradients of everything
// fn depends on (e.g. the layer weights) are computed from x quantized to the given bits.
//
// The gradient with respect to x itself passes straight through the quantization.
// If compression is disabled, or the graph is not training, it returns fn(x) directly.
//
// fn is called twice, so it must not create variables: create them before and capture them.
func Compressed(ctx *context.Context, x *Node, bits float64, adaptive bool, fn func(x *Node) *Node) *Node {
	g := x.Graph()
	cfg := Global()
	collector := errorCollectorFor(ctx, g)
	if !cfg.CompressActivation {
		return fn(x)
	}
	if collector != nil {
		collector.add(x, quantizeDequantize(ctx, x, bits, adaptive, cfg.GroupSize, cfg.Stochastic))
	}
	if !ctx.IsTraining(g) {
		return fn(x)
	}
	quantized := quantizeDequantize(ctx, x, bits, adaptive, cfg.GroupSize, cfg.Stochastic)
	straightThrough := Add(x, StopGradient(Sub(quantized, x)))
	approx := fn(straightThrough)
	exact := fn(x)
	return Add(approx, StopGradient(Sub(exact, approx)))
}

// ParamCollectErrors is the graph parameter (see context.Context.SetGraphParam) holding the
// collector of quantization errors, set by CollectErrors.
const ParamCollectErrors = "actnn_collect_errors"

// errorCollector accumulates the relative quantization error of every compressed activation of a graph.
type errorCollector struct {
	mu     sync.Mutex
	errors []*Node
}

func (c *errorCollector) add(x, quantized *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, RelativeError(x, quantized))
}

func errorCollectorFor(ctx *context.Context, g *Graph) *errorCollector {
	return context.GetGraphParamOr[*errorCollector](ctx, g, ParamCollectErrors, nil)
}

// CollectErrors makes the compressed layers built after it in the graph g record the error of
// quantizing their activations, even when not training. Use CollectedError to read the result.
func CollectErrors(ctx *context.Context, g *Graph) {
	ctx.InAbsPath(context.RootScope).SetGraphParam(g, ParamCollectErrors, &errorCollector{})
}

// CollectedError returns the mean relative quantization error of the layers built in g after CollectErrors
// was called, and the number of layers measured.
// It returns a zero scalar if nothing was collected.
func CollectedError(ctx *context.Context, g *Graph) (meanError *Node, numLayers int) {
	collector := errorCollectorFor(ctx, g)
	if collector == nil || len(collector.errors) == 0 {
		return ScalarZero(g, dtypes.Float32), 0
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	dtype := collector.errors[0].DType()
	parts := make([]*Node, len(collector.errors))
	for ii, e := range collector.errors {
		parts[ii] = ConvertDType(e, dtype)
	}
	return ReduceAllMean(Stack(parts, 0)), len(parts)
}

// RelativeError returns ||quantized - x|| / ||x||, as a scalar.
func RelativeError(x, quantized *Node) *Node {
	diff := L2Norm(Sub(quantized, x))
	norm := MaxScalar(L2Norm(x), rangeEpsilon)
	return Div(diff, norm)
}
