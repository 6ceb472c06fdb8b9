// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"

	"github.com/gomlx/actnn/pkg/actnn"
	"github.com/gomlx/actnn/pkg/losses"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Names of the metrics logged by the training loop, prefixed by the phase (see report.MetricName).
const (
	MetricLoss        = "loss"
	MetricTop1        = "top1"
	MetricTop5        = "top5"
	MetricComputeIPS  = "compute_ips img/s"
	MetricTotalIPS    = "total_ips img/s"
	MetricComputeTime = "compute_time"
	MetricDataTime    = "data_time"
	MetricQuantError  = "quantization_error"
)

// TopKAccuracy returns the percentage of the examples whose true class is among the k largest logits.
//
// labels are the classes shaped [batchSize, 1], or soft targets shaped [batchSize, numClasses], in which
// case the class with the largest target is taken as the true one. Ties count in favor of the true class.
func TopKAccuracy(labels, logits *Node, k int) *Node {
	g := logits.Graph()
	if logits.Rank() != 2 {
		Panicf("TopKAccuracy requires logits shaped [batchSize, numClasses], got %s", logits.Shape())
	}
	if k <= 0 {
		Panicf("TopKAccuracy requires k > 0, got %d", k)
	}
	batchSize, numClasses := logits.Shape().Dimensions[0], logits.Shape().Dimensions[1]
	logits = ConvertDType(logits, dtypes.Float32)

	var classes *Node
	if losses.IsSparse(labels) {
		classes = Reshape(labels, batchSize)
	} else {
		classes = ArgMax(labels, -1)
	}
	trueLogits := ReduceAndKeep(Mul(OneHot(classes, numClasses, dtypes.Float32), logits), ReduceSum, -1)
	rank := ReduceSum(ConvertDType(GreaterThan(logits, trueLogits), dtypes.Float32), -1)
	correct := ConvertDType(LessThan(rank, Scalar(g, dtypes.Float32, float64(k))), dtypes.Float32)
	return MulScalar(ReduceAllMean(correct), 100)
}

// accuracyMetric is a per-batch top-k accuracy for the trainer.
func accuracyMetric(k int) metrics.Interface {
	name := fmt.Sprintf("top%d", k)
	return metrics.NewBaseMetric(name, name, metrics.AccuracyMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return TopKAccuracy(labels[0], predictions[0], k)
		}, nil)
}

// evalGraph returns the loss and the top-1 and top-5 accuracies of a batch, with the model in inference mode.
func evalGraph(logitsFn func(ctx *context.Context, images *Node) *Node, lossFn losses.LossFn) func(ctx *context.Context, images, labels *Node) (loss, top1, top5 *Node) {
	return func(ctx *context.Context, images, labels *Node) (loss, top1, top5 *Node) {
		logits := logitsFn(ctx, images)
		loss = ConvertDType(lossFn([]*Node{labels}, []*Node{logits}), dtypes.Float32)
		return loss, TopKAccuracy(labels, logits, 1), TopKAccuracy(labels, logits, 5)
	}
}

// debugGraph returns the mean relative quantization error of the compressed activations and the loss of a batch.
func debugGraph(logitsFn func(ctx *context.Context, images *Node) *Node, lossFn losses.LossFn) func(ctx *context.Context, images, labels *Node) (quantError, loss *Node) {
	return func(ctx *context.Context, images, labels *Node) (quantError, loss *Node) {
		g := images.Graph()
		actnn.CollectErrors(ctx, g)
		logits := logitsFn(ctx, images)
		quantError, _ = actnn.CollectedError(ctx, g)
		loss = ConvertDType(lossFn([]*Node{labels}, []*Node{logits}), dtypes.Float32)
		return ConvertDType(quantError, dtypes.Float32), loss
	}
}

// scalarValue converts a scalar tensor returned by an exec to float64.
func scalarValue(t *tensors.Tensor) (float64, error) {
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("expected a scalar, got tensor shaped %s", t.Shape())
	}
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case float16.Float16:
		return float64(v.Float32()), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, errors.Errorf("unsupported scalar dtype %s", t.DType())
}
