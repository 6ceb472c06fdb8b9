// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the classification losses of the training driver, with the signature
// of train.LossFn: func(labels, logits []*Node) *Node.
//
// Labels are either sparse, integer class indices shaped [batchSize, 1], or dense, float targets shaped
// like the logits (e.g. the soft targets produced by MixUp). Logits are shaped [batchSize, numClasses].
// All losses return a scalar, the mean over the batch.
package losses

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// LossFn is the signature used by train.Trainer.
type LossFn = func(labels, logits []*Node) *Node

// logProbabilities returns the log-softmax of the logits, computed in at least float32.
func logProbabilities(logits *Node) *Node {
	if logits.Rank() != 2 {
		Panicf("classification losses require logits shaped [batchSize, numClasses], got logits.shape=%s", logits.Shape())
	}
	if logits.DType() == dtypes.Float16 || logits.DType() == dtypes.BFloat16 {
		logits = ConvertDType(logits, dtypes.Float32)
	}
	return LogSoftmax(logits)
}

// IsSparse returns whether labels hold class indices (as opposed to dense targets).
func IsSparse(labels *Node) bool {
	return !labels.DType().IsFloat()
}

// denseTargets returns the labels as a distribution over classes, with the same shape and dtype as logProbs.
func denseTargets(labels, logProbs *Node) *Node {
	numClasses := logProbs.Shape().Dimensions[1]
	if IsSparse(labels) {
		batchSize := labels.Shape().Dimensions[0]
		indices := Reshape(labels, batchSize)
		return OneHot(indices, numClasses, logProbs.DType())
	}
	if !slices.Equal(labels.Shape().Dimensions, logProbs.Shape().Dimensions) {
		Panicf("dense labels (%s) must have the same shape as the logits (%s)", labels.Shape(), logProbs.Shape())
	}
	if labels.DType() != logProbs.DType() {
		labels = ConvertDType(labels, logProbs.DType())
	}
	return labels
}

// CrossEntropy returns the mean cross-entropy of the logits given sparse or dense labels.
func CrossEntropy(labels, logits []*Node) *Node {
	logProbs := logProbabilities(logits[0])
	targets := denseTargets(labels[0], logProbs)
	return ReduceAllMean(ReduceSum(Neg(Mul(targets, logProbs)), -1))
}

// smoothedLoss returns the mean of (1-smoothing)*nll + smoothing*mean(-logProbs), where the
// mean over classes is the cross-entropy with the uniform distribution.
func smoothedLoss(targets, logProbs *Node, smoothing float64) *Node {
	nll := ReduceSum(Neg(Mul(targets, logProbs)), -1)
	smooth := Neg(ReduceMean(logProbs, -1))
	loss := Add(MulScalar(nll, 1-smoothing), MulScalar(smooth, smoothing))
	return ReduceAllMean(loss)
}

// LabelSmoothing returns the cross-entropy loss with label smoothing: the target distribution is
// (1-smoothing) on the labeled class plus smoothing spread uniformly over all classes.
func LabelSmoothing(smoothing float64) LossFn {
	return func(labels, logits []*Node) *Node {
		logProbs := logProbabilities(logits[0])
		return smoothedLoss(denseTargets(labels[0], logProbs), logProbs, smoothing)
	}
}

// NLLMultiLabelSmooth returns the smoothed negative log-likelihood of dense (multi-label) targets, as
// produced by MixUp.
//
// Sparse labels, like the ones given during evaluation, fall back to plain cross-entropy.
func NLLMultiLabelSmooth(smoothing float64) LossFn {
	return func(labels, logits []*Node) *Node {
		if IsSparse(labels[0]) {
			return CrossEntropy(labels, logits)
		}
		logProbs := logProbabilities(logits[0])
		return smoothedLoss(denseTargets(labels[0], logProbs), logProbs, smoothing)
	}
}

// Select returns the loss used for training:
//
//   - mixup > 0: NLLMultiLabelSmooth(smoothing).
//   - smoothing > 0: LabelSmoothing(smoothing).
//   - otherwise: CrossEntropy.
func Select(mixup, smoothing float64) (name string, loss LossFn) {
	switch {
	case mixup > 0:
		return "nll_multilabel_smooth", NLLMultiLabelSmooth(smoothing)
	case smoothing > 0:
		return "label_smoothing", LabelSmoothing(smoothing)
	default:
		return "cross_entropy", CrossEntropy
	}
}
