// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lrschedule implements the per-epoch learning rate policies: step, cosine and linear decay,
// each preceded by a linear warmup.
//
// The learning rate is stored in the optimizer learning rate variable (see optimizers.LearningRateVar), so
// it is saved with checkpoints and read by the training graph without recompiling it.
package lrschedule

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Policy returns the learning rate for the given epoch (0-based).
type Policy func(epoch int) float64

// DefaultSteps are the epochs where the step policy multiplies the learning rate by DefaultDecay.
var DefaultSteps = []int{30, 60, 80}

// DefaultDecay is the factor applied by the step policy at each step.
const DefaultDecay = 0.1

// warmupLR returns the learning rate during the warmup, and whether epoch is still in warmup.
func warmupLR(base float64, warmup, epoch int) (float64, bool) {
	if epoch < warmup {
		return base * float64(epoch+1) / float64(warmup), true
	}
	return 0, false
}

// Step returns a policy that multiplies base by decay once for each of the steps (epochs) reached.
func Step(base float64, steps []int, decay float64, warmup int) Policy {
	return func(epoch int) float64 {
		if lr, ok := warmupLR(base, warmup, epoch); ok {
			return lr
		}
		lr := base
		for _, step := range steps {
			if epoch >= step {
				lr *= decay
			}
		}
		return lr
	}
}

// Cosine returns a policy that anneals base to 0 following half a cosine period, from the end
// of the warmup to the last epoch.
func Cosine(base float64, warmup, epochs int) Policy {
	return func(epoch int) float64 {
		if lr, ok := warmupLR(base, warmup, epoch); ok {
			return lr
		}
		e := float64(epoch - warmup)
		es := float64(epochs - warmup)
		return 0.5 * (1 + math.Cos(math.Pi*e/es)) * base
	}
}

// Linear returns a policy that decays base linearly to 0, from the end of the warmup to the last epoch.
func Linear(base float64, warmup, epochs int) Policy {
	return func(epoch int) float64 {
		if lr, ok := warmupLR(base, warmup, epoch); ok {
			return lr
		}
		e := float64(epoch - warmup)
		es := float64(epochs - warmup)
		return base * (1 - e/es)
	}
}

// New creates the policy with the given name: "step", "cosine" or "linear".
func New(name string, base float64, warmup, epochs int) (Policy, error) {
	switch name {
	case "step":
		return Step(base, DefaultSteps, DefaultDecay, warmup), nil
	case "cosine":
		return Cosine(base, warmup, epochs), nil
	case "linear":
		return Linear(base, warmup, epochs), nil
	}
	return nil, errors.Errorf("unknown learning rate schedule %q", name)
}

// MetricLogger receives the learning rate set at each epoch.
type MetricLogger interface {
	LogMetric(name string, value float64)
}

// Apply sets the optimizer learning rate variable in ctx to the value of the policy for epoch, and
// reports it to logger (if not nil) as "lr". It returns the learning rate set.
func Apply(ctx *context.Context, policy Policy, epoch int, logger MetricLogger) (float64, error) {
	lr := policy(epoch)
	if math.IsNaN(lr) || math.IsInf(lr, 0) {
		return 0, errors.Errorf("learning rate policy returned %g for epoch %d", lr, epoch)
	}
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, lr)
	if err := lrVar.SetValue(tensors.FromScalar(float32(lr))); err != nil {
		return 0, errors.WithMessagef(err, "setting learning rate for epoch %d", epoch)
	}
	if logger != nil {
		logger.LogMetric("lr", lr)
	}
	return lr, nil
}
