// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lrschedule

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmup(t *testing.T) {
	for _, name := range []string{"step", "cosine", "linear"} {
		policy, err := New(name, 0.4, 4, 90)
		require.NoError(t, err)
		for epoch, want := range []float64{0.1, 0.2, 0.3, 0.4} {
			assert.InDelta(t, want, policy(epoch), 1e-9, "%s: epoch %d", name, epoch)
		}
	}
	_, err := New("exponential", 0.4, 4, 90)
	require.Error(t, err)
}

func TestStep(t *testing.T) {
	policy := Step(1.0, DefaultSteps, DefaultDecay, 0)
	assert.Equal(t, 1.0, policy(0))
	assert.Equal(t, 1.0, policy(29))
	assert.InDelta(t, 0.1, policy(30), 1e-12)
	assert.InDelta(t, 0.01, policy(60), 1e-12)
	assert.InDelta(t, 0.001, policy(80), 1e-12)
	assert.InDelta(t, 0.001, policy(89), 1e-12)
}

func TestCosine(t *testing.T) {
	policy := Cosine(0.512, 4, 90)
	assert.InDelta(t, 0.512, policy(4), 1e-12)
	// Half-way through the annealing, the learning rate is half of the base.
	assert.InDelta(t, 0.256, policy(4+43), 1e-12)
	e, es := 10.0, 86.0
	assert.InDelta(t, 0.5*(1+math.Cos(math.Pi*e/es))*0.512, policy(14), 1e-12)
	assert.InDelta(t, 0.0, policy(90), 1e-12)
}

func TestLinear(t *testing.T) {
	policy := Linear(1.0, 2, 12)
	assert.InDelta(t, 1.0, policy(2), 1e-12)
	assert.InDelta(t, 0.5, policy(7), 1e-12)
	assert.InDelta(t, 0.1, policy(11), 1e-12)
}

type recordingLogger map[string]float64

func (r recordingLogger) LogMetric(name string, value float64) { r[name] = value }

func TestApply(t *testing.T) {
	ctx := context.New()
	logger := recordingLogger{}
	policy := Step(0.2, DefaultSteps, DefaultDecay, 0)

	lr, err := Apply(ctx, policy, 0, logger)
	require.NoError(t, err)
	assert.Equal(t, 0.2, lr)
	assert.Equal(t, 0.2, logger["lr"])
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, 0)
	assert.InDelta(t, 0.2, tensors.ToScalar[float32](lrVar.MustValue()), 1e-7)

	lr, err = Apply(ctx, policy, 30, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, lr, 1e-12)
	assert.InDelta(t, 0.02, tensors.ToScalar[float32](lrVar.MustValue()), 1e-7)

	_, err = Apply(ctx, Linear(1, 0, 0), 0, nil)
	require.Error(t, err, "0/0 yields a NaN learning rate")
}
