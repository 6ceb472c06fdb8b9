// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/actnn/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "Please use only one of the --fp16/--amp flags",
		failureMessage(errors.WithMessage(config.ErrPrecisionFlags, "validating arguments")))
	assert.Contains(t, failureMessage(errors.New("out of memory")), "Training failed: out of memory")
}
