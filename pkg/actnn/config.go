// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package actnn implements activation-compressed training: the activations a layer keeps for
// its backward pass are quantized per group to a few bits (optionally with stochastic rounding),
// and the gradients of the layer parameters are computed from the quantized activations.
//
// The behavior is controlled by a global Config (see Global), usually set with SetOptimizationLevel
// followed by Configure. The layers in this package (Conv, Dense, BatchNorm, ReLU) read it when
// the graph is built.
package actnn

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the activation compression configuration.
type Config struct {
	// Level is the last optimization level set with SetOptimizationLevel.
	Level string

	// CompressActivation enables the compression of the saved activations.
	CompressActivation bool

	// ActivationCompressionBits lists the bits used: the first is used for convolutions and dense layers,
	// the second (if present) for batch normalization and the third (if present) for ReLU masks.
	ActivationCompressionBits []float64

	// InitialBits is the starting precision of the per-sample bit allocation.
	InitialBits int

	// Stochastic enables stochastic rounding when quantizing.
	Stochastic bool

	// QAT is the number of bits used to fake-quantize the weights of convolutions and dense layers
	// (quantization-aware training). Values <= 0 or >= 32 disable it.
	QAT int

	// UseGradient weights the per-sample bit allocation by gradient statistics.
	UseGradient bool

	// GroupSize is the number of consecutive values (per example) sharing one quantization range.
	GroupSize int

	// NumSamples is the number of training examples, used to size per-sample statistics.
	NumSamples int

	// AdaptiveConvScheme and AdaptiveBNScheme enable the per-sample bit allocation
	// for convolutions/dense layers and for batch normalization respectively.
	AdaptiveConvScheme, AdaptiveBNScheme bool

	// EnableQuantizedBN compresses the activations saved by batch normalization.
	EnableQuantizedBN bool

	// Swap and Prefetch request offloading the compressed activations to host memory.
	// They are recorded, but the graph backend decides on memory placement.
	Swap, Prefetch bool
}

// DefaultConfig returns the configuration before any optimization level is applied.
func DefaultConfig() *Config {
	return &Config{
		Level:                     "",
		CompressActivation:        true,
		ActivationCompressionBits: []float64{2, 8, 8},
		InitialBits:               8,
		Stochastic:                true,
		QAT:                       0,
		GroupSize:                 256,
		AdaptiveConvScheme:        true,
		AdaptiveBNScheme:          true,
		EnableQuantizedBN:         true,
	}
}

var (
	globalMu sync.RWMutex
	global   = DefaultConfig()
)

// Global returns a copy of the current global configuration.
func Global() Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	c := *global
	c.ActivationCompressionBits = append([]float64(nil), global.ActivationCompressionBits...)
	return c
}

// SetGlobal replaces the global configuration.
func SetGlobal(c Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	c.ActivationCompressionBits = append([]float64(nil), c.ActivationCompressionBits...)
	global = &c
}

// ResetGlobal restores the global configuration to DefaultConfig.
func ResetGlobal() {
	SetGlobal(*DefaultConfig())
}

// SetOptimizationLevel applies one of the preset levels to the global configuration:
//
//   - L0: no compression.
//   - L1: 4-bit activations for convolutions and dense layers, full precision batch normalization.
//   - L2: 4-bit activations, including batch normalization.
//   - L3: 2-bit activations with per-sample adaptive bits.
//   - L3.1: L3 with lighter memory settings.
//   - L4: L3 plus swapping compressed activations to host.
//   - L5: L4 plus prefetching.
func SetOptimizationLevel(level string) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	c := global
	switch level {
	case "L0":
		c.CompressActivation = false
		c.AdaptiveConvScheme, c.AdaptiveBNScheme = false, false
	case "L1":
		c.ActivationCompressionBits = []float64{4}
		c.AdaptiveConvScheme, c.AdaptiveBNScheme = false, false
		c.EnableQuantizedBN = false
	case "L2":
		c.ActivationCompressionBits = []float64{4}
		c.AdaptiveConvScheme, c.AdaptiveBNScheme = false, false
	case "L3", "L3.1":
	case "L4":
		c.Swap = true
	case "L5":
		c.Swap = true
		c.Prefetch = true
	default:
		return errors.Errorf("invalid optimization level %q", level)
	}
	c.Level = level
	return nil
}

// Options are the command-line settings that refine an optimization level, see Configure.
type Options struct {
	CABits      float64
	InitialBits int
	Stochastic  bool
	QAT         int
	UseGradient bool
	GroupSize   int
	NumSamples  int
}

// Configure sets the optimization level and then applies the options on top of it.
//
// For levels L1 and L2 the compression bits are truncated to an integer number of bits, which is also
// used as the initial bits of the allocation. For the other levels the (possibly fractional)
// bits are used as the average number of bits per value.
func Configure(level string, opts Options) error {
	if err := SetOptimizationLevel(level); err != nil {
		return err
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	c := global
	if level == "L1" || level == "L2" {
		bits := float64(int(opts.CABits))
		c.ActivationCompressionBits = []float64{bits}
		c.InitialBits = int(opts.CABits)
	} else {
		c.ActivationCompressionBits = []float64{opts.CABits}
		if opts.InitialBits > 0 {
			c.InitialBits = opts.InitialBits
		}
	}
	c.Stochastic = opts.Stochastic
	c.QAT = opts.QAT
	c.UseGradient = opts.UseGradient
	c.GroupSize = opts.GroupSize
	if opts.NumSamples > 0 {
		c.NumSamples = opts.NumSamples
	}
	if c.GroupSize <= 0 {
		return errors.Errorf("invalid group size %d", c.GroupSize)
	}
	if c.QAT > 0 && c.QAT < MinQATBits {
		return errors.Errorf("invalid QAT bits %d, must be at least %d (or 0 to disable)", c.QAT, MinQATBits)
	}
	for _, bits := range c.ActivationCompressionBits {
		if bits < 1 || bits > MaxBits {
			return errors.Errorf("invalid activation compression bits %g, must be in [1, %d]", bits, MaxBits)
		}
	}
	if c.UseGradient {
		klog.Warningf("per-sample gradient statistics are not collected, bits are allocated by activation ranges only")
	}
	return nil
}

// MaxBits is the largest number of bits supported for the activations.
const MaxBits = 16

// MinQATBits is the smallest number of bits of the fake-quantized weights: with a sign bit, one bit
// leaves no quantization levels.
const MinQATBits = 2

// ConvBits returns the bits used for convolution and dense layer activations.
func (c *Config) ConvBits() float64 {
	return c.bitsAt(0)
}

// BNBits returns the bits used for batch normalization activations.
func (c *Config) BNBits() float64 {
	return c.bitsAt(1)
}

func (c *Config) bitsAt(idx int) float64 {
	if len(c.ActivationCompressionBits) == 0 {
		return 8
	}
	if idx >= len(c.ActivationCompressionBits) {
		// Levels with a single entry use it everywhere.
		return c.ActivationCompressionBits[0]
	}
	return c.ActivationCompressionBits[idx]
}

// QATEnabled returns whether weights are fake-quantized.
func (c *Config) QATEnabled() bool {
	return c.CompressActivation && c.QAT >= MinQATBits && c.QAT < 32
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("actnn(level=%s, compress=%v, bits=%v, initial_bits=%d, stochastic=%v, qat=%d, "+
		"group_size=%d, adaptive_conv=%v, adaptive_bn=%v, quantized_bn=%v, swap=%v)",
		c.Level, c.CompressActivation, c.ActivationCompressionBits, c.InitialBits, c.Stochastic, c.QAT,
		c.GroupSize, c.AdaptiveConvScheme, c.AdaptiveBNScheme, c.EnableQuantizedBN, c.Swap)
}
