// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report logs the training run: run tags, per-iteration and per-epoch metrics, fanned out
// to a list of backends (JSON file, stdout, remote tracker, trace file).
package report

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Phases of the training loop, used to prefix metric names.
const (
	PhaseTrain = "train"
	PhaseVal   = "val"
	PhaseDebug = "debug"
)

// Backend receives the events of a Logger. Calls are serialized by the Logger.
type Backend interface {
	LogRunTag(key string, value any)

	// LogIteration is called every print-frequency iterations with the metrics logged since the
	// previous call.
	LogIteration(phase string, epoch, iteration int, metrics map[string]float64)

	// LogEpoch is called at the end of each epoch with the mean of each metric over the epoch.
	LogEpoch(epoch int, metrics map[string]float64)

	// LogEnd is called once, at the end of the run, with the summary metrics.
	LogEnd(metrics map[string]float64)

	// Close releases the resources of the backend.
	Close() error
}

// meter accumulates the mean of a metric.
type meter struct {
	sum   float64
	count int
}

func (m *meter) add(value float64) {
	m.sum += value
	m.count++
}

func (m *meter) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Logger dispatches the metrics to its backends. It is safe for concurrent use.
type Logger struct {
	printFreq int
	backends  []Backend

	mu        sync.Mutex
	epoch     int
	iteration map[string]*meter
	epochMean map[string]*meter
	summary   map[string]float64
	ended     bool
}

// NewLogger creates a Logger that reports iterations every printFreq iterations.
func NewLogger(printFreq int, backends ...Backend) *Logger {
	return &Logger{
		printFreq: max(printFreq, 1),
		backends:  backends,
		iteration: make(map[string]*meter),
		epochMean: make(map[string]*meter),
		summary:   make(map[string]float64),
	}
}

// LogRunTag records a run-level tag, e.g. a hyperparameter.
func (l *Logger) LogRunTag(key string, value any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.backends {
		b.LogRunTag(key, value)
	}
}

// LogRunTags records the tags sorted by key.
func (l *Logger) LogRunTags(tags map[string]any) {
	for _, key := range slices.Sorted(maps.Keys(tags)) {
		l.LogRunTag(key, tags[key])
	}
}

// LogMetric records the value of a metric for the current iteration and epoch.
func (l *Logger) LogMetric(name string, value float64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	meterFor(l.iteration, name).add(value)
	meterFor(l.epochMean, name).add(value)
}

// LogSummary records a metric reported only at the end of the run.
func (l *Logger) LogSummary(name string, value float64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary[name] = value
}

func meterFor(meters map[string]*meter, name string) *meter {
	m, found := meters[name]
	if !found {
		m = &meter{}
		meters[name] = m
	}
	return m
}

func means(meters map[string]*meter) map[string]float64 {
	values := make(map[string]float64, len(meters))
	for name, m := range meters {
		values[name] = m.mean()
	}
	return values
}

// StartEpoch sets the current epoch and resets the epoch means.
func (l *Logger) StartEpoch(epoch int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
	clear(l.epochMean)
	clear(l.iteration)
}

// EndIteration marks the end of an iteration (counted from 1) of the given phase. Every printFreq
// iterations, the metrics logged since the last report are sent to the backends.
func (l *Logger) EndIteration(phase string, iteration int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if iteration%l.printFreq != 0 || len(l.iteration) == 0 {
		return
	}
	metrics := means(l.iteration)
	clear(l.iteration)
	for _, b := range l.backends {
		b.LogIteration(phase, l.epoch, iteration, metrics)
	}
}

// EndEpoch sends the epoch means of every metric to the backends, and returns them.
func (l *Logger) EndEpoch() map[string]float64 {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	metrics := means(l.epochMean)
	for _, b := range l.backends {
		b.LogEpoch(l.epoch, metrics)
	}
	clear(l.iteration)
	return metrics
}

// End sends the summary to the backends and closes them. Further calls are no-ops.
func (l *Logger) End() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return nil
	}
	l.ended = true
	var firstErr error
	for _, b := range l.backends {
		b.LogEnd(maps.Clone(l.summary))
		if err := b.Close(); err != nil {
			klog.Errorf("closing report backend %T: %+v", b, err)
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "closing report backend %T", b)
			}
		}
	}
	return firstErr
}

// MetricName returns the name of a metric in a phase, e.g. "train.loss".
func MetricName(phase, metric string) string {
	return phase + "." + metric
}
