// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is one entry of the JSON report.
type Event struct {
	Time      time.Time `json:"time"`
	Phase     string    `json:"phase,omitempty"`
	Epoch     int       `json:"epoch"`
	Iteration int       `json:"iteration,omitempty"`
	Metrics   Metrics   `json:"metrics"`
}

// Report is the contents of the JSON report file.
type Report struct {
	Tags       map[string]any `json:"tags"`
	Iterations []Event        `json:"iterations"`
	Epochs     []Event        `json:"epochs"`
	Summary    Metrics        `json:"summary,omitempty"`
}

// Metrics maps metric names to values. In JSON non-finite values (a diverged loss, for instance)
// are written as null, and read back as NaN.
type Metrics map[string]float64

// MarshalJSON implements json.Marshaler.
func (m Metrics) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	values := make(map[string]*float64, len(m))
	for name, value := range m {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			values[name] = nil
			continue
		}
		values[name] = &value
	}
	return json.Marshal(values)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var values map[string]*float64
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values == nil {
		*m = nil
		return nil
	}
	*m = make(Metrics, len(values))
	for name, value := range values {
		if value == nil {
			(*m)[name] = math.NaN()
			continue
		}
		(*m)[name] = *value
	}
	return nil
}

// JSONBackend keeps the events in memory and rewrites the report file at the end of every epoch
// and at the end of the run. Iterations are only recorded if logIterations is set.
type JSONBackend struct {
	filePath      string
	logIterations bool
	report        Report
}

var _ Backend = (*JSONBackend)(nil)

// NewJSONBackend creates a JSONBackend writing to filePath.
func NewJSONBackend(filePath string, logIterations bool) *JSONBackend {
	return &JSONBackend{
		filePath:      filePath,
		logIterations: logIterations,
		report:        Report{Tags: make(map[string]any)},
	}
}

// LogRunTag implements Backend.
func (b *JSONBackend) LogRunTag(key string, value any) {
	b.report.Tags[key] = value
}

// LogIteration implements Backend.
func (b *JSONBackend) LogIteration(phase string, epoch, iteration int, metrics map[string]float64) {
	if !b.logIterations {
		return
	}
	b.report.Iterations = append(b.report.Iterations, Event{
		Time: time.Now(), Phase: phase, Epoch: epoch, Iteration: iteration, Metrics: metrics})
}

// LogEpoch implements Backend.
func (b *JSONBackend) LogEpoch(epoch int, metrics map[string]float64) {
	b.report.Epochs = append(b.report.Epochs, Event{Time: time.Now(), Epoch: epoch, Metrics: metrics})
	if err := b.write(); err != nil {
		klog.Errorf("failed to write report: %+v", err)
	}
}

// LogEnd implements Backend.
func (b *JSONBackend) LogEnd(metrics map[string]float64) {
	b.report.Summary = metrics
}

// Close implements Backend: it writes the final report.
func (b *JSONBackend) Close() error {
	return b.write()
}

func (b *JSONBackend) write() error {
	contents, err := json.MarshalIndent(&b.report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}
	tmpPath := b.filePath + ".tmp"
	if err = os.WriteFile(tmpPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "writing report to %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, b.filePath), "renaming report to %q", b.filePath)
}

// ReadReport reads a report written by JSONBackend.
func ReadReport(filePath string) (*Report, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading report %q", filePath)
	}
	report := &Report{}
	if err = json.Unmarshal(contents, report); err != nil {
		return nil, errors.Wrapf(err, "parsing report %q", filePath)
	}
	return report, nil
}
