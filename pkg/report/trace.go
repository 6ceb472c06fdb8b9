// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceBackend records the run as OpenTelemetry spans written as JSON: one span for the run, one
// child span per epoch, and one event per reported iteration.
type TraceBackend struct {
	file     io.Closer
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	runCtx   context.Context
	runSpan  trace.Span
	epochNum int
	epoch    trace.Span
	tags     []attribute.KeyValue
}

var _ Backend = (*TraceBackend)(nil)

// NewTraceBackend creates a TraceBackend writing to the given file.
func NewTraceBackend(filePath, runName string) (*TraceBackend, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating trace file %q", filePath)
	}
	b, err := newTraceBackend(f, runName)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	b.file = f
	return b, nil
}

func newTraceBackend(w io.Writer, runName string) (*TraceBackend, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "creating trace exporter")
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "actnn_train"),
			attribute.String("run.name", runName),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating trace resource")
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	b := &TraceBackend{provider: provider, tracer: provider.Tracer("github.com/gomlx/actnn/pkg/report"), epochNum: -1}
	b.runCtx, b.runSpan = b.tracer.Start(context.Background(), "run")
	return b, nil
}

// LogRunTag implements Backend: tags are attributes of the run span.
func (b *TraceBackend) LogRunTag(key string, value any) {
	b.runSpan.SetAttributes(toAttribute("tag."+key, value))
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	}
	return attribute.String(key, fmt.Sprint(value))
}

func metricAttributes(metrics map[string]float64) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(metrics))
	for name, value := range metrics {
		attrs = append(attrs, attribute.Float64(name, value))
	}
	return attrs
}

// startEpoch makes sure the span of the epoch is open.
func (b *TraceBackend) startEpoch(epoch int) {
	if b.epoch != nil && b.epochNum == epoch {
		return
	}
	if b.epoch != nil {
		b.epoch.End()
	}
	b.epochNum = epoch
	_, b.epoch = b.tracer.Start(b.runCtx, "epoch", trace.WithAttributes(attribute.Int("epoch", epoch)))
}

// LogIteration implements Backend.
func (b *TraceBackend) LogIteration(phase string, epoch, iteration int, metrics map[string]float64) {
	b.startEpoch(epoch)
	attrs := append(metricAttributes(metrics), attribute.Int("iteration", iteration))
	b.epoch.AddEvent(phase, trace.WithAttributes(attrs...))
}

// LogEpoch implements Backend: it closes the span of the epoch.
func (b *TraceBackend) LogEpoch(epoch int, metrics map[string]float64) {
	b.startEpoch(epoch)
	b.epoch.SetAttributes(metricAttributes(metrics)...)
	b.epoch.End()
	b.epoch = nil
}

// LogEnd implements Backend.
func (b *TraceBackend) LogEnd(metrics map[string]float64) {
	if b.epoch != nil {
		b.epoch.End()
		b.epoch = nil
	}
	b.runSpan.SetAttributes(metricAttributes(metrics)...)
}

// Close implements Backend: it ends the run span and flushes the spans.
func (b *TraceBackend) Close() error {
	b.runSpan.End()
	err := errors.Wrap(b.provider.Shutdown(context.Background()), "flushing traces")
	if b.file != nil {
		if closeErr := b.file.Close(); err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "closing trace file")
		}
	}
	return err
}
