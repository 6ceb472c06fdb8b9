// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrackerQueueSize is the number of pending requests of a TrackerBackend. Events logged while the
// queue is full are dropped.
const TrackerQueueSize = 1024

// DefaultTrackerCloseTimeout is the default time TrackerBackend.Close waits for the pending requests.
const DefaultTrackerCloseTimeout = time.Minute

type trackerRequest struct {
	path string
	body any
}

// TrackerBackend sends the events to a remote experiment tracker over HTTP, as JSON:
//
//   - POST <url>/runs: {"id", "project", "name", "config"} when the first event is logged.
//   - POST <url>/runs/<id>/log: {"phase", "epoch", "iteration", "metrics"} for each event.
//   - POST <url>/runs/<id>/finish: {"summary"} when closed.
//
// Requests are sent by a background goroutine, and failures are logged but don't stop the training.
type TrackerBackend struct {
	url, project, name string
	client             *http.Client

	// RunID identifies the run in the tracker.
	RunID string

	// CloseTimeout bounds the time Close waits for the pending requests. After it, the request
	// in flight is canceled and the remaining ones are dropped.
	CloseTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	tags    map[string]any
	started bool
	summary map[string]float64
	queue   chan trackerRequest
	done    chan struct{}
}

var _ Backend = (*TrackerBackend)(nil)

// NewTrackerBackend creates the backend and starts its sender goroutine. If client is nil,
// a client with a 30 seconds timeout is used.
func NewTrackerBackend(url, project, name string, client *http.Client) *TrackerBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	b := &TrackerBackend{
		url:          strings.TrimSuffix(url, "/"),
		project:      project,
		name:         name,
		client:       client,
		RunID:        uuid.NewString(),
		CloseTimeout: DefaultTrackerCloseTimeout,
		tags:         make(map[string]any),
		queue:        make(chan trackerRequest, TrackerQueueSize),
		done:         make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	go b.sender()
	return b
}

func (b *TrackerBackend) sender() {
	defer close(b.done)
	for req := range b.queue {
		if b.ctx.Err() != nil {
			continue
		}
		if err := b.post(req); err != nil {
			klog.Warningf("tracker: %v", err)
		}
	}
}

func (b *TrackerBackend) post(req trackerRequest) error {
	body, err := json.Marshal(req.body)
	if err != nil {
		return errors.Wrapf(err, "encoding request to %s", req.path)
	}
	httpReq, err := http.NewRequestWithContext(b.ctx, http.MethodPost, b.url+req.path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "creating request to %s", req.path)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "posting to %s", req.path)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("posting to %s: status %s", req.path, resp.Status)
	}
	return nil
}

// enqueue adds the request, dropping it if the queue is full.
func (b *TrackerBackend) enqueue(path string, body any) {
	b.ensureStarted()
	select {
	case b.queue <- trackerRequest{path: path, body: body}:
	default:
		klog.Warningf("tracker: queue full, dropping request to %s", path)
	}
}

func (b *TrackerBackend) ensureStarted() {
	if b.started {
		return
	}
	b.started = true
	b.queue <- trackerRequest{path: "/runs", body: map[string]any{
		"id":      b.RunID,
		"project": b.project,
		"name":    b.name,
		"config":  b.tags,
	}}
}

func (b *TrackerBackend) runPath(action string) string {
	return "/runs/" + b.RunID + "/" + action
}

// LogRunTag implements Backend. Tags are sent with the creation of the run.
func (b *TrackerBackend) LogRunTag(key string, value any) {
	if b.started {
		klog.V(1).Infof("tracker: run tag %q set after the run started is ignored", key)
		return
	}
	b.tags[key] = value
}

// LogIteration implements Backend.
func (b *TrackerBackend) LogIteration(phase string, epoch, iteration int, metrics map[string]float64) {
	b.enqueue(b.runPath("log"), map[string]any{
		"phase": phase, "epoch": epoch, "iteration": iteration, "metrics": Metrics(metrics)})
}

// LogEpoch implements Backend.
func (b *TrackerBackend) LogEpoch(epoch int, metrics map[string]float64) {
	b.enqueue(b.runPath("log"), map[string]any{"epoch": epoch, "metrics": Metrics(metrics)})
}

// LogEnd implements Backend.
func (b *TrackerBackend) LogEnd(metrics map[string]float64) {
	b.summary = metrics
}

// Close implements Backend: it sends the finish request and waits for the pending requests,
// for at most CloseTimeout.
func (b *TrackerBackend) Close() error {
	defer b.cancel()
	timer := time.NewTimer(b.CloseTimeout)
	defer timer.Stop()
	b.ensureStarted()
	select {
	case b.queue <- trackerRequest{path: b.runPath("finish"), body: map[string]any{"summary": Metrics(b.summary)}}:
	case <-timer.C:
		klog.Warningf("tracker: queue still full after %s, dropping the finish request", b.CloseTimeout)
		b.cancel()
	}
	close(b.queue)
	select {
	case <-b.done:
	case <-timer.C:
		klog.Warningf("tracker: pending requests not sent after %s, dropping %d", b.CloseTimeout, len(b.queue))
		b.cancel()
		<-b.done
	}
	return nil
}
