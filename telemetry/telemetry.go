// Package telemetry reports gateway lifecycle events to an optional
// collector endpoint. Events are delivered asynchronously as JSON POSTs;
// with no endpoint configured every call is a no-op.
package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is one lifecycle event.
type Event struct {
	Action          string    `json:"action"`
	Server          string    `json:"server"`
	Version         string    `json:"version"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Reporter queues events and posts them in the background. Capture never
// blocks the caller; Flush waits for the queue to drain.
type Reporter struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger

	queue     chan Event
	flushOnce sync.Once
	done      sync.WaitGroup
}

// NewReporter starts a reporter for the given collector endpoint. An empty
// endpoint disables reporting entirely.
func NewReporter(endpoint string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logger,
		queue:    make(chan Event, 16),
	}
	r.done.Add(1)
	go r.loop()
	return r
}

// Capture queues an event for delivery. Events are dropped, not blocked on,
// when the queue is full or the reporter is disabled.
func (r *Reporter) Capture(ev Event) {
	if r.endpoint == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- ev:
	default:
		r.log.Debug("telemetry queue full, dropping event", "action", ev.Action)
	}
}

// Flush stops intake and waits until every queued event has been delivered
// or abandoned. Safe to call more than once.
func (r *Reporter) Flush() {
	r.flushOnce.Do(func() { close(r.queue) })
	r.done.Wait()
}

func (r *Reporter) loop() {
	defer r.done.Done()
	for ev := range r.queue {
		r.post(ev)
	}
}

func (r *Reporter) post(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("marshal telemetry event", "error", err)
		return
	}
	resp, err := r.client.Post(r.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		r.log.Debug("telemetry delivery failed", "action", ev.Action, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		r.log.Debug("telemetry collector rejected event",
			"action", ev.Action, "status", resp.StatusCode)
	}
}
