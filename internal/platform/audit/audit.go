// Package audit emits immutable compliance events for inventory
// mutations. Ledger transactions and waste records route through a
// Recorder so the trail survives independent of request logging.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a single immutable audit fact.
type Event struct {
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	SubjectID  string            `json:"subject_id"`
	Actor      string            `json:"actor"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Recorder persists audit events. Implementations must not mutate the
// event after Record returns.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, e Event) error

func (f RecorderFunc) Record(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// ZerologRecorder writes events as structured log lines.
type ZerologRecorder struct {
	logger zerolog.Logger
}

// NewZerologRecorder returns a Recorder backed by the given logger.
func NewZerologRecorder(logger zerolog.Logger) *ZerologRecorder {
	return &ZerologRecorder{logger: logger}
}

func (r *ZerologRecorder) Record(_ context.Context, e Event) error {
	evt := r.logger.Info().
		Str("type", "audit_event").
		Str("action", e.Action).
		Str("resource", e.Resource).
		Str("subject_id", e.SubjectID).
		Str("actor", e.Actor).
		Time("occurred_at", e.OccurredAt)
	for k, v := range e.Detail {
		evt = evt.Str("detail_"+k, v)
	}
	evt.Msg("audit")
	return nil
}

// AsyncRecorder buffers events and delivers them on a background
// goroutine so the mutation path never blocks on the audit sink. Events
// arriving after Close, or while the buffer is full, are dropped and
// counted.
type AsyncRecorder struct {
	inner   Recorder
	events  chan Event
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewAsyncRecorder wraps inner with a buffer of the given size.
func NewAsyncRecorder(inner Recorder, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &AsyncRecorder{
		inner:  inner,
		events: make(chan Event, buffer),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *AsyncRecorder) drain() {
	defer r.wg.Done()
	for e := range r.events {
		_ = r.inner.Record(context.Background(), e)
	}
}

func (r *AsyncRecorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		return nil
	}
	select {
	case r.events <- e:
	default:
		r.dropped++
	}
	return nil
}

// Dropped returns the number of events discarded due to backpressure or
// recording after Close.
func (r *AsyncRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting events and waits for the buffer to flush.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.events)
	r.wg.Wait()
}
