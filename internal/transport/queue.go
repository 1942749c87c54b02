// Package transport serialises racing play/pause/stop requests into one
// deterministic outcome per audio source.
//
// Every [Queue.Enqueue] call takes the next global sequence number and
// replaces whatever command was still pending for the same source, so the
// queue never holds more than one command per source. A single deferred
// flush applies the surviving commands in sequence order through an
// [Applier], skipping anything at or below the last sequence already applied
// to that source.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/observe"
	"go.opentelemetry.io/otel/metric"
)

// Intent is the requested transport action.
type Intent string

const (
	IntentStart Intent = "start"
	IntentPause Intent = "pause"
	IntentStop  Intent = "stop"
)

// IsValid reports whether i is a known intent.
func (i Intent) IsValid() bool {
	switch i {
	case IntentStart, IntentPause, IntentStop:
		return true
	}
	return false
}

// ErrNotReady is returned by an [Applier] when the graph is not initialised
// or the source has no decoded buffer. The command is then counted as applied
// and dropped without surfacing an error.
var ErrNotReady = errors.New("transport: target not ready")

const (
	statusApplied = "applied"
	statusStale   = "stale"
	statusSkipped = "skipped"
	statusFailed  = "failed"
)

// Command is one queued transport request.
type Command struct {
	Sequence   uint64
	Intent     Intent
	SourceID   string
	EnqueuedAt time.Time
}

// Applier executes commands against the audio graph.
type Applier interface {
	ApplyTransport(cmd Command) error
}

// Scheduler runs f once, after the caller returns. The default uses a
// zero-delay timer.
type Scheduler func(f func())

func defaultScheduler(f func()) { time.AfterFunc(0, f) }

// Option is a functional option for [New].
type Option func(*Queue)

// WithScheduler overrides how deferred flushes are armed.
func WithScheduler(s Scheduler) Option {
	return func(q *Queue) { q.schedule = s }
}

// WithStats records latencies into s.
func WithStats(s *Stats) Option {
	return func(q *Queue) { q.stats = s }
}

// WithMetrics records command metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides the time source used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue coalesces transport commands.
//
// All methods are safe for concurrent use.
type Queue struct {
	applier  Applier
	schedule Scheduler
	stats    *Stats
	metrics  *observe.Metrics
	now      func() time.Time

	mu         sync.Mutex
	seq        uint64
	pending    map[string]Command
	flushArmed bool

	// flushMu serialises flushes so lastApplied is only touched by one.
	flushMu     sync.Mutex
	lastApplied map[string]uint64
}

// New creates a queue applying commands through a.
func New(a Applier, opts ...Option) *Queue {
	q := &Queue{
		applier:     a,
		schedule:    defaultScheduler,
		now:         time.Now,
		pending:     make(map[string]Command),
		lastApplied: make(map[string]uint64),
	}
	for _, o := range opts {
		o(q)
	}
	if q.stats == nil {
		q.stats = NewStats(DefaultWindow)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Stats returns the latency statistics of this queue.
func (q *Queue) Stats() *Stats { return q.stats }

// Enqueue records intent for sourceID and arms a flush if none is pending.
// It returns the assigned sequence number.
func (q *Queue) Enqueue(sourceID string, intent Intent) (uint64, error) {
	if !intent.IsValid() {
		return 0, fmt.Errorf("transport: unknown intent %q", intent)
	}
	q.mu.Lock()
	q.seq++
	cmd := Command{Sequence: q.seq, Intent: intent, SourceID: sourceID, EnqueuedAt: q.now()}
	q.submitLocked(cmd)
	q.mu.Unlock()
	return cmd.Sequence, nil
}

// submitLocked replaces the pending command for the source and arms the
// deferred flush.
func (q *Queue) submitLocked(cmd Command) {
	q.pending[cmd.SourceID] = cmd
	if !q.flushArmed {
		q.flushArmed = true
		q.schedule(q.Flush)
	}
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every pending command without applying it.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.pending)
}

// Forget drops the pending command and the applied sequence of sourceID,
// typically when the source is unloaded.
func (q *Queue) Forget(sourceID string) {
	q.mu.Lock()
	delete(q.pending, sourceID)
	q.mu.Unlock()

	q.flushMu.Lock()
	delete(q.lastApplied, sourceID)
	q.flushMu.Unlock()
}

// Flush applies every pending command in sequence order. It is normally run
// by the deferred scheduler but may be called directly.
func (q *Queue) Flush() {
	q.mu.Lock()
	batch := make([]Command, 0, len(q.pending))
	for _, cmd := range q.pending {
		batch = append(batch, cmd)
	}
	clear(q.pending)
	q.flushArmed = false
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	slices.SortFunc(batch, func(a, b Command) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})

	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	for _, cmd := range batch {
		q.applyLocked(cmd)
	}
}

func (q *Queue) applyLocked(cmd Command) {
	ctx := context.Background()
	if cmd.Sequence <= q.lastApplied[cmd.SourceID] {
		q.stats.count(statusStale)
		q.metrics.RecordTransportCommand(ctx, string(cmd.Intent), statusStale)
		return
	}

	status := statusApplied
	if err := q.applier.ApplyTransport(cmd); err != nil {
		if errors.Is(err, ErrNotReady) {
			status = statusSkipped
		} else {
			status = statusFailed
			slog.Warn("transport: apply failed",
				"source_id", cmd.SourceID,
				"intent", cmd.Intent,
				"sequence", cmd.Sequence,
				"error", err,
			)
		}
	}
	q.lastApplied[cmd.SourceID] = cmd.Sequence

	q.stats.count(status)
	q.metrics.RecordTransportCommand(ctx, string(cmd.Intent), status)
	if status == statusApplied {
		latency := q.now().Sub(cmd.EnqueuedAt)
		q.stats.Record(cmd.Intent, latency)
		q.metrics.TransportLatency.Record(ctx, latency.Seconds(),
			metric.WithAttributes(observe.Attr("intent", string(cmd.Intent))))
	}
}

// LastApplied returns the last sequence applied to sourceID, or 0.
func (q *Queue) LastApplied(sourceID string) uint64 {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.lastApplied[sourceID]
}
