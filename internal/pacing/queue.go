// Package pacing meters captured PCM packets into the voice bridge at a fixed
// cadence, decoupling bursty capture from IPC send latency.
//
// The queue is a bounded FIFO with drop-oldest overflow. A ticker fires every
// packet duration; each tick starts at most one send, and never while the
// previous send is still outstanding. The output routing mode is polled on
// every tick; while it is anything other than voice-bridge the queue is kept
// empty so stale audio cannot leak into a later connection.
package pacing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/bridge/sidecar"
	"github.com/MrWong99/ambiance/internal/capture"
	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/internal/observe"
	"golang.org/x/time/rate"
)

const (
	// DefaultCapacity is the default queue bound in packets.
	DefaultCapacity = 96

	// DefaultInterval is the default tick period, one 40 ms packet.
	DefaultInterval = 40 * time.Millisecond

	// transientLogInterval bounds how often transient send errors are logged.
	transientLogInterval = 3 * time.Second
)

// Sender delivers one packet to the voice bridge.
type Sender interface {
	SendPCM(ctx context.Context, pcm []int16) error
}

// Option is a functional option for [New].
type Option func(*Queue)

// WithCapacity overrides [DefaultCapacity]. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithInterval overrides [DefaultInterval]. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithTransientClassifier overrides how send errors are classified. The
// default is [sidecar.IsTransient].
func WithTransientClassifier(f func(error) bool) Option {
	return func(q *Queue) { q.isTransient = f }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Cleared  uint64 `json:"cleared"`
	Failed   uint64 `json:"failed"`
	InFlight bool   `json:"inFlight"`
}

// Queue is the pacing queue. All methods are safe for concurrent use.
type Queue struct {
	sender      Sender
	settings    config.Settings
	capacity    int
	interval    time.Duration
	isTransient func(error) bool
	metrics     *observe.Metrics
	transient   rate.Sometimes

	mu       sync.Mutex
	items    []capture.Packet
	inFlight bool
	sent     uint64
	dropped  uint64
	cleared  uint64
	failed   uint64

	wg sync.WaitGroup
}

// New creates a queue sending to s whenever settings reports voice-bridge
// output.
func New(s Sender, settings config.Settings, opts ...Option) *Queue {
	q := &Queue{
		sender:      s,
		settings:    settings,
		capacity:    DefaultCapacity,
		interval:    DefaultInterval,
		isTransient: sidecar.IsTransient,
		transient:   rate.Sometimes{Interval: transientLogInterval},
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.items = make([]capture.Packet, 0, q.capacity)
	return q
}

// Enqueue appends p, dropping the oldest packet when the queue is full. It
// never blocks.
func (q *Queue) Enqueue(p capture.Packet) {
	if len(p) == 0 {
		return
	}
	q.mu.Lock()
	dropped := 0
	for len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		dropped++
	}
	q.items = append(q.items, p)
	q.dropped += uint64(dropped)
	q.mu.Unlock()

	q.metrics.RecordPacingPackets(context.Background(), "dropped", dropped)
}

// Clear discards every queued packet.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := q.clearLocked()
	q.mu.Unlock()
	q.metrics.RecordPacingPackets(context.Background(), "cleared", n)
}

func (q *Queue) clearLocked() int {
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	q.cleared += uint64(n)
	return n
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:    len(q.items),
		Capacity: q.capacity,
		Sent:     q.sent,
		Dropped:  q.dropped,
		Cleared:  q.cleared,
		Failed:   q.failed,
		InFlight: q.inFlight,
	}
}

// Run ticks every interval until ctx is cancelled, then waits for the
// outstanding send to finish.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	defer q.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick performs one cadence step and reports whether a send was started.
// The send itself runs on its own goroutine.
func (q *Queue) Tick(ctx context.Context) bool {
	mode := q.settings.OutputMode()

	q.mu.Lock()
	if mode != config.OutputVoiceBridge {
		n := q.clearLocked()
		q.mu.Unlock()
		if n > 0 {
			slog.Debug("pacing: output mode left voice bridge, queue cleared", "mode", mode, "cleared", n)
			q.metrics.RecordPacingPackets(ctx, "cleared", n)
		}
		return false
	}
	if q.inFlight || len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inFlight = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.send(ctx, p)
	return true
}

// Wait blocks until the outstanding send, if any, has finished.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) send(ctx context.Context, p capture.Packet) {
	defer q.wg.Done()

	start := time.Now()
	err := q.sender.SendPCM(ctx, p)
	q.metrics.PacingSendDuration.Record(ctx, time.Since(start).Seconds())

	q.mu.Lock()
	q.inFlight = false
	if err == nil {
		q.sent++
	} else {
		q.failed++
	}
	q.mu.Unlock()

	if err == nil {
		q.metrics.RecordPacingPackets(ctx, "sent", 1)
		return
	}
	q.metrics.RecordPacingPackets(ctx, "error", 1)
	if q.isTransient != nil && q.isTransient(err) {
		q.transient.Do(func() {
			slog.Warn("pacing: voice bridge unavailable, dropping audio", "err", err)
		})
		return
	}
	slog.Error("pacing: send failed", "err", err)
}
