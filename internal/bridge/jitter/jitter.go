// Package jitter smooths irregular PCM arrival into a fixed 20 ms playout
// cadence for the Opus encoder.
//
// A [Buffer] is a bounded FIFO of frames with drop-oldest overflow. A [Pump]
// takes one frame from it every tick and always hands the sink something: a
// real frame once the buffer has been primed with [StartFrames] frames, and
// silence otherwise. An empty buffer on a primed pump is an underrun; it is
// counted once and the pump re-primes.
package jitter

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/pkg/audio"
)

const (
	// DefaultCapacity is the default buffer bound in frames.
	DefaultCapacity = 192

	// StartFrames is the priming threshold.
	StartFrames = 4

	// Interval is the playout cadence.
	Interval = audio.FrameMs * time.Millisecond
)

// Stats is a snapshot of the buffer counters.
type Stats struct {
	Depth     int
	Capacity  int
	Primed    bool
	Underruns uint64
	// Overflows counts frames discarded to make room for newer ones.
	Overflows uint64
}

// Buffer is a bounded frame FIFO. It is safe for concurrent use.
type Buffer struct {
	capacity int
	start    int
	silence  []int16

	mu        sync.Mutex
	frames    [][]int16
	primed    bool
	underruns uint64
	overflows uint64
}

// NewBuffer creates a buffer holding at most capacity frames that primes
// after start frames. Non-positive values select the defaults.
func NewBuffer(capacity, start int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if start <= 0 {
		start = StartFrames
	}
	return &Buffer{
		capacity: capacity,
		start:    start,
		silence:  make([]int16, audio.FrameSamples),
		frames:   make([][]int16, 0, capacity),
	}
}

// Push appends frame, taking ownership of it. It reports whether the oldest
// frame had to be dropped to make room.
func (b *Buffer) Push(frame []int16) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) >= b.capacity {
		b.frames[0] = nil
		b.frames = b.frames[1:]
		b.overflows++
		dropped = true
	}
	b.frames = append(b.frames, frame)
	return dropped
}

// Next returns the frame for one playout tick and whether it is real audio.
// Silence is returned while priming and on underrun. The silence slice is
// shared and must not be modified.
func (b *Buffer) Next() ([]int16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.primed {
		if len(b.frames) < b.start {
			return b.silence, false
		}
		b.primed = true
	}
	if len(b.frames) == 0 {
		b.underruns++
		b.primed = false
		return b.silence, false
	}
	f := b.frames[0]
	b.frames[0] = nil
	b.frames = b.frames[1:]
	return f, true
}

// Reset discards every frame and re-arms priming. Counters are kept.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.frames)
	b.frames = b.frames[:0]
	b.primed = false
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Capacity returns the buffer bound.
func (b *Buffer) Capacity() int { return b.capacity }

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Depth:     len(b.frames),
		Capacity:  b.capacity,
		Primed:    b.primed,
		Underruns: b.underruns,
		Overflows: b.overflows,
	}
}

// Sink consumes one playout frame. real is false for silence. Sinks run on
// the pump goroutine and must return well within one interval.
type Sink func(frame []int16, real bool)

// Pump drives a [Buffer] at a fixed cadence.
type Pump struct {
	buf      *Buffer
	sink     Sink
	interval time.Duration
}

// NewPump creates a pump feeding sink from buf every interval. A
// non-positive interval selects [Interval].
func NewPump(buf *Buffer, interval time.Duration, sink Sink) *Pump {
	if interval <= 0 {
		interval = Interval
	}
	return &Pump{buf: buf, sink: sink, interval: interval}
}

// Tick emits exactly one frame.
func (p *Pump) Tick() {
	f, real := p.buf.Next()
	p.sink(f, real)
}

// Run ticks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
		}
	}
}
