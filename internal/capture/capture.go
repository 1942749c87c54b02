// Package capture taps the mixed output of the render graph and packs it into
// fixed-size interleaved int16 packets for the voice pipeline.
//
// [Processor.Process] is called on the render goroutine. It never blocks and
// never panics: packets are handed to a bounded channel and, when the channel
// is full, the oldest queued packet is discarded in favour of the new one.
package capture

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/pkg/audio"
)

const (
	// DefaultFramesPerPacket is two 20 ms frames (40 ms) per packet.
	DefaultFramesPerPacket = 2

	// DefaultMaxPending is the capacity of the outgoing channel.
	DefaultMaxPending = 8

	// SilenceThreshold is the absolute sample level below which a packet is
	// considered silent.
	SilenceThreshold = 0.0005
)

// Packet is one batch of interleaved stereo int16 samples. Receiving a packet
// transfers ownership; the processor never touches it again.
type Packet []int16

// Option is a functional option for [New].
type Option func(*Processor)

// WithFramesPerPacket sets how many 20 ms frames make up one packet.
// Values below 1 are ignored.
func WithFramesPerPacket(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.framesPerPacket = n
		}
	}
}

// WithMaxPending sets the capacity of the outgoing channel.
// Values below 1 are ignored.
func WithMaxPending(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxPending = n
		}
	}
}

// WithSilenceGate enables or disables suppression of silent packets.
// Enabled by default.
func WithSilenceGate(enabled bool) Option {
	return func(p *Processor) { p.gate = enabled }
}

// WithMetrics records packet counts on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// Processor converts float frames to int16 packets.
//
// Process must be called from a single goroutine. Packets and the counters
// are safe to read from any goroutine.
type Processor struct {
	framesPerPacket int
	maxPending      int
	gate            bool
	metrics         *observe.Metrics

	buf       Packet
	idx       int
	hasSignal bool

	out chan Packet

	emitted atomic.Int64
	dropped atomic.Int64
}

// New creates a processor. Call [Processor.Packets] to consume its output.
func New(opts ...Option) *Processor {
	p := &Processor{
		framesPerPacket: DefaultFramesPerPacket,
		maxPending:      DefaultMaxPending,
		gate:            true,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.buf = make(Packet, p.PacketSamples())
	p.out = make(chan Packet, p.maxPending)
	return p
}

// PacketSamples returns the number of int16 values in one packet.
func (p *Processor) PacketSamples() int {
	return p.framesPerPacket * audio.FrameSamples
}

// Packets returns the single-consumer output channel. It is never closed.
func (p *Processor) Packets() <-chan Packet { return p.out }

// Emitted returns the number of packets pushed to the output channel.
func (p *Processor) Emitted() int64 { return p.emitted.Load() }

// Dropped returns the number of queued packets discarded on overflow.
func (p *Processor) Dropped() int64 { return p.dropped.Load() }

// Process consumes one rendered block. An empty block is a no-op. Its
// signature matches the render driver's sink so it can be registered
// directly.
func (p *Processor) Process(block []audio.Frame) {
	for _, f := range block {
		l := clamp(f[0])
		r := clamp(f[1])
		p.buf[p.idx] = audio.FloatToInt16(l)
		p.buf[p.idx+1] = audio.FloatToInt16(r)
		if abs(l) > SilenceThreshold || abs(r) > SilenceThreshold {
			p.hasSignal = true
		}
		p.idx += 2

		if p.idx >= len(p.buf) {
			if p.hasSignal || !p.gate {
				p.push(p.buf)
				p.buf = make(Packet, len(p.buf))
			} else {
				clear(p.buf)
			}
			p.idx = 0
			p.hasSignal = false
		}
	}
}

// push hands pkt to the channel, discarding the oldest queued packet while
// the channel is full.
func (p *Processor) push(pkt Packet) {
	ctx := context.Background()
	for {
		select {
		case p.out <- pkt:
			p.emitted.Add(1)
			p.metrics.RecordCaptureEmitted(ctx)
			return
		default:
		}
		select {
		case <-p.out:
			p.dropped.Add(1)
			p.metrics.RecordCaptureDropped(ctx)
		default:
			// The consumer drained it in the meantime; retry the send.
		}
	}
}

func clamp(s float32) float32 {
	if s != s { // NaN
		return 0
	}
	return min(max(s, -1), 1)
}

func abs(s float32) float32 {
	if s < 0 {
		return -s
	}
	return s
}
