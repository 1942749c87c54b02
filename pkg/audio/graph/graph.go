// Package graph implements the shared audio render graph: a sample-counting
// clock, buffer source nodes scheduled at absolute clock instants, gain
// automation, and channel buses mixed into a master output.
//
// The graph is pull-driven. A [Driver] (or a test) calls [Graph.Render] with a
// block size; the clock advances by that many frames unless the graph is
// suspended. All scheduling is expressed in clock seconds so that start and
// stop times are sample accurate and independent of host timer jitter.
//
// A single mutex guards the whole graph. Render holds it for the duration of
// one block and never calls out to user code while holding it: ended-node
// callbacks run after the lock is released.
package graph

import (
	"math"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/pkg/audio"
)

// never is the stop frame of a node with no scheduled stop.
const never = math.MaxInt64

// Buffer is a decoded clip at the graph sample rate. It is immutable after
// creation and may be shared by any number of nodes.
type Buffer struct {
	frames []audio.Frame
}

// NewBuffer wraps frames. The slice must not be modified afterwards.
func NewBuffer(frames []audio.Frame) *Buffer {
	return &Buffer{frames: frames}
}

// Len returns the number of stereo frames.
func (b *Buffer) Len() int { return len(b.frames) }

// Duration returns the playback length at [audio.SampleRate].
func (b *Buffer) Duration() time.Duration {
	return time.Duration(len(b.frames)) * time.Second / audio.SampleRate
}

// Graph is the render graph. The zero value is not usable; call [New].
//
// All methods are safe for concurrent use.
type Graph struct {
	mu        sync.Mutex
	rate      int
	frame     int64 // clock position in frames
	suspended bool
	closed    bool

	nodes  []*Node
	buses  map[audio.ChannelType]*Bus
	master *Param
}

// New creates a running graph with one bus per [audio.ChannelType].
func New() *Graph {
	g := &Graph{
		rate:  audio.SampleRate,
		buses: make(map[audio.ChannelType]*Bus, len(audio.ChannelTypes)),
	}
	g.master = &Param{g: g, initial: 1}
	for _, ct := range audio.ChannelTypes {
		g.buses[ct] = &Bus{g: g, channel: ct, volume: 1}
	}
	return g
}

// SampleRate returns the clock rate in Hz.
func (g *Graph) SampleRate() int { return g.rate }

// CurrentTime returns the clock position in seconds.
func (g *Graph) CurrentTime() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeLocked()
}

func (g *Graph) timeLocked() float64 {
	return float64(g.frame) / float64(g.rate)
}

func (g *Graph) frameAt(seconds float64) int64 {
	return int64(math.Round(seconds * float64(g.rate)))
}

// Suspend freezes the clock. Render keeps returning silent blocks without
// advancing time, so every scheduled window shifts with the pause.
func (g *Graph) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = true
}

// Resume unfreezes the clock.
func (g *Graph) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = false
}

// Suspended reports whether the clock is frozen.
func (g *Graph) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

// Master returns the master gain parameter.
func (g *Graph) Master() *Param { return g.master }

// Bus returns the channel strip for ct, or nil for an unknown channel.
func (g *Graph) Bus(ct audio.ChannelType) *Bus {
	return g.buses[ct]
}

// NewParam creates an automatable parameter bound to this graph.
func (g *Graph) NewParam(initial float64) *Param {
	return &Param{g: g, initial: initial}
}

// NewNode creates an unstarted buffer source routed to bus. gain is an
// optional shared parameter (typically the owning source's volume) applied in
// addition to the node's own envelope.
func (g *Graph) NewNode(buf *Buffer, bus *Bus, gain *Param) (*Node, error) {
	if buf == nil || buf.Len() == 0 {
		return nil, ErrEmptyBuffer
	}
	if bus == nil {
		bus = g.buses[audio.ChannelAmbient]
	}
	return &Node{
		g:         g,
		buf:       buf,
		bus:       bus,
		gain:      gain,
		env:       &Param{g: g, initial: 1},
		stopFrame: never,
	}, nil
}

// ActiveNodes returns the number of started, not yet ended nodes.
func (g *Graph) ActiveNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Close stops every node and rejects further starts. Ended callbacks are not
// invoked.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.ended = true
	}
	g.nodes = nil
	g.closed = true
}

// Render mixes the next frames of output. While suspended it returns silence
// and leaves the clock where it is.
func (g *Graph) Render(frames int) []audio.Frame {
	out := make([]audio.Frame, frames)
	if frames <= 0 {
		return out
	}

	g.mu.Lock()
	if g.suspended || g.closed {
		g.mu.Unlock()
		return out
	}

	t0 := g.frame
	end := t0 + int64(frames)
	anySolo := false
	for _, b := range g.buses {
		if b.solo {
			anySolo = true
			break
		}
	}

	var finished []*Node
	live := g.nodes[:0]
	for _, n := range g.nodes {
		busGain := n.bus.gainLocked(anySolo)
		if n.renderLocked(out, t0, end, busGain) {
			live = append(live, n)
			continue
		}
		n.ended = true
		finished = append(finished, n)
	}
	for i := len(live); i < len(g.nodes); i++ {
		g.nodes[i] = nil
	}
	g.nodes = live
	g.frame = end
	g.mu.Unlock()

	for _, n := range finished {
		if n.onEnded != nil {
			n.onEnded()
		}
	}
	return out
}
