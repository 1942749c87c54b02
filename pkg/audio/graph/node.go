package graph

import (
	"errors"
	"math"

	"github.com/MrWong99/ambiance/pkg/audio"
)

var (
	// ErrEmptyBuffer is returned when a node is created without audio.
	ErrEmptyBuffer = errors.New("graph: empty buffer")

	// ErrAlreadyStarted is returned when a node is started twice.
	ErrAlreadyStarted = errors.New("graph: node already started")

	// ErrClosed is returned when starting a node on a closed graph.
	ErrClosed = errors.New("graph: closed")
)

// Node plays one [Buffer] between a start and a stop instant on the graph
// clock. A node can be started only once; replace it to play again.
type Node struct {
	g    *Graph
	buf  *Buffer
	bus  *Bus
	gain *Param // shared source gain, may be nil
	env  *Param // per-node envelope used for fades

	loop       bool
	started    bool
	ended      bool
	startFrame int64
	stopFrame  int64
	onEnded    func()
}

// Envelope returns the node's own gain parameter.
func (n *Node) Envelope() *Param { return n.env }

// SetLoop controls whether playback wraps at the end of the buffer.
func (n *Node) SetLoop(loop bool) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.loop = loop
}

// OnEnded registers f to run once after the node stops producing audio,
// either at its stop instant or at the end of a non-looping buffer. f runs on
// the render goroutine after the graph lock is released and must not block.
func (n *Node) OnEnded(f func()) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	n.onEnded = f
}

// Start schedules playback at clock time at (seconds). Times in the past start
// immediately.
func (n *Node) Start(at float64) error {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if n.g.closed {
		return ErrClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true
	n.startFrame = max(n.g.frameAt(at), n.g.frame)
	n.g.nodes = append(n.g.nodes, n)
	return nil
}

// Stop schedules the end of playback at clock time at. Times in the past
// stop the node on the next rendered block. Stopping an unstarted node
// marks it ended without scheduling anything.
func (n *Node) Stop(at float64) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	if !n.started {
		n.ended = true
		return
	}
	n.stopFrame = max(n.g.frameAt(at), n.g.frame)
}

// Started reports whether Start has been called.
func (n *Node) Started() bool {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.started
}

// Ended reports whether the node has finished playing.
func (n *Node) Ended() bool {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	return n.ended
}

// Window returns the scheduled start and stop in clock seconds. The stop is
// +Inf when no stop is scheduled.
func (n *Node) Window() (start, stop float64) {
	n.g.mu.Lock()
	defer n.g.mu.Unlock()
	rate := float64(n.g.rate)
	start = float64(n.startFrame) / rate
	if n.stopFrame == never {
		return start, math.Inf(1)
	}
	return start, float64(n.stopFrame) / rate
}

// renderLocked mixes the node into out for clock frames [t0, end). It returns
// false once the node has finished.
func (n *Node) renderLocked(out []audio.Frame, t0, end int64, busGain float64) bool {
	rate := float64(n.g.rate)
	length := int64(len(n.buf.frames))
	for f := max(t0, n.startFrame); f < end; f++ {
		if f >= n.stopFrame {
			return false
		}
		off := f - n.startFrame
		if off >= length {
			if !n.loop {
				return false
			}
			off %= length
		}
		t := float64(f) / rate
		gain := n.env.valueLocked(t) * busGain * n.g.master.valueLocked(t)
		if n.gain != nil {
			gain *= n.gain.valueLocked(t)
		}
		if gain == 0 {
			continue
		}
		s := n.buf.frames[off]
		i := f - t0
		out[i][0] += s[0] * float32(gain)
		out[i][1] += s[1] * float32(gain)
	}
	if end >= n.stopFrame {
		return false
	}
	if !n.loop && end-n.startFrame >= length {
		return false
	}
	return true
}
