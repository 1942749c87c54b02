package graph

import "slices"

type eventKind int

const (
	eventSet eventKind = iota
	eventRamp
)

type paramEvent struct {
	kind  eventKind
	time  float64 // clock seconds
	value float64
}

// Param is an automatable gain value. Automation events are kept sorted by
// time; a linear ramp interpolates from the preceding event (or the initial
// value) to its own target.
//
// Param shares the lock of the graph that created it.
type Param struct {
	g       *Graph
	initial float64
	events  []paramEvent
}

// SetValue discards all automation and sets a constant value.
func (p *Param) SetValue(v float64) {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	p.initial = v
	p.events = nil
}

// SetValueAtTime jumps to v at clock time t.
func (p *Param) SetValueAtTime(v, t float64) {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	p.insertLocked(paramEvent{kind: eventSet, time: t, value: v})
}

// LinearRampToValueAtTime ramps linearly from the previous event to v,
// arriving at clock time t.
func (p *Param) LinearRampToValueAtTime(v, t float64) {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	p.insertLocked(paramEvent{kind: eventRamp, time: t, value: v})
}

// CancelScheduledValues removes every event at or after t.
func (p *Param) CancelScheduledValues(t float64) {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	i := slices.IndexFunc(p.events, func(e paramEvent) bool { return e.time >= t })
	if i >= 0 {
		p.events = p.events[:i]
	}
}

// ValueAt returns the automated value at clock time t.
func (p *Param) ValueAt(t float64) float64 {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	return p.valueLocked(t)
}

// Value returns the value at the current clock time.
func (p *Param) Value() float64 {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	return p.valueLocked(p.g.timeLocked())
}

func (p *Param) insertLocked(e paramEvent) {
	// Insert after any event with the same time so later calls win.
	i, _ := slices.BinarySearchFunc(p.events, e.time, func(ev paramEvent, t float64) int {
		if ev.time <= t {
			return -1
		}
		return 1
	})
	p.events = slices.Insert(p.events, i, e)
	p.compactLocked()
}

// compactLocked folds events that lie entirely in the past into the initial
// value so long-lived params do not accumulate automation.
func (p *Param) compactLocked() {
	now := p.g.timeLocked()
	n := 0
	for n+1 < len(p.events) && p.events[n+1].time <= now {
		n++
	}
	if n == 0 {
		return
	}
	// Keep events[n-1:] would preserve the anchor for a ramp at events[n];
	// folding events[n-1] into a set event at its own time is equivalent.
	anchor := p.events[n-1]
	anchor.kind = eventSet
	p.events = append([]paramEvent{anchor}, p.events[n:]...)
}

func (p *Param) valueLocked(t float64) float64 {
	v := p.initial
	prevT := 0.0
	for _, e := range p.events {
		if e.time > t {
			if e.kind == eventRamp && e.time > prevT {
				frac := (t - prevT) / (e.time - prevT)
				if frac < 0 {
					frac = 0
				}
				return v + (e.value-v)*frac
			}
			return v
		}
		v = e.value
		prevT = e.time
	}
	return v
}
