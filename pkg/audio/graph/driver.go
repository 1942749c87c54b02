package graph

import (
	"context"
	"time"

	"github.com/MrWong99/ambiance/pkg/audio"
)

const (
	// DefaultPeriod is the render callback period.
	DefaultPeriod = 10 * time.Millisecond

	// maxCatchUp bounds how much audio a single callback renders after the
	// driver goroutine was starved; older backlog is skipped.
	maxCatchUp = 250 * time.Millisecond
)

// Sink receives every rendered block on the render goroutine. Sinks must not
// block or retain the slice past the call unless they copy it.
type Sink func(block []audio.Frame)

// Driver is the real-time render loop. Every period it renders exactly the
// frames that became due by wall clock since the loop started and hands the
// block to each sink in order.
type Driver struct {
	g      *Graph
	period time.Duration
	sinks  []Sink
}

// NewDriver creates a driver for g. A non-positive period selects
// [DefaultPeriod].
func NewDriver(g *Graph, period time.Duration, sinks ...Sink) *Driver {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Driver{g: g, period: period, sinks: sinks}
}

// Run renders until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	rate := int64(d.g.SampleRate())
	limit := int64(maxCatchUp.Seconds() * float64(rate))
	start := time.Now()
	var rendered int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		due := int64(time.Since(start).Seconds()*float64(rate)) - rendered
		if due <= 0 {
			continue
		}
		if due > limit {
			rendered += due - limit
			due = limit
		}
		d.Step(int(due))
		rendered += due
	}
}

// Step renders one block of frames and delivers it to the sinks.
func (d *Driver) Step(frames int) {
	block := d.g.Render(frames)
	for _, s := range d.sinks {
		s(block)
	}
}
