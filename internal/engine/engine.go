// Package engine owns the shared audio graph and every loaded audio source.
//
// An [Engine] is an explicitly owned context: callers create it with [New],
// bring it up with [Engine.Init] and release it with [Engine.Teardown]. There
// is no package-level state. The transport queue applies play/pause/stop
// commands through [Engine.ApplyTransport]; the timeline scheduler places
// clock-accurate instances through [Engine.PlayScheduled] and
// [Engine.FadeOutAll].
//
// Lock order is engine then graph. Graph callbacks (node ended) run after the
// graph lock is released and may take the engine lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/internal/transport"
	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/MrWong99/ambiance/pkg/audio/graph"
)

const (
	// DefaultReconcileInterval is how often elapsed scheduled instances are
	// pruned and playing flags re-evaluated.
	DefaultReconcileInterval = 250 * time.Millisecond

	// DefaultSourceVolume is the gain of a freshly loaded source.
	DefaultSourceVolume = 0.8
)

var (
	// ErrNotInitialized is returned by operations that need a running graph.
	ErrNotInitialized = errors.New("engine: not initialized")

	// ErrUnknownSource is returned for ids that were never loaded.
	ErrUnknownSource = errors.New("engine: unknown source")
)

// PlaybackContext identifies what the active timeline belongs to.
type PlaybackContext struct {
	SoundSetID int64 `json:"soundSetId"`
	MoodID     int64 `json:"moodId"`
	TimelineID int64 `json:"timelineId"`
}

// PlayingFunc is invoked whenever a source's playing flag flips. It runs
// without engine locks held and must not block for long.
type PlayingFunc func(sourceID string, playing bool)

// Option is a functional option for [New].
type Option func(*Engine)

// WithReconcileInterval overrides [DefaultReconcileInterval].
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reconcileEvery = d
		}
	}
}

// WithPlayingChange registers f for playing flag changes.
func WithPlayingChange(f PlayingFunc) Option {
	return func(e *Engine) { e.onPlaying = f }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the owned audio engine context.
//
// All methods are safe for concurrent use.
type Engine struct {
	reconcileEvery time.Duration
	onPlaying      PlayingFunc
	metrics        *observe.Metrics

	mu       sync.Mutex
	g        *graph.Graph
	sources  map[string]*Source
	playback *PlaybackContext
	stop     context.CancelFunc
	done     chan struct{}
}

// Compile-time interface assertion.
var _ transport.Applier = (*Engine)(nil)

// New creates an engine. It does nothing until [Engine.Init] is called.
func New(opts ...Option) *Engine {
	e := &Engine{
		reconcileEvery: DefaultReconcileInterval,
		sources:        make(map[string]*Source),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Init creates the graph and starts the reconciler. Calling Init on an
// initialised engine is a no-op. The reconciler stops when ctx is cancelled
// or on [Engine.Teardown].
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.g != nil {
		return nil
	}
	e.g = graph.New()
	rctx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	e.done = make(chan struct{})
	go e.reconcileLoop(rctx, e.done)
	slog.Info("engine: initialized", "sample_rate", e.g.SampleRate())
	return nil
}

// Teardown stops every node, closes the graph and forgets all sources. It is
// safe to call more than once.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return
	}
	stop, done := e.stop, e.done
	var changes []change
	for id, src := range e.sources {
		src.stopAllLocked(e.g.CurrentTime())
		if src.playing {
			changes = append(changes, change{id, false})
		}
	}
	e.g.Close()
	e.g = nil
	e.sources = make(map[string]*Source)
	e.playback = nil
	e.mu.Unlock()

	stop()
	<-done
	e.notify(changes)
	slog.Info("engine: torn down")
}

// Graph returns the render graph, or nil before [Engine.Init].
func (e *Engine) Graph() *graph.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g
}

// Initialized reports whether the graph is running.
func (e *Engine) Initialized() bool {
	return e.Graph() != nil
}

// CurrentTime returns the shared clock in seconds, or 0 before Init.
func (e *Engine) CurrentTime() float64 {
	if g := e.Graph(); g != nil {
		return g.CurrentTime()
	}
	return 0
}

// Suspend freezes the shared clock.
func (e *Engine) Suspend() {
	if g := e.Graph(); g != nil {
		g.Suspend()
	}
}

// Resume unfreezes the shared clock.
func (e *Engine) Resume() {
	if g := e.Graph(); g != nil {
		g.Resume()
	}
}

// Suspended reports whether the clock is frozen. An uninitialised engine is
// reported as suspended.
func (e *Engine) Suspended() bool {
	g := e.Graph()
	return g == nil || g.Suspended()
}

// Load registers a decoded buffer under id on the given channel. Loading an
// existing id replaces its buffer and stops whatever it was playing.
func (e *Engine) Load(id string, ch audio.ChannelType, buf *graph.Buffer) error {
	if buf == nil || buf.Len() == 0 {
		return fmt.Errorf("engine: load %q: %w", id, graph.ErrEmptyBuffer)
	}
	if !ch.IsValid() {
		return fmt.Errorf("engine: load %q: unknown channel %q", id, ch)
	}

	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	var changes []change
	if old, ok := e.sources[id]; ok {
		old.stopAllLocked(e.g.CurrentTime())
		if old.playing {
			changes = append(changes, change{id, false})
		}
	}
	e.sources[id] = &Source{
		ID:      id,
		Channel: ch,
		buf:     buf,
		gain:    e.g.NewParam(DefaultSourceVolume),
		looping: true,
	}
	e.mu.Unlock()

	e.notify(changes)
	return nil
}

// Unload stops and forgets id.
func (e *Engine) Unload(id string) {
	e.mu.Lock()
	src, ok := e.sources[id]
	if !ok || e.g == nil {
		e.mu.Unlock()
		return
	}
	src.stopAllLocked(e.g.CurrentTime())
	delete(e.sources, id)
	wasPlaying := src.playing
	e.mu.Unlock()

	if wasPlaying {
		e.notify([]change{{id, false}})
	}
}

// ApplyTransport implements [transport.Applier]. Start replaces the live node
// with a new one started now; pause and stop end the live node. A missing
// graph or source yields [transport.ErrNotReady].
func (e *Engine) ApplyTransport(cmd transport.Command) error {
	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return transport.ErrNotReady
	}
	src, ok := e.sources[cmd.SourceID]
	if !ok || src.buf == nil {
		e.mu.Unlock()
		return transport.ErrNotReady
	}

	now := e.g.CurrentTime()
	if src.live != nil {
		src.live.Stop(now)
		src.live = nil
	}

	var err error
	if cmd.Intent == transport.IntentStart {
		err = e.startLiveLocked(src, now)
	}
	ch := e.refreshLocked(src, now)
	e.mu.Unlock()

	e.notify(ch)
	return err
}

// startLiveLocked creates and starts the live node of src.
func (e *Engine) startLiveLocked(src *Source, now float64) error {
	node, err := e.g.NewNode(src.buf, e.g.Bus(src.Channel), src.gain)
	if err == nil {
		node.SetLoop(src.looping)
		node.OnEnded(func() { e.nodeEnded(src.ID, node) })
		err = node.Start(now)
	}
	if err != nil {
		slog.Error("engine: create playback node",
			"source_id", src.ID,
			"channel", src.Channel,
			"frames", src.buf.Len(),
			"error", err,
		)
		return fmt.Errorf("engine: start %q: %w", src.ID, err)
	}
	src.live = node
	return nil
}

// nodeEnded clears the live slot once a non-looping live node runs out.
func (e *Engine) nodeEnded(id string, node *graph.Node) {
	e.mu.Lock()
	src, ok := e.sources[id]
	if !ok || e.g == nil {
		e.mu.Unlock()
		return
	}
	if src.live == node {
		src.live = nil
	}
	ch := e.refreshLocked(src, e.g.CurrentTime())
	e.mu.Unlock()
	e.notify(ch)
}

// PlayScheduled places one playback of id on the shared clock: it starts
// delay from now, stops duration later, and ramps its envelope from 0 to 1
// over fadeIn when fadeIn is positive. It is a no-op while the clock is
// suspended or when the source is unknown.
func (e *Engine) PlayScheduled(id string, delay, duration, fadeIn time.Duration) {
	e.mu.Lock()
	if e.g == nil || e.g.Suspended() {
		e.mu.Unlock()
		return
	}
	src, ok := e.sources[id]
	if !ok || src.buf == nil || duration <= 0 {
		e.mu.Unlock()
		return
	}

	now := e.g.CurrentTime()
	start := now + max(delay, 0).Seconds()
	stop := start + duration.Seconds()

	node, err := e.g.NewNode(src.buf, e.g.Bus(src.Channel), src.gain)
	if err != nil {
		e.mu.Unlock()
		slog.Error("engine: create scheduled node", "source_id", id, "error", err)
		return
	}
	// Scheduled instances fill their whole window.
	node.SetLoop(true)
	env := node.Envelope()
	if fadeIn > 0 {
		env.SetValueAtTime(0, start)
		env.LinearRampToValueAtTime(1, start+fadeIn.Seconds())
	} else {
		env.SetValue(1)
	}
	if err := node.Start(start); err != nil {
		e.mu.Unlock()
		slog.Error("engine: start scheduled node", "source_id", id, "error", err)
		return
	}
	node.Stop(stop)

	src.instances = append(src.instances, &Instance{
		SourceID: id,
		Start:    start,
		Stop:     stop,
		FadeIn:   fadeIn,
		node:     node,
	})
	ch := e.refreshLocked(src, now)
	e.mu.Unlock()

	e.notify(ch)
}

// FadeOutAll cancels every instance that has not started yet and fades
// everything audible now to silence over window, hard-stopping each node at
// the end of its ramp.
func (e *Engine) FadeOutAll(window time.Duration) {
	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return
	}
	now := e.g.CurrentTime()
	end := now + window.Seconds()

	var changes []change
	for _, src := range e.sources {
		kept := src.instances[:0]
		for _, in := range src.instances {
			switch {
			case in.Start > now:
				in.node.Stop(now)
			case in.Stop > now:
				fadeNode(in.node, now, end)
				in.Stop = min(in.Stop, end)
				kept = append(kept, in)
			}
		}
		clear(src.instances[len(kept):])
		src.instances = kept

		if src.live != nil {
			// The live node becomes a fading instance so the source keeps
			// reporting playing until the ramp completes.
			fadeNode(src.live, now, end)
			src.instances = append(src.instances, &Instance{
				SourceID: src.ID,
				Start:    now,
				Stop:     end,
				node:     src.live,
			})
			src.live = nil
		}
		changes = append(changes, e.refreshLocked(src, now)...)
	}
	e.mu.Unlock()

	e.notify(changes)
}

func fadeNode(n *graph.Node, now, end float64) {
	env := n.Envelope()
	v := env.ValueAt(now)
	env.CancelScheduledValues(now)
	env.SetValueAtTime(v, now)
	env.LinearRampToValueAtTime(0, end)
	n.Stop(end)
}

// StopAll immediately stops every live node and scheduled instance.
func (e *Engine) StopAll() {
	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return
	}
	now := e.g.CurrentTime()
	var changes []change
	for _, src := range e.sources {
		src.stopAllLocked(now)
		changes = append(changes, e.refreshLocked(src, now)...)
	}
	e.mu.Unlock()

	e.notify(changes)
}

// SetPlaybackContext records what the active timeline belongs to. A nil
// context clears it.
func (e *Engine) SetPlaybackContext(pc *PlaybackContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pc == nil {
		e.playback = nil
		return
	}
	cp := *pc
	e.playback = &cp
}

// PlaybackContext returns the active timeline context, if any.
func (e *Engine) PlaybackContext() (PlaybackContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playback == nil {
		return PlaybackContext{}, false
	}
	return *e.playback, true
}

// reconcileLoop periodically prunes elapsed instances.
func (e *Engine) reconcileLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reconcile()
		}
	}
}

// Reconcile drops scheduled instances whose window has elapsed and updates
// every playing flag against the current clock.
func (e *Engine) Reconcile() {
	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return
	}
	now := e.g.CurrentTime()
	var changes []change
	for _, src := range e.sources {
		changes = append(changes, e.refreshLocked(src, now)...)
	}
	e.mu.Unlock()

	e.notify(changes)
}

type change struct {
	id      string
	playing bool
}

// refreshLocked prunes elapsed instances of src and recomputes its playing
// flag, returning the change to report if it flipped.
func (e *Engine) refreshLocked(src *Source, now float64) []change {
	kept := src.instances[:0]
	for _, in := range src.instances {
		if in.Stop > now && !in.node.Ended() {
			kept = append(kept, in)
		}
	}
	clear(src.instances[len(kept):])
	src.instances = kept

	playing := src.live != nil || src.activeAt(now)
	if playing == src.playing {
		return nil
	}
	src.playing = playing
	return []change{{src.ID, playing}}
}

// notify reports flag changes. Must be called without e.mu held.
func (e *Engine) notify(changes []change) {
	ctx := context.Background()
	for _, c := range changes {
		delta := int64(-1)
		if c.playing {
			delta = 1
		}
		e.metrics.ActiveSources.Add(ctx, delta)
		if e.onPlaying != nil {
			e.onPlaying(c.id, c.playing)
		}
	}
}
