// Package timeline schedules multi-track timeline playback on the shared
// audio clock: crossfades from whatever is audible to the new program,
// re-arms looping tracks indefinitely, and resolves random-group elements.
//
// Every pending callback (settle delay, per-track loop re-arm, end of a
// non-looping timeline) lives in a small task table keyed by name. Cancelling
// a task removes its table entry, so a callback that fires late finds
// nothing to do and cannot re-arm itself.
package timeline

import (
	"cmp"
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/engine"
	"github.com/MrWong99/ambiance/internal/observe"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// Crossfade is the fade-out window of the outgoing program and the
	// fade-in of elements starting inside it.
	Crossfade = 2 * time.Second

	// SettleDelay separates the fade-out from scheduling the new program.
	SettleDelay = 100 * time.Millisecond

	// DefaultDuration is the length of an empty timeline.
	DefaultDuration = 60 * time.Second
)

// Task table keys that are not track ids.
const (
	keySettle = "\x00settle"
	keyEnd    = "\x00end"
)

// Element is one clip on a track. Exactly one of SourceID and GroupID is set.
type Element struct {
	TrackID     string
	SourceID    string
	GroupID     string
	StartOffset time.Duration
	Duration    time.Duration
}

// Track carries per-track settings. Elements that reference an unknown track
// form an implicit track with default settings.
type Track struct {
	ID   string
	Loop bool
}

// Player is the audio engine surface the scheduler drives.
type Player interface {
	PlayScheduled(sourceID string, delay, duration, fadeIn time.Duration)
	FadeOutAll(window time.Duration)
	StopAll()
	Suspend()
	Resume()
	Suspended() bool
	SetPlaybackContext(pc *engine.PlaybackContext)
}

// GroupResolver returns the member source ids of a group.
type GroupResolver interface {
	Members(groupID string) []string
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithClock overrides the wall clock and timers.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand overrides the random source used for group selection.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// trackPlan is one track prepared for scheduling.
type trackPlan struct {
	id       string
	loop     bool
	period   time.Duration
	elements []Element
}

type task struct {
	key       string
	timer     Timer
	deadline  time.Time
	remaining time.Duration
	fn        func()
}

// Scheduler runs one timeline at a time.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	player  Player
	groups  GroupResolver
	clock   Clock
	rng     *rand.Rand
	metrics *observe.Metrics

	mu         sync.Mutex
	gen        uint64
	tasks      map[string]*task
	plans      []trackPlan
	maxEnd     time.Duration
	looping    bool
	playing    bool
	paused     bool
	pausedAt   time.Time
	startedAt  time.Time
	lastMember map[string]string
}

// New creates a scheduler driving p. groups may be nil when no timeline
// uses groups.
func New(p Player, groups GroupResolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		player:     p,
		groups:     groups,
		clock:      SystemClock{},
		tasks:      make(map[string]*task),
		lastMember: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// CrossfadeToTimeline replaces the current program with elements. The
// outgoing audio fades over [Crossfade]; after [SettleDelay] every track is
// scheduled, looping tracks re-arm every period and, when nothing loops, a
// single timer ends playback after the longest track. loop forces every
// track to loop. pc, when non-nil, becomes the engine's playback context.
func (s *Scheduler) CrossfadeToTimeline(ctx context.Context, elements []Element, tracks []Track, loop bool, pc *engine.PlaybackContext) {
	_, span := observe.StartSpan(ctx, "timeline.crossfade",
		attribute.Int("elements", len(elements)),
		attribute.Int("tracks", len(tracks)),
		attribute.Bool("loop", loop),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.player.Suspended() {
		s.player.Resume()
	}
	s.cancelAllLocked()
	s.gen++
	gen := s.gen

	s.plans, s.maxEnd = plan(elements, tracks, loop)
	s.looping = slices.ContainsFunc(s.plans, func(p trackPlan) bool { return p.loop && p.period > 0 })
	s.playing = true
	s.paused = false
	s.startedAt = s.clock.Now().Add(SettleDelay)
	s.player.SetPlaybackContext(pc)

	s.player.FadeOutAll(Crossfade)

	s.armLocked(keySettle, SettleDelay, func() {
		if s.gen != gen {
			return
		}
		s.settleLocked(gen)
	})

	observe.Logger(ctx).Info("timeline: crossfade started",
		"elements", len(elements),
		"tracks", len(s.plans),
		"max_end", s.maxEnd,
		"looping", s.looping,
	)
}

// plan groups elements by track and computes periods.
func plan(elements []Element, tracks []Track, loop bool) ([]trackPlan, time.Duration) {
	byID := make(map[string]*trackPlan, len(tracks))
	var order []string
	for _, t := range tracks {
		if _, dup := byID[t.ID]; dup {
			continue
		}
		byID[t.ID] = &trackPlan{id: t.ID, loop: t.Loop || loop}
		order = append(order, t.ID)
	}
	for _, el := range elements {
		p, ok := byID[el.TrackID]
		if !ok {
			p = &trackPlan{id: el.TrackID, loop: loop}
			byID[el.TrackID] = p
			order = append(order, el.TrackID)
		}
		p.elements = append(p.elements, el)
		p.period = max(p.period, el.StartOffset+el.Duration)
	}

	plans := make([]trackPlan, 0, len(order))
	var maxEnd time.Duration
	for _, id := range order {
		p := byID[id]
		slices.SortStableFunc(p.elements, func(a, b Element) int { return cmp.Compare(a.StartOffset, b.StartOffset) })
		maxEnd = max(maxEnd, p.period)
		plans = append(plans, *p)
	}
	if maxEnd <= 0 {
		maxEnd = DefaultDuration
	}
	return plans, maxEnd
}

// settleLocked schedules the first pass of every track and arms the
// follow-up timers.
func (s *Scheduler) settleLocked(gen uint64) {
	armedLoop := false
	for _, p := range s.plans {
		s.scheduleTrackLocked(p, true)
		if p.loop && p.period > 0 {
			s.armLoopLocked(p, gen)
			armedLoop = true
		}
	}
	if !armedLoop {
		s.armLocked(keyEnd, s.maxEnd, func() {
			if s.gen != gen {
				return
			}
			s.playing = false
			slog.Info("timeline: finished", "duration", s.maxEnd)
		})
	}
}

// armLoopLocked re-schedules p every period until cancelled.
func (s *Scheduler) armLoopLocked(p trackPlan, gen uint64) {
	s.armLocked(p.id, p.period, func() {
		if s.gen != gen {
			return
		}
		s.scheduleTrackLocked(p, false)
		s.armLoopLocked(p, gen)
	})
}

// scheduleTrackLocked issues one pass of a track with zero base delay.
func (s *Scheduler) scheduleTrackLocked(p trackPlan, first bool) {
	issued := 0
	for _, el := range p.elements {
		id := el.SourceID
		if el.GroupID != "" {
			id = s.pickMemberLocked(el.GroupID)
		}
		if id == "" {
			slog.Debug("timeline: element has no playable source", "track_id", p.id, "group_id", el.GroupID)
			continue
		}
		var fadeIn time.Duration
		if first && el.StartOffset < Crossfade {
			fadeIn = Crossfade
		}
		s.player.PlayScheduled(id, el.StartOffset, el.Duration, fadeIn)
		issued++
	}
	if issued > 0 {
		s.metrics.TimelineInstances.Add(context.Background(), int64(issued))
	}
}

// pickMemberLocked chooses a random member of groupID, never the member
// chosen last time when there is an alternative.
func (s *Scheduler) pickMemberLocked(groupID string) string {
	if s.groups == nil {
		return ""
	}
	members := s.groups.Members(groupID)
	switch len(members) {
	case 0:
		return ""
	case 1:
		s.lastMember[groupID] = members[0]
		return members[0]
	}
	last := s.lastMember[groupID]
	candidates := make([]string, 0, len(members))
	for _, m := range members {
		if m != last {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		candidates = members
	}
	pick := candidates[s.rng.IntN(len(candidates))]
	s.lastMember[groupID] = pick
	return pick
}

// armLocked registers fn under key, replacing any previous task. fn runs
// with s.mu held, and only while its task is still the table entry.
func (s *Scheduler) armLocked(key string, d time.Duration, fn func()) {
	if old, ok := s.tasks[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	t := &task{key: key, fn: fn}
	s.tasks[key] = t
	if s.paused {
		t.remaining = d
		return
	}
	s.startTaskLocked(t, d)
}

func (s *Scheduler) startTaskLocked(t *task, d time.Duration) {
	t.deadline = s.clock.Now().Add(d)
	t.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.tasks[t.key] != t {
			return
		}
		delete(s.tasks, t.key)
		t.fn()
	})
}

func (s *Scheduler) cancelAllLocked() {
	for key, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.tasks, key)
	}
}

// Pause suspends the shared clock and every armed timer.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || s.paused {
		return
	}
	now := s.clock.Now()
	s.player.Suspend()
	s.paused = true
	s.pausedAt = now
	for _, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
			t.remaining = max(t.deadline.Sub(now), 0)
		}
	}
	slog.Info("timeline: paused")
}

// Resume unfreezes the clock, shifts the timeline start reference by the
// paused duration and re-arms every timer with its remaining time.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	now := s.clock.Now()
	s.player.Resume()
	s.startedAt = s.startedAt.Add(now.Sub(s.pausedAt))
	s.paused = false
	for _, t := range s.tasks {
		s.startTaskLocked(t, t.remaining)
	}
	slog.Info("timeline: resumed", "paused_for", now.Sub(s.pausedAt))
}

// Stop cancels every task and stops all audio.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
	s.gen++
	if s.paused {
		s.player.Resume()
	}
	s.player.StopAll()
	s.player.SetPlaybackContext(nil)
	s.playing = false
	s.paused = false
	s.plans = nil
}

// Status is a snapshot of the scheduler.
type Status struct {
	Playing  bool          `json:"playing"`
	Paused   bool          `json:"paused"`
	Looping  bool          `json:"looping"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Tasks    int           `json:"tasks"`
}

// Status returns the current playhead and flags.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Playing:  s.playing,
		Paused:   s.paused,
		Looping:  s.looping,
		Position: s.positionLocked(),
		Duration: s.maxEnd,
		Tasks:    len(s.tasks),
	}
}

// Position returns the playhead relative to the timeline start. Looping
// timelines wrap at the longest track.
func (s *Scheduler) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Scheduler) positionLocked() time.Duration {
	if !s.playing {
		return 0
	}
	ref := s.clock.Now()
	if s.paused {
		ref = s.pausedAt
	}
	pos := max(ref.Sub(s.startedAt), 0)
	if s.looping && s.maxEnd > 0 {
		return pos % s.maxEnd
	}
	return min(pos, s.maxEnd)
}

// Playing reports whether a timeline is active.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}
