package timeline

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ambiance/internal/engine"
	"github.com/MrWong99/ambiance/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type playCall struct {
	id                      string
	delay, duration, fadeIn time.Duration
}

type fakePlayer struct {
	mu        sync.Mutex
	plays     []playCall
	fadeOuts  []time.Duration
	stopAlls  int
	suspended bool
	ctx       *engine.PlaybackContext
}

func (p *fakePlayer) PlayScheduled(id string, delay, duration, fadeIn time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, playCall{id, delay, duration, fadeIn})
}

func (p *fakePlayer) FadeOutAll(w time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fadeOuts = append(p.fadeOuts, w)
}

func (p *fakePlayer) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAlls++
}

func (p *fakePlayer) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
}

func (p *fakePlayer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = false
}

func (p *fakePlayer) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

func (p *fakePlayer) SetPlaybackContext(pc *engine.PlaybackContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = pc
}

func (p *fakePlayer) takePlays() []playCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.plays
	p.plays = nil
	return out
}

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// pending returns the deadlines of armed timers relative to now.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type staticGroups map[string][]string

func (g staticGroups) Members(id string) []string { return g[id] }

func newTestScheduler(t *testing.T, groups GroupResolver) (*Scheduler, *fakePlayer, *fakeClock) {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p := &fakePlayer{}
	c := newFakeClock()
	s := New(p, groups,
		WithClock(c),
		WithMetrics(m),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	return s, p, c
}

func twoElements() []Element {
	return []Element{
		{TrackID: "1", SourceID: "1", StartOffset: 0, Duration: 2000 * time.Millisecond},
		{TrackID: "1", SourceID: "2", StartOffset: 3000 * time.Millisecond, Duration: 1500 * time.Millisecond},
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestCrossfade_NonLoopingSchedulesOnceAndStops(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	s.CrossfadeToTimeline(context.Background(), twoElements(), []Track{{ID: "1"}}, false, nil)

	if got := p.fadeOuts; len(got) != 1 || got[0] != Crossfade {
		t.Fatalf("fade-outs = %v, want [%v]", got, Crossfade)
	}
	if len(p.takePlays()) != 0 {
		t.Fatal("instances issued before the settle delay")
	}

	c.Advance(SettleDelay)
	plays := p.takePlays()
	want := []playCall{
		{"1", 0, 2000 * time.Millisecond, Crossfade},
		{"2", 3000 * time.Millisecond, 1500 * time.Millisecond, 0},
	}
	if !slices.Equal(plays, want) {
		t.Fatalf("plays = %+v, want %+v", plays, want)
	}
	if got := c.pending(); !slices.Equal(got, []time.Duration{4500 * time.Millisecond}) {
		t.Fatalf("pending timers = %v, want [4.5s]", got)
	}
	if !s.Playing() {
		t.Fatal("not playing after settle")
	}

	c.Advance(4500 * time.Millisecond)
	if s.Playing() {
		t.Error("still playing after the end timer")
	}
	c.Advance(time.Minute)
	if got := p.takePlays(); len(got) != 0 {
		t.Errorf("issued %d instances after the end timer", len(got))
	}
}

func TestCrossfade_LoopReArmsWithoutFade(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	// No explicit tracks: the timeline-level loop flag applies.
	s.CrossfadeToTimeline(context.Background(), twoElements(), nil, true, nil)

	c.Advance(SettleDelay)
	if got := len(p.takePlays()); got != 2 {
		t.Fatalf("first pass issued %d, want 2", got)
	}

	for pass := range 3 {
		c.Advance(4500 * time.Millisecond)
		plays := p.takePlays()
		if len(plays) != 2 {
			t.Fatalf("pass %d issued %d, want 2", pass+2, len(plays))
		}
		for _, pc := range plays {
			if pc.fadeIn != 0 {
				t.Errorf("pass %d: %q faded in on a loop", pass+2, pc.id)
			}
		}
	}
	if !s.Status().Looping {
		t.Error("Status.Looping = false")
	}
}

func TestCrossfade_IndependentTrackLoops(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	elements := []Element{
		{TrackID: "a", SourceID: "rain", Duration: time.Second},
		{TrackID: "b", SourceID: "wind", Duration: 3 * time.Second},
	}
	tracks := []Track{{ID: "a", Loop: true}, {ID: "b", Loop: true}}
	s.CrossfadeToTimeline(context.Background(), elements, tracks, false, nil)
	c.Advance(SettleDelay)
	p.takePlays()

	c.Advance(3 * time.Second)
	counts := map[string]int{}
	for _, pc := range p.takePlays() {
		counts[pc.id]++
	}
	if counts["rain"] != 3 || counts["wind"] != 1 {
		t.Fatalf("re-arms after 3s = %v, want rain:3 wind:1", counts)
	}
}

func TestCrossfade_EmptyTimelineUsesDefaultDuration(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	s.CrossfadeToTimeline(context.Background(), nil, nil, true, nil)
	c.Advance(SettleDelay)

	if got := c.pending(); !slices.Equal(got, []time.Duration{DefaultDuration}) {
		t.Fatalf("pending timers = %v, want [%v]", got, DefaultDuration)
	}
	if !s.Playing() {
		t.Fatal("empty timeline should still report playing")
	}
	if len(p.takePlays()) != 0 {
		t.Error("empty timeline issued instances")
	}
	c.Advance(DefaultDuration)
	if s.Playing() {
		t.Error("still playing after default duration")
	}
}

func TestCrossfade_SetsPlaybackContextAndResumesClock(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	p.suspended = true
	pc := &engine.PlaybackContext{SoundSetID: 10, MoodID: 20, TimelineID: 30}
	s.CrossfadeToTimeline(context.Background(), twoElements()[:1], nil, false, pc)
	c.Advance(SettleDelay)

	if p.Suspended() {
		t.Error("clock not resumed")
	}
	if p.ctx == nil || *p.ctx != *pc {
		t.Errorf("playback context = %+v, want %+v", p.ctx, pc)
	}
	if !s.Playing() {
		t.Error("not playing")
	}
}

func TestCrossfade_ReplacesPreviousTimers(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	s.CrossfadeToTimeline(context.Background(), twoElements(), nil, true, nil)
	c.Advance(SettleDelay)
	p.takePlays()

	other := []Element{{TrackID: "x", SourceID: "9", Duration: 10 * time.Second}}
	s.CrossfadeToTimeline(context.Background(), other, nil, false, nil)
	c.Advance(SettleDelay + 5*time.Second)

	for _, pc := range p.takePlays() {
		if pc.id != "9" {
			t.Fatalf("old loop re-armed after crossfade: %+v", pc)
		}
	}
}

func TestGroups_TwoMembersAlternate(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, staticGroups{"g": {"a", "b"}})
	elements := []Element{{TrackID: "t", GroupID: "g", Duration: time.Second}}
	s.CrossfadeToTimeline(context.Background(), elements, []Track{{ID: "t", Loop: true}}, false, nil)
	c.Advance(SettleDelay)
	c.Advance(9 * time.Second)

	plays := p.takePlays()
	if len(plays) != 10 {
		t.Fatalf("issued %d, want 10", len(plays))
	}
	for i := 1; i < len(plays); i++ {
		if plays[i].id == plays[i-1].id {
			t.Fatalf("pass %d repeated %q", i, plays[i].id)
		}
	}
}

func TestGroups_NoImmediateRepeat(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, staticGroups{"g": {"a", "b", "c", "d"}})
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := ""
	for range 200 {
		got := s.pickMemberLocked("g")
		if got == prev {
			t.Fatalf("picked %q twice in a row", got)
		}
		prev = got
	}
}

func TestGroups_EmptyAndSingle(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, staticGroups{"one": {"solo"}})
	s.mu.Lock()
	defer s.mu.Unlock()
	if got := s.pickMemberLocked("missing"); got != "" {
		t.Errorf("empty group picked %q", got)
	}
	for range 3 {
		if got := s.pickMemberLocked("one"); got != "solo" {
			t.Errorf("single group picked %q", got)
		}
	}
}

func TestPauseResume_ShiftsTimersAndPosition(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	s.CrossfadeToTimeline(context.Background(), twoElements(), nil, false, nil)
	c.Advance(SettleDelay)
	c.Advance(time.Second)

	s.Pause()
	if !p.Suspended() {
		t.Fatal("clock not suspended")
	}
	if got := s.Position(); got != time.Second {
		t.Fatalf("Position at pause = %v, want 1s", got)
	}

	c.Advance(10 * time.Second)
	if !s.Playing() {
		t.Fatal("end timer fired while paused")
	}
	if got := s.Position(); got != time.Second {
		t.Fatalf("Position while paused = %v, want 1s", got)
	}

	s.Resume()
	if p.Suspended() {
		t.Fatal("clock not resumed")
	}
	if got := c.pending(); !slices.Equal(got, []time.Duration{3500 * time.Millisecond}) {
		t.Fatalf("pending after resume = %v, want [3.5s]", got)
	}
	c.Advance(time.Second)
	if got := s.Position(); got != 2*time.Second {
		t.Errorf("Position after resume = %v, want 2s", got)
	}
	c.Advance(2500 * time.Millisecond)
	if s.Playing() {
		t.Error("end timer did not fire after remaining time")
	}
}

func TestStop_CancelsEverything(t *testing.T) {
	t.Parallel()

	s, p, c := newTestScheduler(t, nil)
	s.CrossfadeToTimeline(context.Background(), twoElements(), nil, true, nil)
	c.Advance(SettleDelay)
	p.takePlays()

	s.Pause()
	s.Stop()
	if p.stopAlls != 1 {
		t.Errorf("StopAll calls = %d, want 1", p.stopAlls)
	}
	if p.Suspended() {
		t.Error("clock left suspended after Stop")
	}
	if len(c.pending()) != 0 {
		t.Errorf("timers still armed: %v", c.pending())
	}
	c.Advance(time.Minute)
	if got := p.takePlays(); len(got) != 0 {
		t.Errorf("%d instances issued after Stop", len(got))
	}
	if st := s.Status(); st.Playing || st.Tasks != 0 {
		t.Errorf("Status after Stop = %+v", st)
	}
}

func TestPlan_ImplicitTrackAndPeriod(t *testing.T) {
	t.Parallel()

	plans, maxEnd := plan([]Element{
		{TrackID: "known", SourceID: "a", StartOffset: time.Second, Duration: time.Second},
		{TrackID: "ghost", SourceID: "b", StartOffset: 0, Duration: 5 * time.Second},
	}, []Track{{ID: "known", Loop: true}, {ID: "empty", Loop: true}}, false)

	if maxEnd != 5*time.Second {
		t.Errorf("maxEnd = %v, want 5s", maxEnd)
	}
	byID := map[string]trackPlan{}
	for _, p := range plans {
		byID[p.id] = p
	}
	if p := byID["known"]; !p.loop || p.period != 2*time.Second {
		t.Errorf("known = %+v", p)
	}
	if p := byID["ghost"]; p.loop || p.period != 5*time.Second {
		t.Errorf("ghost = %+v", p)
	}
	if p := byID["empty"]; p.period != 0 {
		t.Errorf("empty track period = %v, want 0", p.period)
	}
}
