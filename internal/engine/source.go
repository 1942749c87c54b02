package engine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/MrWong99/ambiance/pkg/audio/graph"
)

// Source is one loaded, decoded buffer bound to an audio element. It owns a
// volume param shared by all of its nodes, a looping flag, at most one live
// node started by transport commands, and any number of scheduled
// instances.
//
// Source fields other than ID and Channel are guarded by the engine lock.
type Source struct {
	ID      string
	Channel audio.ChannelType

	buf       *graph.Buffer
	gain      *graph.Param
	looping   bool
	live      *graph.Node
	instances []*Instance
	playing   bool
}

// Instance is one clock-scheduled playback of a source. The window is fixed
// at creation; a stale instance is cancelled and replaced, never edited
// (fade-out only shortens Stop to the end of its ramp).
type Instance struct {
	SourceID string
	Start    float64 // clock seconds
	Stop     float64 // clock seconds
	FadeIn   time.Duration

	node *graph.Node
}

// ActiveAt reports whether t lies within the instance window.
func (in *Instance) ActiveAt(t float64) bool {
	return t >= in.Start && t < in.Stop
}

func (s *Source) activeAt(now float64) bool {
	return slices.ContainsFunc(s.instances, func(in *Instance) bool { return in.ActiveAt(now) })
}

// stopAllLocked ends the live node and every instance at now.
func (s *Source) stopAllLocked(now float64) {
	if s.live != nil {
		s.live.Stop(now)
		s.live = nil
	}
	for _, in := range s.instances {
		in.node.Stop(now)
	}
	s.instances = nil
}

// SourceState is a read-only snapshot of a source.
type SourceState struct {
	ID        string            `json:"id"`
	Channel   audio.ChannelType `json:"channel"`
	Volume    float64           `json:"volume"`
	Looping   bool              `json:"looping"`
	Playing   bool              `json:"playing"`
	Live      bool              `json:"live"`
	Instances int               `json:"instances"`
	Duration  time.Duration     `json:"duration"`
}

// Sources returns a snapshot of every loaded source sorted by id.
func (e *Engine) Sources() []SourceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SourceState, 0, len(e.sources))
	for _, src := range e.sources {
		out = append(out, SourceState{
			ID:        src.ID,
			Channel:   src.Channel,
			Volume:    src.gain.Value(),
			Looping:   src.looping,
			Playing:   src.playing,
			Live:      src.live != nil,
			Instances: len(src.instances),
			Duration:  src.buf.Duration(),
		})
	}
	slices.SortFunc(out, func(a, b SourceState) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// IsPlaying reports the playing flag of id.
func (e *Engine) IsPlaying(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[id]
	return ok && src.playing
}

// Has reports whether id is loaded.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sources[id]
	return ok
}

// SetVolume sets the linear gain of id.
func (e *Engine) SetVolume(id string, v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	src.gain.SetValue(max(v, 0))
	return nil
}

// SetLooping sets whether transport playback of id wraps around. The change
// applies to the live node immediately.
func (e *Engine) SetLooping(id string, loop bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	src.looping = loop
	if src.live != nil {
		src.live.SetLoop(loop)
	}
	return nil
}

// ToggleLoop flips the looping flag of id and returns the new value.
func (e *Engine) ToggleLoop(id string) (bool, error) {
	e.mu.Lock()
	src, ok := e.sources[id]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	loop := !src.looping
	e.mu.Unlock()
	return loop, e.SetLooping(id, loop)
}

// SetMasterVolume sets the master gain.
func (e *Engine) SetMasterVolume(v float64) error {
	g := e.Graph()
	if g == nil {
		return ErrNotInitialized
	}
	g.Master().SetValue(max(v, 0))
	return nil
}

// MasterVolume returns the master gain, or 0 before Init.
func (e *Engine) MasterVolume() float64 {
	if g := e.Graph(); g != nil {
		return g.Master().Value()
	}
	return 0
}

func (e *Engine) bus(ch audio.ChannelType) (*graph.Bus, error) {
	g := e.Graph()
	if g == nil {
		return nil, ErrNotInitialized
	}
	b := g.Bus(ch)
	if b == nil {
		return nil, fmt.Errorf("engine: unknown channel %q", ch)
	}
	return b, nil
}

// SetChannelVolume sets the gain of a mixer channel.
func (e *Engine) SetChannelVolume(ch audio.ChannelType, v float64) error {
	b, err := e.bus(ch)
	if err != nil {
		return err
	}
	b.SetVolume(v)
	return nil
}

// SetChannelMuted mutes or unmutes a mixer channel.
func (e *Engine) SetChannelMuted(ch audio.ChannelType, muted bool) error {
	b, err := e.bus(ch)
	if err != nil {
		return err
	}
	b.SetMuted(muted)
	return nil
}

// SetChannelSolo solos or unsolos a mixer channel.
func (e *Engine) SetChannelSolo(ch audio.ChannelType, solo bool) error {
	b, err := e.bus(ch)
	if err != nil {
		return err
	}
	b.SetSolo(solo)
	return nil
}

// Channels returns the state of every mixer channel in display order.
func (e *Engine) Channels() []graph.BusState {
	g := e.Graph()
	if g == nil {
		return nil
	}
	out := make([]graph.BusState, 0, len(audio.ChannelTypes))
	for _, ct := range audio.ChannelTypes {
		out = append(out, g.Bus(ct).State())
	}
	return out
}
