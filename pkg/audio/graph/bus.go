package graph

import "github.com/MrWong99/ambiance/pkg/audio"

// Bus is a mixer channel strip. Sources routed to a muted bus are silent;
// when any bus is soloed, only soloed buses are audible.
type Bus struct {
	g       *Graph
	channel audio.ChannelType
	volume  float64
	muted   bool
	solo    bool
}

// BusState is a snapshot of a channel strip.
type BusState struct {
	Channel audio.ChannelType `json:"channel"`
	Volume  float64           `json:"volume"`
	Muted   bool              `json:"muted"`
	Solo    bool              `json:"solo"`
}

// Channel returns the channel this bus carries.
func (b *Bus) Channel() audio.ChannelType { return b.channel }

// SetVolume sets the linear bus gain. Negative values are treated as zero.
func (b *Bus) SetVolume(v float64) {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	b.volume = max(v, 0)
}

// SetMuted mutes or unmutes the bus.
func (b *Bus) SetMuted(m bool) {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	b.muted = m
}

// SetSolo solos or unsolos the bus.
func (b *Bus) SetSolo(s bool) {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	b.solo = s
}

// State returns a snapshot of the bus settings.
func (b *Bus) State() BusState {
	b.g.mu.Lock()
	defer b.g.mu.Unlock()
	return BusState{Channel: b.channel, Volume: b.volume, Muted: b.muted, Solo: b.solo}
}

func (b *Bus) gainLocked(anySolo bool) float64 {
	if b.muted || (anySolo && !b.solo) {
		return 0
	}
	return b.volume
}
