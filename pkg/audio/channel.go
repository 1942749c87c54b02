package audio

// ChannelType names a mixer channel strip. Every source is routed to exactly
// one channel.
type ChannelType string

const (
	ChannelMusic     ChannelType = "music"
	ChannelAmbient   ChannelType = "ambient"
	ChannelEffects   ChannelType = "effects"
	ChannelCreatures ChannelType = "creatures"
	ChannelVoice     ChannelType = "voice"
)

// ChannelTypes lists every channel in display order.
var ChannelTypes = []ChannelType{
	ChannelMusic, ChannelAmbient, ChannelEffects, ChannelCreatures, ChannelVoice,
}

// IsValid reports whether c is a recognised channel.
func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelMusic, ChannelAmbient, ChannelEffects, ChannelCreatures, ChannelVoice:
		return true
	}
	return false
}
