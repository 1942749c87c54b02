package discord

import (
	"fmt"

	"github.com/MrWong99/ambiance/pkg/audio"
	"layeh.com/gopus"
)

// maxOpusPacket bounds the encoded size of one 20 ms frame.
const maxOpusPacket = audio.FrameBytes

// OpusEncoder wraps a gopus Opus encoder configured for Discord audio
// (48 kHz stereo, 20 ms frames). An encoder keeps state across frames and
// must be fed from a single goroutine.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an encoder tuned for music rather than speech.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes exactly one frame of interleaved stereo samples
// ([audio.FrameSamples] values).
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != audio.FrameSamples {
		return nil, fmt.Errorf("discord: opus encode: got %d samples, want %d", len(pcm), audio.FrameSamples)
	}
	opus, err := e.enc.Encode(pcm, audio.FrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}
