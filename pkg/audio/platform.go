// Package audio defines the PCM format shared by the render graph and the
// voice bridge, and the interfaces for voice platform connectivity.
//
// The two primary abstractions are:
//
//   - [VoiceClient]: an authenticated platform session able to verify
//     guilds/channels and join a voice channel.
//   - [VoiceLink]: an active voice channel connection accepting encoded
//     Opus packets.
//
// Implementations are provided by platform-specific adapter packages
// (e.g., audio/discord). The interfaces are intentionally narrow so the
// bridge state machine can be exercised without a network.
package audio

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [VoiceClient.VerifyChannel] when the guild or
// channel does not exist or is not visible to the bot.
var ErrNotFound = errors.New("audio: guild or channel not found")

// VoiceLink is an active connection to one voice channel.
//
// Implementations must be safe for concurrent use.
type VoiceLink interface {
	// SendOpus transmits one encoded 20 ms Opus packet. It blocks until the
	// packet is accepted by the transport or ctx is done.
	SendOpus(ctx context.Context, packet []byte) error

	// SetSpeaking toggles the speaking indicator.
	SetSpeaking(speaking bool) error

	// Disconnect leaves the voice channel. It is safe to call more than once.
	Disconnect() error
}

// VoiceClient is an authenticated, ready platform session.
//
// Implementations must be safe for concurrent use.
type VoiceClient interface {
	// Token returns the credential this client was opened with.
	Token() string

	// Ready reports whether the gateway session is still usable.
	Ready() bool

	// VerifyChannel checks that guildID exists and channelID is a voice
	// channel inside it. Returns an error wrapping [ErrNotFound] otherwise.
	VerifyChannel(ctx context.Context, guildID, channelID string) error

	// JoinVoice joins the voice channel and returns once it is ready to
	// transmit, or ctx is done.
	JoinVoice(ctx context.Context, guildID, channelID string) (VoiceLink, error)

	// OnVoiceDrop registers cb to be invoked when the bot is removed from a
	// voice channel in guildID without having asked to leave. Only one
	// callback is kept; later calls replace it.
	OnVoiceDrop(cb func(guildID string))

	// Close ends the gateway session.
	Close() error
}

// Dialer opens a new [VoiceClient] for token and waits until it is ready.
type Dialer func(ctx context.Context, token string) (VoiceClient, error)
