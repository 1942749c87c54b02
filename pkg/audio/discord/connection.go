package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.VoiceLink = (*Link)(nil)

// Link wraps a discordgo.VoiceConnection and adapts it to [audio.VoiceLink].
// Packets handed to SendOpus are forwarded to the connection's OpusSend
// channel, which discordgo drains at the 20 ms voice cadence.
//
// Link is safe for concurrent use.
type Link struct {
	vc      *discordgo.VoiceConnection
	client  *Client
	guildID string

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

func newLink(vc *discordgo.VoiceConnection, client *Client, guildID string) *Link {
	return &Link{
		vc:           vc,
		client:       client,
		guildID:      guildID,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
}

// SendOpus queues one Opus packet for transmission. It blocks while the
// connection's send channel is full.
func (l *Link) SendOpus(ctx context.Context, packet []byte) error {
	select {
	case <-l.done:
		return fmt.Errorf("discord: send opus: link closed")
	default:
	}
	select {
	case l.vc.OpusSend <- packet:
		return nil
	case <-l.done:
		return fmt.Errorf("discord: send opus: link closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSpeaking sends a speaking notification to Discord.
func (l *Link) SetSpeaking(speaking bool) error {
	if err := l.vc.Speaking(speaking); err != nil {
		return fmt.Errorf("discord: speaking %t: %w", speaking, err)
	}
	return nil
}

// Disconnect leaves the voice channel. It is safe to call more than once;
// subsequent calls return nil.
func (l *Link) Disconnect() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.client != nil {
			l.client.markLeaving(l.guildID)
		}
		if l.disconnectVC != nil {
			err = l.disconnectVC()
		}
		if l.client != nil {
			l.client.forget(l.guildID)
		}
		if err != nil {
			slog.Warn("discord: voice disconnect error", "guild_id", l.guildID, "error", err)
		}
	})
	return err
}
