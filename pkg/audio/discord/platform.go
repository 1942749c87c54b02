// Package discord provides an [audio.VoiceClient] implementation backed by
// Discord via the bwmarrin/discordgo library, and the Opus encoder used to
// feed it.
//
// A [Client] owns one gateway session for one bot token. Each call to
// [Client.JoinVoice] joins a voice channel and returns a [Link] that accepts
// pre-encoded 20 ms Opus packets.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertions.
var (
	_ audio.VoiceClient = (*Client)(nil)
	_ audio.Dialer      = Dial
)

// Client implements [audio.VoiceClient] on top of a discordgo session.
//
// Client is safe for concurrent use.
type Client struct {
	session *discordgo.Session
	token   string
	ready   atomic.Bool

	mu      sync.Mutex
	joined  map[string]string // guildID -> channelID we asked to be in
	leaving map[string]bool
	dropCb  func(guildID string)

	removeHandlers []func()
}

// Dial opens a gateway session for token and waits for the READY event or
// until ctx is done.
func Dial(ctx context.Context, token string) (audio.VoiceClient, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	c := newClient(session, token)

	readyCh := make(chan struct{})
	var once sync.Once
	c.removeHandlers = append(c.removeHandlers,
		session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
			c.ready.Store(true)
			once.Do(func() { close(readyCh) })
		}),
		session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			c.ready.Store(true)
		}),
		session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			c.ready.Store(false)
		}),
		session.AddHandler(c.handleVoiceStateUpdate),
	)

	if err := session.Open(); err != nil {
		c.detach()
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}

	select {
	case <-readyCh:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("discord: wait for ready: %w", ctx.Err())
	}
}

func newClient(session *discordgo.Session, token string) *Client {
	return &Client{
		session: session,
		token:   token,
		joined:  make(map[string]string),
		leaving: make(map[string]bool),
	}
}

// Token returns the bot token the session was opened with.
func (c *Client) Token() string { return c.token }

// Ready reports whether the gateway is connected.
func (c *Client) Ready() bool { return c.ready.Load() }

// VerifyChannel checks that the guild exists and that channelID is a voice
// or stage channel inside it.
func (c *Client) VerifyChannel(ctx context.Context, guildID, channelID string) error {
	if _, err := c.session.Guild(guildID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: guild %q: %w", guildID, classifyREST(err))
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: channel %q: %w", channelID, classifyREST(err))
	}
	if ch.GuildID != guildID {
		return fmt.Errorf("discord: channel %q is not in guild %q: %w", channelID, guildID, audio.ErrNotFound)
	}
	if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
		return fmt.Errorf("discord: channel %q is not a voice channel: %w", channelID, audio.ErrNotFound)
	}
	return nil
}

// classifyREST maps 404 and 403 responses to [audio.ErrNotFound].
func classifyREST(err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return fmt.Errorf("%w: %v", audio.ErrNotFound, err)
		}
	}
	return err
}

// JoinVoice joins the channel without receiving audio (deafened) and returns
// once the voice connection is ready or ctx is done.
func (c *Client) JoinVoice(ctx context.Context, guildID, channelID string) (audio.VoiceLink, error) {
	c.mu.Lock()
	c.joined[guildID] = channelID
	delete(c.leaving, guildID)
	c.mu.Unlock()

	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan result, 1)
	go func() {
		vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, true)
		done <- result{vc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.forget(guildID)
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, r.err)
		}
		return newLink(r.vc, c, guildID), nil
	case <-ctx.Done():
		c.forget(guildID)
		// The join may still complete; leave as soon as it does.
		go func() {
			if r := <-done; r.err == nil && r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
}

// OnVoiceDrop registers cb for unexpected removals from a voice channel.
func (c *Client) OnVoiceDrop(cb func(guildID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropCb = cb
}

// Close detaches all handlers and closes the gateway session.
func (c *Client) Close() error {
	c.detach()
	c.ready.Store(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}

func (c *Client) detach() {
	c.mu.Lock()
	handlers := c.removeHandlers
	c.removeHandlers = nil
	c.mu.Unlock()
	for _, rm := range handlers {
		rm()
	}
}

// markLeaving records that the next removal from guildID was requested.
func (c *Client) markLeaving(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaving[guildID] = true
}

func (c *Client) forget(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, guildID)
}

// handleVoiceStateUpdate detects the bot being moved out of a channel it did
// not ask to leave (kicked, channel deleted, voice server lost).
func (c *Client) handleVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil || vsu.UserID != s.State.User.ID {
		return
	}
	if vsu.ChannelID != "" {
		return
	}

	c.mu.Lock()
	_, joined := c.joined[vsu.GuildID]
	requested := c.leaving[vsu.GuildID]
	delete(c.joined, vsu.GuildID)
	delete(c.leaving, vsu.GuildID)
	cb := c.dropCb
	c.mu.Unlock()

	if !joined || requested {
		return
	}
	slog.Warn("discord: removed from voice channel", "guild_id", vsu.GuildID)
	if cb != nil {
		go cb(vsu.GuildID)
	}
}
