// Package mock provides in-memory mock implementations of the
// [audio.VoiceClient] and [audio.VoiceLink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on counts and payloads, and they expose exported fields that the
// test sets to control return values.
//
// Typical usage:
//
//	d := &mock.Dialer{Setup: func(c *mock.Client) { c.VerifyErr = audio.ErrNotFound }}
//	b := bridge.New(d.Dial, newEncoder)
//	...
//	if d.DialCount() != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ambiance/pkg/audio"
)

// ─── Link ────────────────────────────────────────────────────────────────────

// Link is a mock implementation of [audio.VoiceLink].
type Link struct {
	mu sync.Mutex

	// SendError is returned by [Link.SendOpus].
	SendError error

	sent         [][]byte
	speaking     []bool
	disconnected int
}

var _ audio.VoiceLink = (*Link)(nil)

// SendOpus records packet.
func (l *Link) SendOpus(_ context.Context, packet []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendError != nil {
		return l.SendError
	}
	l.sent = append(l.sent, packet)
	return nil
}

// SetSpeaking records the flag.
func (l *Link) SetSpeaking(speaking bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speaking = append(l.speaking, speaking)
	return nil
}

// Disconnect counts the call.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected++
	return nil
}

// SentCount returns how many packets were sent.
func (l *Link) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// Sent returns a copy of every packet sent.
func (l *Link) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// DisconnectCount returns how many times Disconnect was called.
func (l *Link) DisconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client is a mock implementation of [audio.VoiceClient]. The zero value is
// a client that is not ready; [Dialer] returns ready clients.
type Client struct {
	mu sync.Mutex

	// TokenValue is returned by [Client.Token].
	TokenValue string

	// NotReady makes [Client.Ready] report false.
	NotReady bool

	// VerifyErr is returned by [Client.VerifyChannel].
	VerifyErr error

	// JoinErrs is consumed one entry per JoinVoice call; nil entries and an
	// exhausted slice succeed.
	JoinErrs []error

	block  chan struct{}
	joins  int
	links  []*Link
	dropCb func(string)
	closed int
}

var _ audio.VoiceClient = (*Client)(nil)

// Token returns TokenValue.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TokenValue
}

// Ready reports whether the client is usable.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.NotReady && c.closed == 0
}

// VerifyChannel returns VerifyErr.
func (c *Client) VerifyChannel(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.VerifyErr
}

// JoinVoice returns a fresh [Link] unless the next JoinErrs entry is set.
// While a block channel is installed it waits for it to close or for ctx.
func (c *Client) JoinVoice(ctx context.Context, _, _ string) (audio.VoiceLink, error) {
	c.mu.Lock()
	c.joins++
	var err error
	if len(c.JoinErrs) > 0 {
		err = c.JoinErrs[0]
		c.JoinErrs = c.JoinErrs[1:]
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	l := &Link{}
	c.mu.Lock()
	c.links = append(c.links, l)
	c.mu.Unlock()
	return l, nil
}

// OnVoiceDrop stores cb for [Client.Drop].
func (c *Client) OnVoiceDrop(cb func(guildID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropCb = cb
}

// Close counts the call; a closed client is no longer ready.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// SetBlock makes later JoinVoice calls wait until ch is closed. nil removes
// the block.
func (c *Client) SetBlock(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = ch
}

// Drop simulates the platform reporting a lost voice connection in guildID.
func (c *Client) Drop(guildID string) {
	c.mu.Lock()
	cb := c.dropCb
	c.mu.Unlock()
	if cb != nil {
		cb(guildID)
	}
}

// JoinCount returns how many times JoinVoice was called.
func (c *Client) JoinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

// CloseCount returns how many times Close was called.
func (c *Client) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LinkCount returns how many links JoinVoice handed out.
func (c *Client) LinkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

// LastLink returns the most recent link, or nil.
func (c *Client) LastLink() *Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return nil
	}
	return c.links[len(c.links)-1]
}

// ─── Dialer ──────────────────────────────────────────────────────────────────

// Dialer hands out ready [Client] values. Pass [Dialer.Dial] wherever an
// [audio.Dialer] is expected.
type Dialer struct {
	mu sync.Mutex

	// Err, when set, fails every dial.
	Err error

	// Setup runs on each new client before it is returned.
	Setup func(*Client)

	clients []*Client
	dials   int
}

// Dial implements [audio.Dialer].
func (d *Dialer) Dial(_ context.Context, token string) (audio.VoiceClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.Err != nil {
		return nil, d.Err
	}
	c := &Client{TokenValue: token}
	if d.Setup != nil {
		d.Setup(c)
	}
	d.clients = append(d.clients, c)
	return c, nil
}

// DialCount returns how many times Dial was called.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Client returns the i-th client handed out.
func (d *Dialer) Client(i int) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

// Last returns the most recent client.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}
