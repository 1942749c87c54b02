// Package bridge implements the voice bridge process: a long-lived sidecar
// that owns the Discord voice connection, buffers PCM from the host, encodes
// it to Opus at a fixed cadence and reports telemetry.
//
// The connection lifecycle is an explicit state machine (see [State]). Every
// state change goes through a single transition function, and every connect,
// drop and disconnect bumps a generation counter. A reconnect attempt only
// takes effect if the generation it was started under is still current, so
// a newer connect or disconnect always wins over a stale attempt.
//
// The audio pipeline (jitter buffer → pump → Opus encoder → voice link) is
// built once on the first connect and reused across reconnects. The pump keeps
// running while disconnected so the encoder sees an unbroken stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/bridge/jitter"
	"github.com/MrWong99/ambiance/internal/bridge/protocol"
	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/pkg/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Connect timeouts.
const (
	ClientReadyTimeout = 15 * time.Second
	VoiceReadyTimeout  = 15 * time.Second
	ReconnectWindow    = 5 * time.Second
)

var (
	// ErrDestroyed is returned by Connect after Shutdown.
	ErrDestroyed = errors.New("bridge: shut down")

	errSuperseded = errors.New("bridge: connect superseded")
)

// Encoder turns one 20 ms PCM frame into one Opus packet. It is only ever
// called from the pump goroutine.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Option is a functional option for [New].
type Option func(*Bridge)

// WithTimeouts overrides the client-ready, voice-ready and reconnect
// timeouts. Non-positive values keep the defaults.
func WithTimeouts(clientReady, voiceReady, reconnect time.Duration) Option {
	return func(b *Bridge) {
		if clientReady > 0 {
			b.readyTimeout = clientReady
		}
		if voiceReady > 0 {
			b.voiceTimeout = voiceReady
		}
		if reconnect > 0 {
			b.reconnectTimeout = reconnect
		}
	}
}

// WithBufferCapacity overrides [jitter.DefaultCapacity].
func WithBufferCapacity(n int) Option {
	return func(b *Bridge) { b.buf = jitter.NewBuffer(n, jitter.StartFrames) }
}

// WithPumpInterval overrides [jitter.Interval].
func WithPumpInterval(d time.Duration) Option {
	return func(b *Bridge) { b.pumpInterval = d }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge owns one voice connection. All methods are safe for concurrent use.
type Bridge struct {
	dial             audio.Dialer
	newEncoder       func() (Encoder, error)
	readyTimeout     time.Duration
	voiceTimeout     time.Duration
	reconnectTimeout time.Duration
	pumpInterval     time.Duration
	metrics          *observe.Metrics
	buf              *jitter.Buffer

	life       context.Context
	cancelLife context.CancelFunc

	// opMu serialises Connect, Disconnect and Shutdown.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	client    audio.VoiceClient
	link      audio.VoiceLink
	guildID   string
	channelID string
	enc       Encoder
	pump      *jitter.Pump
	pumpStop  context.CancelFunc
	pumpDone  chan struct{}

	chunksSent    uint64
	invalidChunks uint64
	invalidFrames uint64
	reconnects    uint64
	lastError     string

	// pump goroutine only
	seenUnderruns uint64
}

// New creates an idle bridge. dial opens platform sessions and newEncoder
// builds the Opus encoder on first connect.
func New(dial audio.Dialer, newEncoder func() (Encoder, error), opts ...Option) *Bridge {
	b := &Bridge{
		dial:             dial,
		newEncoder:       newEncoder,
		readyTimeout:     ClientReadyTimeout,
		voiceTimeout:     VoiceReadyTimeout,
		reconnectTimeout: ReconnectWindow,
		pumpInterval:     jitter.Interval,
		buf:              jitter.NewBuffer(jitter.DefaultCapacity, jitter.StartFrames),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.life, b.cancelLife = context.WithCancel(context.Background())
	return b
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// fireLocked applies ev through [transition]. It reports whether ev was
// accepted.
func (b *Bridge) fireLocked(ev event) bool {
	next, ok := transition(b.state, ev)
	if !ok {
		slog.Debug("bridge: event ignored", "state", b.state, "event", ev)
		return false
	}
	if next != b.state {
		slog.Info("bridge: state changed", "from", b.state, "to", next, "event", ev)
	}
	b.state = next
	return true
}

// Connect joins the voice channel named by c. The payload is validated
// before anything touches the network. An existing session is reused when
// the token matches and it is still ready.
func (b *Bridge) Connect(ctx context.Context, c protocol.Connect) (err error) {
	c, err = c.Normalize()
	if err != nil {
		b.recordError(err)
		return err
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.life, cancel)
	defer stop()

	ctx, span := observe.StartSpan(ctx, "bridge.connect",
		attribute.String("guild_id", c.GuildID),
		attribute.String("channel_id", c.ChannelID),
	)
	defer func() { observe.EndSpan(span, err) }()

	b.mu.Lock()
	if !b.fireLocked(evConnect) {
		b.mu.Unlock()
		return ErrDestroyed
	}
	b.gen++
	gen := b.gen
	old := b.link
	b.link = nil
	b.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(); err != nil {
			slog.Warn("bridge: leaving previous channel", "err", err)
		}
	}

	start := time.Now()
	err = b.connect(ctx, c, gen)
	status := "ok"
	if err != nil {
		status = "error"
	}
	b.metrics.BridgeConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))

	if err != nil {
		b.mu.Lock()
		if b.gen == gen {
			b.fireLocked(evConnectFailed)
		}
		b.lastError = err.Error()
		b.mu.Unlock()
		observe.Logger(ctx).Error("bridge: connect failed", "guild_id", c.GuildID, "channel_id", c.ChannelID, "err", err)
		return err
	}
	observe.Logger(ctx).Info("bridge: connected", "guild_id", c.GuildID, "channel_id", c.ChannelID, "took", time.Since(start))
	return nil
}

func (b *Bridge) connect(ctx context.Context, c protocol.Connect, gen uint64) error {
	client, err := b.ensureClient(ctx, c.Token)
	if err != nil {
		return err
	}

	vctx, cancel := context.WithTimeout(ctx, b.readyTimeout)
	err = client.VerifyChannel(vctx, c.GuildID, c.ChannelID)
	cancel()
	if err != nil {
		return fmt.Errorf("bridge: guild %s channel %s: %w", c.GuildID, c.ChannelID, err)
	}

	if err := b.ensurePipeline(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return errSuperseded
	}
	b.fireLocked(evClientReady)
	b.mu.Unlock()

	client.OnVoiceDrop(b.handleDrop)

	jctx, cancel := context.WithTimeout(ctx, b.voiceTimeout)
	link, err := client.JoinVoice(jctx, c.GuildID, c.ChannelID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("bridge: voice not ready within %v: %w", b.voiceTimeout, err)
		}
		return fmt.Errorf("bridge: join voice: %w", err)
	}
	if err := link.SetSpeaking(true); err != nil {
		slog.Warn("bridge: set speaking", "err", err)
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		_ = link.Disconnect()
		return errSuperseded
	}
	b.link = link
	b.guildID = c.GuildID
	b.channelID = c.ChannelID
	b.lastError = ""
	b.buf.Reset()
	b.fireLocked(evJoined)
	b.mu.Unlock()
	return nil
}

// ensureClient returns a ready session for token, replacing the current
// one when the token differs or it is no longer ready.
func (b *Bridge) ensureClient(ctx context.Context, token string) (audio.VoiceClient, error) {
	b.mu.Lock()
	cl := b.client
	b.mu.Unlock()

	if cl != nil && cl.Token() == token && cl.Ready() {
		return cl, nil
	}
	if cl != nil {
		if err := cl.Close(); err != nil {
			slog.Warn("bridge: closing stale client", "err", err)
		}
		b.mu.Lock()
		b.client = nil
		b.mu.Unlock()
	}

	dctx, cancel := context.WithTimeout(ctx, b.readyTimeout)
	defer cancel()
	cl, err := b.dial(dctx, token)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("bridge: client not ready within %v: %w", b.readyTimeout, err)
		}
		return nil, fmt.Errorf("bridge: open client: %w", err)
	}

	b.mu.Lock()
	b.client = cl
	b.mu.Unlock()
	return cl, nil
}

// ensurePipeline builds the encoder and starts the pump exactly once.
func (b *Bridge) ensurePipeline() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pump != nil {
		return nil
	}
	enc, err := b.newEncoder()
	if err != nil {
		return fmt.Errorf("bridge: build encoder: %w", err)
	}
	b.enc = enc
	b.pump = jitter.NewPump(b.buf, b.pumpInterval, b.emit)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.pumpStop = cancel
	b.pumpDone = done
	go func(p *jitter.Pump) {
		defer close(done)
		_ = p.Run(ctx)
	}(b.pump)
	slog.Debug("bridge: audio pipeline started", "interval", b.pumpInterval)
	return nil
}

// emit is the pump sink: encode every frame, silence included, and send it
// when a link is up.
func (b *Bridge) emit(frame []int16, real bool) {
	if u := b.buf.Stats().Underruns; u > b.seenUnderruns {
		b.metrics.BridgeUnderruns.Add(context.Background(), int64(u-b.seenUnderruns))
		b.seenUnderruns = u
	}

	b.mu.Lock()
	enc, link := b.enc, b.link
	b.mu.Unlock()
	if enc == nil {
		return
	}

	pkt, err := enc.Encode(frame)
	if err != nil {
		b.recordError(err)
		return
	}
	if link == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.pumpInterval)
	defer cancel()
	if err := link.SendOpus(ctx, pkt); err != nil {
		b.metrics.RecordBridgeChunks(ctx, "dropped", 1)
		return
	}
	if real {
		b.metrics.RecordBridgeChunks(ctx, "sent", 1)
	}
}

// handleDrop reacts to the platform removing the bot from its channel.
func (b *Bridge) handleDrop(guildID string) {
	b.mu.Lock()
	if guildID != b.guildID || !b.fireLocked(evDropped) {
		b.mu.Unlock()
		return
	}
	b.gen++
	gen := b.gen
	b.reconnects++
	old := b.link
	b.link = nil
	client, channelID := b.client, b.channelID
	b.mu.Unlock()

	slog.Warn("bridge: voice connection dropped, reconnecting", "guild_id", guildID, "window", b.reconnectTimeout)
	if old != nil {
		_ = old.Disconnect()
	}
	go b.rejoin(gen, client, guildID, channelID)
}

func (b *Bridge) rejoin(gen uint64, client audio.VoiceClient, guildID, channelID string) {
	ctx, cancel := context.WithTimeout(b.life, b.reconnectTimeout)
	defer cancel()

	var link audio.VoiceLink
	err := errors.New("no client")
	if client != nil {
		link, err = client.JoinVoice(ctx, guildID, channelID)
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		if link != nil {
			_ = link.Disconnect()
		}
		return
	}
	if err != nil {
		b.fireLocked(evRejoinFailed)
		b.lastError = fmt.Sprintf("voice disconnected and could not reconnect: %v", err)
		b.mu.Unlock()
		b.metrics.RecordReconnect(ctx, "failed")
		slog.Error("bridge: reconnect failed", "guild_id", guildID, "err", err)
		return
	}
	b.link = link
	b.fireLocked(evRejoined)
	b.mu.Unlock()

	if err := link.SetSpeaking(true); err != nil {
		slog.Warn("bridge: set speaking", "err", err)
	}
	b.metrics.RecordReconnect(ctx, "ok")
	slog.Info("bridge: reconnected", "guild_id", guildID)
}

// Disconnect leaves the voice channel and clears buffered audio. The client
// session and the pipeline stay up for the next connect.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil
	}
	b.gen++
	link := b.link
	b.link = nil
	b.guildID, b.channelID = "", ""
	b.buf.Reset()
	b.fireLocked(evDisconnect)
	b.mu.Unlock()

	if link != nil {
		if err := link.Disconnect(); err != nil {
			return fmt.Errorf("bridge: disconnect: %w", err)
		}
	}
	observe.Logger(ctx).Info("bridge: disconnected")
	return nil
}

// Shutdown tears everything down in reverse dependency order: voice link,
// pump, buffered audio, encoder, client session. Pending connects are
// cancelled. It is idempotent.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.cancelLife()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil
	}
	b.gen++
	link := b.link
	b.link = nil
	stop, done := b.pumpStop, b.pumpDone
	b.pump, b.pumpStop, b.pumpDone = nil, nil, nil
	client := b.client
	b.client = nil
	b.guildID, b.channelID = "", ""
	b.fireLocked(evShutdown)
	b.mu.Unlock()

	var errs []error
	if link != nil {
		if err := link.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("bridge: disconnect: %w", err))
		}
	}
	if stop != nil {
		stop()
		<-done
	}
	b.buf.Reset()
	b.mu.Lock()
	b.enc = nil
	b.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bridge: close client: %w", err))
		}
	}
	observe.Logger(ctx).Info("bridge: shut down")
	return errors.Join(errs...)
}

// SendPCM accepts one packet of exactly [protocol.PacketSamples] samples,
// splitting it into two frames for the jitter buffer. Any other non-empty
// length is counted as a dropped chunk and recorded as the last error. It
// reports whether the packet was queued; an empty packet is a no-op and a
// destroyed bridge accepts nothing.
func (b *Bridge) SendPCM(pcm []int16) bool {
	if len(pcm) == 0 {
		return true
	}
	var frames [][]int16
	if len(pcm) == protocol.PacketSamples {
		frames = make([][]int16, 0, len(pcm)/audio.FrameSamples)
		for off := 0; off < len(pcm); off += audio.FrameSamples {
			frames = append(frames, append([]int16(nil), pcm[off:off+audio.FrameSamples]...))
		}
	}

	// Holding mu orders the push against Shutdown, which resets the buffer
	// only after marking the bridge destroyed.
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return false
	}
	if frames == nil {
		b.invalidChunks++
		b.invalidFrames += uint64(len(pcm) / audio.Channels)
		b.lastError = fmt.Sprintf("invalid PCM packet size: %d", len(pcm))
		b.mu.Unlock()
		b.metrics.RecordBridgeChunks(context.Background(), "invalid", 1)
		return false
	}
	overflow := 0
	for _, f := range frames {
		if b.buf.Push(f) {
			overflow++
		}
	}
	b.chunksSent++
	b.mu.Unlock()

	b.metrics.RecordBridgeChunks(context.Background(), "dropped", overflow)
	return true
}

// Telemetry returns a snapshot. It has no side effects.
func (b *Bridge) Telemetry() protocol.Telemetry {
	st := b.buf.Stats()

	b.mu.Lock()
	defer b.mu.Unlock()
	t := protocol.Telemetry{
		Connected:         b.state == StateReady || b.state == StateReconnecting,
		State:             b.state.String(),
		ChunksSent:        b.chunksSent,
		ChunksDropped:     b.invalidChunks + st.Overflows,
		QueueDepth:        st.Depth,
		QueueCapacity:     st.Capacity,
		Underruns:         st.Underruns,
		DroppedFrames:     b.invalidFrames + st.Overflows*audio.FrameSize,
		ReconnectAttempts: b.reconnects,
	}
	if b.guildID != "" {
		g, c := b.guildID, b.channelID
		t.GuildID, t.ChannelID = &g, &c
	}
	if b.lastError != "" {
		e := b.lastError
		t.LastError = &e
	}
	return t
}

// RecordFault stores msg as the last error. It is used for failures that
// are not tied to a connection step, such as recovered panics.
func (b *Bridge) RecordFault(msg string) {
	b.mu.Lock()
	b.lastError = msg
	b.mu.Unlock()
}

func (b *Bridge) recordError(err error) { b.RecordFault(err.Error()) }
