// Package app wires the ambiance host subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the engine, library,
// scheduler and voice path, Run drives the render loop and the control
// surface, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithBridgeClient,
// WithLibraryStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ambiance/internal/bridge/sidecar"
	"github.com/MrWong99/ambiance/internal/capture"
	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/internal/engine"
	"github.com/MrWong99/ambiance/internal/health"
	"github.com/MrWong99/ambiance/internal/library"
	"github.com/MrWong99/ambiance/internal/observe"
	"github.com/MrWong99/ambiance/internal/output"
	"github.com/MrWong99/ambiance/internal/pacing"
	"github.com/MrWong99/ambiance/internal/timeline"
	"github.com/MrWong99/ambiance/internal/transport"
	"github.com/MrWong99/ambiance/pkg/audio"
	"github.com/MrWong99/ambiance/pkg/audio/graph"
)

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	settings config.Settings
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	engine    *engine.Engine
	transport *transport.Queue
	scheduler *timeline.Scheduler
	library   *library.Library
	store     library.Store
	groups    *groupSet
	capture   *capture.Processor
	ring      *output.Ring
	speaker   *output.Speaker
	driver    *graph.Driver
	pacing    *pacing.Queue
	client    BridgeClient
	voice     *VoiceManager
	health    *health.Handler
	handler   http.Handler

	localPlayback bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSettings injects the live settings service. Without it the output
// mode is fixed to the one in the config.
func WithSettings(s config.Settings) Option {
	return func(a *App) { a.settings = s }
}

// WithLibraryStore injects the element store instead of reading files from
// the configured library directory.
func WithLibraryStore(s library.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBridgeClient injects the voice bridge client instead of spawning the
// bridge process.
func WithBridgeClient(c BridgeClient) Option {
	return func(a *App) { a.client = c }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithoutLocalPlayback skips opening the sound device.
func WithoutLocalPlayback() Option {
	return func(a *App) { a.localPlayback = false }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: graph creation, element
// decoding, scheduler and capture construction, and bridge client setup.
// Elements that fail to decode are logged and skipped; the rest of the
// library stays usable.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:           cfg,
		localPlayback: true,
	}
	for _, o := range opts {
		o(a)
	}
	if a.settings == nil {
		a.settings = config.StaticSettings(cfg.Output.Mode)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engine ────────────────────────────────────────────────────────
	a.engine = engine.New(engine.WithMetrics(a.metrics))
	if err := a.engine.Init(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.engine.Teardown()
		return nil
	})

	// ── 2. Library ───────────────────────────────────────────────────────
	if err := a.initLibrary(); err != nil {
		a.engine.Teardown()
		return nil, fmt.Errorf("app: init library: %w", err)
	}

	// ── 3. Transport and timeline ────────────────────────────────────────
	a.transport = transport.New(a.engine, transport.WithMetrics(a.metrics))
	a.groups = newGroupSet(cfg.Library.Groups)
	a.scheduler = timeline.New(a.engine, a.groups, timeline.WithMetrics(a.metrics))

	// ── 4. Voice path ────────────────────────────────────────────────────
	if err := a.initVoice(); err != nil {
		a.engine.Teardown()
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 5. Output ────────────────────────────────────────────────────────
	a.initOutput()
	a.driver = graph.NewDriver(a.engine.Graph(), 0, a.ring.Write, a.captureSink)

	// ── 6. Health and routes ─────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "engine", Check: a.checkEngine},
		health.Checker{Name: "voice_bridge", Optional: true, Check: a.checkVoice},
	)
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLibrary opens the element store and loads every element into the
// engine.
func (a *App) initLibrary() error {
	if a.store == nil {
		a.store = library.NewDirStore(a.cfg.Library.Dir, a.cfg.Library.Elements)
	}
	lib, err := library.New(a.store, a.cfg.Library.Elements, a.cfg.Library.CacheSize)
	if err != nil {
		return err
	}
	a.library = lib

	loaded := 0
	for _, el := range lib.Elements() {
		if err := a.loadElement(el.ID); err != nil {
			slog.Warn("app: element unavailable", "id", el.ID, "err", err)
			continue
		}
		loaded++
	}
	slog.Info("library loaded", "elements", loaded, "total", len(lib.Elements()))
	return nil
}

func (a *App) loadElement(id string) error {
	buf, err := a.library.Buffer(id)
	if err != nil {
		return err
	}
	return a.engine.Load(id, a.library.Channel(id), buf)
}

// initVoice builds the capture tap, the bridge client and the pacing queue.
func (a *App) initVoice() error {
	a.capture = capture.New(
		capture.WithFramesPerPacket(a.cfg.Capture.FramesPerPacket),
		capture.WithMaxPending(a.cfg.Capture.MaxPending),
		capture.WithSilenceGate(a.cfg.Capture.Gated()),
		capture.WithMetrics(a.metrics),
	)

	if a.client == nil {
		argv := a.cfg.Voice.BridgeCommand
		if len(argv) == 0 {
			var err error
			if argv, err = sidecar.DefaultCommand(); err != nil {
				return err
			}
		}
		c, err := sidecar.New(argv, sidecar.WithStderr(os.Stderr))
		if err != nil {
			return err
		}
		a.client = c
	}

	a.pacing = pacing.New(a.client, a.settings,
		pacing.WithCapacity(a.cfg.Pacing.Capacity),
		pacing.WithInterval(a.cfg.Pacing.Interval),
		pacing.WithMetrics(a.metrics),
	)
	a.voice = NewVoiceManager(a.client, a.pacing, a.cfg.Voice)
	return nil
}

// initOutput creates the local playback ring and, unless disabled, opens
// the sound device. A missing device is not fatal: the host can still
// route to voice.
func (a *App) initOutput() {
	a.ring = output.NewRing(a.settings, output.DefaultLatency)
	if !a.localPlayback {
		return
	}
	spk, err := output.OpenSpeaker(a.ring, a.cfg.Output.Device)
	if err != nil {
		slog.Warn("app: local playback unavailable", "err", err)
		return
	}
	a.speaker = spk
	a.closers = append(a.closers, spk.Close)
}

// captureSink feeds the capture tap only while output is routed to voice.
func (a *App) captureSink(block []audio.Frame) {
	if a.settings.OutputMode() != config.OutputVoiceBridge {
		return
	}
	a.capture.Process(block)
}

func (a *App) checkEngine(context.Context) error {
	if !a.engine.Initialized() {
		return engine.ErrNotInitialized
	}
	return nil
}

func (a *App) checkVoice(ctx context.Context) error {
	if a.settings.OutputMode() != config.OutputVoiceBridge {
		return nil
	}
	if _, active := a.voice.Info(); !active {
		return errors.New("not connected")
	}
	tel, err := a.voice.Telemetry(ctx)
	if err != nil {
		return err
	}
	if !tel.Connected {
		if tel.LastError != nil {
			return fmt.Errorf("%s: %s", tel.State, *tel.LastError)
		}
		return fmt.Errorf("bridge %s", tel.State)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the render loop, the pacing cadence and the control surface
// until ctx is cancelled. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.driver.Run(gctx) })
	g.Go(func() error { return a.pacing.Run(gctx) })
	g.Go(func() error {
		a.forwardPackets(gctx)
		return nil
	})

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if a.cfg.Voice.AutoConnect && a.settings.OutputMode() == config.OutputVoiceBridge {
		g.Go(func() error {
			if _, err := a.voice.Connect(gctx, "", ""); err != nil {
				slog.Warn("app: voice auto-connect failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "addr", ln.Addr().String(), "mode", a.settings.OutputMode())
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// forwardPackets moves captured packets into the pacing queue.
func (a *App) forwardPackets(ctx context.Context) {
	packets := a.capture.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				return
			}
			a.pacing.Enqueue(p)
		}
	}
}

// Handler returns the control surface, for embedding in another server.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the parts of a reloaded config that take effect
// without a restart.
func (a *App) ApplyConfig(diff config.ConfigDiff, cfg *config.Config) {
	if diff.OutputModeChanged {
		slog.Info("output mode changed", "old", diff.OldOutputMode, "new", diff.NewOutputMode)
		if diff.NewOutputMode != config.OutputVoiceBridge {
			a.pacing.Clear()
		}
	}
	if diff.VoiceTargetChanged {
		a.voice.Reconfigure(cfg.Voice)
		slog.Info("voice target changed, applies on next connect", "guild_id", cfg.Voice.GuildID, "channel_id", cfg.Voice.ChannelID)
	}
	if diff.GroupsChanged {
		a.groups.replace(cfg.Library.Groups)
		slog.Info("playback groups reloaded", "groups", len(cfg.Library.Groups))
	}
	if len(diff.ElementsChanged) > 0 {
		slog.Warn("library elements changed, restart to load them", "ids", diff.ElementsChanged)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.scheduler.Stop()
		a.transport.Clear()
		if err := a.voice.Close(ctx); err != nil {
			slog.Warn("voice close error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// groupSet is a reloadable [timeline.GroupResolver].
type groupSet struct {
	p atomic.Pointer[library.Groups]
}

func newGroupSet(groups []config.GroupConfig) *groupSet {
	s := &groupSet{}
	s.replace(groups)
	return s
}

func (s *groupSet) replace(groups []config.GroupConfig) {
	g := library.NewGroups(groups)
	s.p.Store(&g)
}

// Members implements [timeline.GroupResolver].
func (s *groupSet) Members(groupID string) []string {
	return s.p.Load().Members(groupID)
}
