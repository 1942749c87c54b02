package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ambiance/internal/bridge/protocol"
	"github.com/MrWong99/ambiance/internal/config"
	"github.com/MrWong99/ambiance/internal/pacing"
)

// ErrNoToken is returned by Connect when no bot token is configured.
var ErrNoToken = errors.New("app: voice: no bot token configured")

// BridgeClient is the host's view of the voice bridge process.
// [*sidecar.Client] is the production implementation.
type BridgeClient interface {
	Connect(ctx context.Context, token, guildID, channelID string) error
	Disconnect(ctx context.Context) error
	SendPCM(ctx context.Context, pcm []int16) error
	Telemetry(ctx context.Context) (protocol.Telemetry, error)
	Close() error
}

// VoiceInfo describes the active voice connection.
type VoiceInfo struct {
	GuildID     string    `json:"guildId"`
	ChannelID   string    `json:"channelId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// VoiceManager owns the voice connection lifecycle on the host side. Only
// one connection exists at a time; a new Connect replaces the old target.
// All exported methods are safe for concurrent use.
type VoiceManager struct {
	client BridgeClient
	pacing *pacing.Queue
	cfg    config.VoiceConfig

	mu     sync.Mutex
	active bool
	info   VoiceInfo
}

// NewVoiceManager creates a manager. cfg supplies the token and the default
// guild and channel.
func NewVoiceManager(client BridgeClient, q *pacing.Queue, cfg config.VoiceConfig) *VoiceManager {
	return &VoiceManager{client: client, pacing: q, cfg: cfg}
}

// Reconfigure replaces the token and default target. An active connection
// keeps running until the next Connect.
func (vm *VoiceManager) Reconfigure(cfg config.VoiceConfig) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.cfg = cfg
}

// Connect joins guildID/channelID, falling back to the configured target
// for empty arguments.
func (vm *VoiceManager) Connect(ctx context.Context, guildID, channelID string) (VoiceInfo, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.cfg.Token == "" {
		return VoiceInfo{}, ErrNoToken
	}
	if guildID == "" {
		guildID = vm.cfg.GuildID
	}
	if channelID == "" {
		channelID = vm.cfg.ChannelID
	}

	// Audio queued for the previous target must not leak into the new one.
	vm.pacing.Clear()
	if err := vm.client.Connect(ctx, vm.cfg.Token, guildID, channelID); err != nil {
		vm.active = false
		return VoiceInfo{}, fmt.Errorf("app: voice connect: %w", err)
	}
	vm.active = true
	vm.info = VoiceInfo{GuildID: guildID, ChannelID: channelID, ConnectedAt: time.Now().UTC()}
	slog.Info("voice connected", "guild_id", guildID, "channel_id", channelID)
	return vm.info, nil
}

// Disconnect leaves the voice channel and drops queued audio.
func (vm *VoiceManager) Disconnect(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.pacing.Clear()
	wasActive := vm.active
	vm.active = false
	vm.info = VoiceInfo{}
	if err := vm.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("app: voice disconnect: %w", err)
	}
	if wasActive {
		slog.Info("voice disconnected")
	}
	return nil
}

// Info returns the active connection, if any.
func (vm *VoiceManager) Info() (VoiceInfo, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.info, vm.active
}

// Telemetry fetches the bridge counters.
func (vm *VoiceManager) Telemetry(ctx context.Context) (protocol.Telemetry, error) {
	return vm.client.Telemetry(ctx)
}

// Close leaves the channel if connected and stops the bridge process.
func (vm *VoiceManager) Close(ctx context.Context) error {
	var errs []error
	if _, active := vm.Info(); active {
		errs = append(errs, vm.Disconnect(ctx))
	}
	errs = append(errs, vm.client.Close())
	return errors.Join(errs...)
}
