// Package config provides the configuration schema, loader, and polling
// watcher for the ambiance host and voice bridge.
package config

import (
	"time"

	"github.com/MrWong99/ambiance/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OutputMode selects where the rendered mix is routed.
type OutputMode string

const (
	// OutputDefault plays through the system default device only.
	OutputDefault OutputMode = "default"

	// OutputDevice plays through the device named in [OutputConfig.Device].
	OutputDevice OutputMode = "explicit-device"

	// OutputVoiceBridge streams the mix into a Discord voice channel.
	OutputVoiceBridge OutputMode = "voice-bridge"
)

// IsValid reports whether m is a recognised output mode.
func (m OutputMode) IsValid() bool {
	switch m {
	case OutputDefault, OutputDevice, OutputVoiceBridge:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = "127.0.0.1:8420"
	DefaultCacheSize       = 64
	DefaultFramesPerPacket = 2
	DefaultMaxPending      = 8
	DefaultPacingCapacity  = 96
	DefaultPacingInterval  = 40 * time.Millisecond
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Output  OutputConfig  `yaml:"output"`
	Voice   VoiceConfig   `yaml:"voice"`
	Library LibraryConfig `yaml:"library"`
	Capture CaptureConfig `yaml:"capture"`
	Pacing  PacingConfig  `yaml:"pacing"`
}

// ServerConfig holds the control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP control surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, additionally writes logs to a rotating file.
	LogFile string `yaml:"log_file"`
}

// OutputConfig is the settings-service view of output routing. It is the
// only section the host re-reads while running.
type OutputConfig struct {
	Mode   OutputMode `yaml:"mode"`
	Device string     `yaml:"device"`
}

// VoiceConfig configures the Discord voice bridge.
type VoiceConfig struct {
	// Token is the bot token. Prefer the AMBIANCE_DISCORD_TOKEN environment
	// variable over committing it to the file.
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// AutoConnect joins the channel at startup when output mode is
	// voice-bridge.
	AutoConnect bool `yaml:"auto_connect"`

	// BridgeCommand is the executable spawned as the bridge process. Empty
	// means the running binary with the "bridge" subcommand.
	BridgeCommand []string `yaml:"bridge_command"`
}

// LibraryConfig lists the decodable audio elements.
type LibraryConfig struct {
	// Dir is the base directory for relative element paths.
	Dir string `yaml:"dir"`

	// CacheSize bounds the number of decoded buffers kept in memory.
	CacheSize int `yaml:"cache_size"`

	Elements []ElementConfig `yaml:"elements"`
	Groups   []GroupConfig   `yaml:"groups"`
}

// ElementConfig binds a stable element id to an audio file.
type ElementConfig struct {
	ID      string            `yaml:"id"`
	File    string            `yaml:"file"`
	Channel audio.ChannelType `yaml:"channel"`
}

// GroupConfig is a random-playback group of element ids.
type GroupConfig struct {
	ID      string   `yaml:"id"`
	Members []string `yaml:"members"`
}

// CaptureConfig tunes the capture tap.
type CaptureConfig struct {
	FramesPerPacket int  `yaml:"frames_per_packet"`
	MaxPending      int  `yaml:"max_pending"`
	// SilenceGate suppresses packets without signal. Nil means enabled.
	SilenceGate *bool `yaml:"silence_gate"`
}

// Gated reports whether the silence gate is on.
func (c CaptureConfig) Gated() bool { return c.SilenceGate == nil || *c.SilenceGate }

// PacingConfig tunes the pacing queue.
type PacingConfig struct {
	Capacity int           `yaml:"capacity"`
	Interval time.Duration `yaml:"interval"`
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Output.Mode == "" {
		cfg.Output.Mode = OutputDefault
	}
	if cfg.Library.CacheSize == 0 {
		cfg.Library.CacheSize = DefaultCacheSize
	}
	for i := range cfg.Library.Elements {
		if cfg.Library.Elements[i].Channel == "" {
			cfg.Library.Elements[i].Channel = audio.ChannelAmbient
		}
	}
	if cfg.Capture.FramesPerPacket == 0 {
		cfg.Capture.FramesPerPacket = DefaultFramesPerPacket
	}
	if cfg.Capture.MaxPending == 0 {
		cfg.Capture.MaxPending = DefaultMaxPending
	}
	if cfg.Pacing.Capacity == 0 {
		cfg.Pacing.Capacity = DefaultPacingCapacity
	}
	if cfg.Pacing.Interval == 0 {
		cfg.Pacing.Interval = DefaultPacingInterval
	}
}
