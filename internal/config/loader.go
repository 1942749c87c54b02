package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvDiscordToken overrides [VoiceConfig.Token] when set.
const EnvDiscordToken = "AMBIANCE_DISCORD_TOKEN"

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the environment
// overrides and defaults, and validates the result. An empty document is a
// valid config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if tok := strings.TrimSpace(os.Getenv(EnvDiscordToken)); tok != "" {
		cfg.Voice.Token = tok
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Output.Mode != "" && !cfg.Output.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("output.mode %q is invalid; valid values: default, explicit-device, voice-bridge", cfg.Output.Mode))
	}
	if cfg.Output.Mode == OutputDevice && cfg.Output.Device == "" {
		errs = append(errs, errors.New("output.device is required when output.mode is explicit-device"))
	}

	if cfg.Voice.AutoConnect {
		if strings.TrimSpace(cfg.Voice.Token) == "" {
			errs = append(errs, fmt.Errorf("voice.token (or %s) is required when voice.auto_connect is set", EnvDiscordToken))
		}
		if strings.TrimSpace(cfg.Voice.GuildID) == "" {
			errs = append(errs, errors.New("voice.guild_id is required when voice.auto_connect is set"))
		}
		if strings.TrimSpace(cfg.Voice.ChannelID) == "" {
			errs = append(errs, errors.New("voice.channel_id is required when voice.auto_connect is set"))
		}
	}

	if cfg.Library.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("library.cache_size %d must not be negative", cfg.Library.CacheSize))
	}
	elementSeen := make(map[string]int, len(cfg.Library.Elements))
	for i, el := range cfg.Library.Elements {
		prefix := fmt.Sprintf("library.elements[%d]", i)
		if el.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := elementSeen[el.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of library.elements[%d]", prefix, el.ID, prev))
			}
			elementSeen[el.ID] = i
		}
		if el.File == "" {
			errs = append(errs, fmt.Errorf("%s.file is required", prefix))
		}
		if el.Channel != "" && !el.Channel.IsValid() {
			errs = append(errs, fmt.Errorf("%s.channel %q is invalid", prefix, el.Channel))
		}
	}
	groupSeen := make(map[string]bool, len(cfg.Library.Groups))
	for i, g := range cfg.Library.Groups {
		prefix := fmt.Sprintf("library.groups[%d]", i)
		if g.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if groupSeen[g.ID] {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate", prefix, g.ID))
		}
		groupSeen[g.ID] = true
		for _, m := range g.Members {
			if _, ok := elementSeen[m]; !ok {
				errs = append(errs, fmt.Errorf("%s.members references unknown element %q", prefix, m))
			}
		}
	}

	if cfg.Capture.FramesPerPacket < 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_packet %d must be positive", cfg.Capture.FramesPerPacket))
	}
	if cfg.Capture.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("capture.max_pending %d must be positive", cfg.Capture.MaxPending))
	}
	if cfg.Pacing.Capacity < 0 {
		errs = append(errs, fmt.Errorf("pacing.capacity %d must be positive", cfg.Pacing.Capacity))
	}
	if cfg.Pacing.Interval < 0 {
		errs = append(errs, fmt.Errorf("pacing.interval %v must be positive", cfg.Pacing.Interval))
	}

	return errors.Join(errs...)
}
