package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields the host applies without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	OutputModeChanged bool
	OldOutputMode     OutputMode
	NewOutputMode     OutputMode

	// VoiceTargetChanged is true when the token, guild or channel changed.
	VoiceTargetChanged bool

	// ElementsChanged lists element ids that were added, removed, or point
	// at a different file or channel.
	ElementsChanged []string

	// GroupsChanged is true when any group or its members changed.
	GroupsChanged bool
}

// Empty reports whether nothing tracked changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.OutputModeChanged && !d.VoiceTargetChanged &&
		len(d.ElementsChanged) == 0 && !d.GroupsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Output.Mode != new.Output.Mode {
		d.OutputModeChanged = true
		d.OldOutputMode = old.Output.Mode
		d.NewOutputMode = new.Output.Mode
	}

	if old.Voice.Token != new.Voice.Token ||
		old.Voice.GuildID != new.Voice.GuildID ||
		old.Voice.ChannelID != new.Voice.ChannelID {
		d.VoiceTargetChanged = true
	}

	oldEls := make(map[string]ElementConfig, len(old.Library.Elements))
	for _, el := range old.Library.Elements {
		oldEls[el.ID] = el
	}
	newEls := make(map[string]ElementConfig, len(new.Library.Elements))
	for _, el := range new.Library.Elements {
		newEls[el.ID] = el
		if prev, ok := oldEls[el.ID]; !ok || prev != el {
			d.ElementsChanged = append(d.ElementsChanged, el.ID)
		}
	}
	for id := range oldEls {
		if _, ok := newEls[id]; !ok {
			d.ElementsChanged = append(d.ElementsChanged, id)
		}
	}
	slices.Sort(d.ElementsChanged)

	d.GroupsChanged = !slices.EqualFunc(old.Library.Groups, new.Library.Groups, func(a, b GroupConfig) bool {
		return a.ID == b.ID && slices.Equal(a.Members, b.Members)
	})

	return d
}
