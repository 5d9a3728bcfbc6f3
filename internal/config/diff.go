package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; credential and
// endpoint changes require a restart and are intentionally ignored.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged is true when voice, temperature, instructions, or
	// greeting changed. These apply to the next session, not the current one.
	ConversationChanged bool

	// AudioChanged is true when gain staging changed. Gains apply to the
	// next capture pipeline built after the change.
	AudioChanged bool
}

// Any reports whether the diff tracks at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ConversationChanged || d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation != new.Conversation {
		d.ConversationChanged = true
	}

	if old.Audio != new.Audio {
		d.AudioChanged = true
	}

	return d
}
