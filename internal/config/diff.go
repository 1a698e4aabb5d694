package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MemoryKnobsChanged bool
	NewMemory          MemoryConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: log level and
// the memory pipeline's tunable knobs. Provider credentials and the Postgres
// DSN require a restart and are not tracked here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldMem, newMem := old.Memory, new.Memory
	oldMem.PostgresDSN, newMem.PostgresDSN = "", ""
	if oldMem != newMem {
		d.MemoryKnobsChanged = true
		d.NewMemory = new.Memory
	}

	return d
}
