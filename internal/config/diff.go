package config

// ConfigDiff describes what changed between two configs.
// Only barge-in settings and the log level are applied live; every other
// change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BargeInChanged bool
	NewBargeIn     BargeInConfig

	// RestartRequired names the sections whose changes take effect only on
	// the next process start.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.BargeInChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if !sameBargeIn(old.BargeIn, new.BargeIn) {
		d.BargeInChanged = true
		d.NewBargeIn = new.BargeIn
	}

	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Ops != new.Ops {
		d.RestartRequired = append(d.RestartRequired, "ops")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}

	return d
}

func sameBargeIn(a, b BargeInConfig) bool {
	return a.IsEnabled() == b.IsEnabled() &&
		a.RMSThreshold == b.RMSThreshold &&
		a.ConsecutiveFrames == b.ConsecutiveFrames
}
