package config

import (
	"reflect"

	"github.com/MrWong99/cliptile/pkg/segment"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SegmentationChanged is true when the effective segment.Config differs.
	// NewSegmentation holds the new effective value.
	SegmentationChanged bool
	NewSegmentation     segment.Config

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup (server address, providers, store, telemetry).
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldSeg, newSeg := old.SegmentConfig(), new.SegmentConfig()
	if !reflect.DeepEqual(oldSeg.Schedule(), newSeg.Schedule()) || !sameScalars(oldSeg, newSeg) {
		d.SegmentationChanged = true
		d.NewSegmentation = newSeg
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Embedding != new.Embedding {
		d.RestartRequired = append(d.RestartRequired, "embedding")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if old.Inbox != new.Inbox {
		d.RestartRequired = append(d.RestartRequired, "inbox")
	}

	return d
}

// sameScalars compares every segment.Config field except Tiers.
func sameScalars(a, b segment.Config) bool {
	a.Tiers, b.Tiers = nil, nil
	return reflect.DeepEqual(a, b)
}
