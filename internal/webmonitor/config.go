package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	ArtifactsDir   string
	MJPEGInterval  time.Duration
	StatusInterval time.Duration
	HistoryLimit   int
}

// DefaultConfig returns a config with a ~30 fps MJPEG pull cadence.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ArtifactsDir:   "./data/artifacts",
		MJPEGInterval:  33 * time.Millisecond,
		StatusInterval: 2 * time.Second,
		HistoryLimit:   20,
	}
}
