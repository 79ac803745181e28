package session

import "time"

// Config tunes the controller.
type Config struct {
	// CheckInterval is the period of the validity check loop.
	CheckInterval time.Duration

	// HighWaterSeconds is the remaining-lifetime threshold under which a
	// check proactively refreshes without treating a refresh failure as
	// fatal.
	HighWaterSeconds float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    30 * time.Second,
		HighWaterSeconds: 60,
	}
}
