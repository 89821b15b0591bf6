package epoch

import (
	"fmt"
	"time"
)

// DefaultLength is the epoch width used when no explicit length is configured.
const DefaultLength = 7 * 24 * time.Hour

// Config describes how wall-clock time is divided into epochs.
type Config struct {
	// Length is the fixed width of a single epoch. Epoch boundaries fall on
	// multiples of Length counted from the unix epoch, so a length of seven
	// days places every boundary on a Thursday 00:00 UTC.
	Length time.Duration
}

// DefaultConfig returns the weekly epoch configuration.
func DefaultConfig() Config {
	return Config{Length: DefaultLength}
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Length <= 0 {
		return fmt.Errorf("epoch length must be greater than zero")
	}
	if c.Length%time.Second != 0 {
		return fmt.Errorf("epoch length must be a whole number of seconds (got %s)", c.Length)
	}
	return nil
}

// Seconds returns the epoch length in whole seconds.
func (c Config) Seconds() uint64 {
	return uint64(c.Length / time.Second)
}
