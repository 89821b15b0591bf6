package epoch

import (
	"github.com/jonboulle/clockwork"
)

// Clock maps wall-clock time to epoch boundaries. Every engine that reasons
// about "the epoch" must share the same Clock instance.
//
// Epochs are identified by the unix timestamp (seconds) of their first
// instant. Zero is never a valid epoch start for scheduling purposes and is
// used by callers as the "unset" sentinel.
type Clock struct {
	length uint64
	clock  clockwork.Clock
}

// NewClock constructs an epoch clock backed by the supplied time source. A nil
// source defaults to the real wall clock.
func NewClock(cfg Config, source clockwork.Clock) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		source = clockwork.NewRealClock()
	}
	return &Clock{length: cfg.Seconds(), clock: source}, nil
}

// Length returns the epoch width in seconds.
func (c *Clock) Length() uint64 { return c.length }

// Source exposes the underlying time source.
func (c *Clock) Source() clockwork.Clock { return c.clock }

// Timestamp returns the current unix time in seconds. Times before the unix
// epoch clamp to zero.
func (c *Clock) Timestamp() uint64 {
	now := c.clock.Now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// Start returns the start of the epoch containing ts.
func (c *Clock) Start(ts uint64) uint64 {
	return ts - ts%c.length
}

// Next returns the start of the epoch following the one containing ts.
func (c *Clock) Next(ts uint64) uint64 {
	return c.Start(ts) + c.length
}

// Current returns the start of the epoch in progress.
func (c *Clock) Current() uint64 {
	return c.Start(c.Timestamp())
}

// IsBoundary reports whether ts is the first instant of an epoch.
func (c *Clock) IsBoundary(ts uint64) bool {
	return ts%c.length == 0
}

// Elapsed reports whether the epoch starting at ts has fully ended.
func (c *Clock) Elapsed(ts uint64) bool {
	return ts < c.Current()
}

// Add returns the epoch start n epochs after ts.
func (c *Clock) Add(ts uint64, n uint64) uint64 {
	return c.Start(ts) + n*c.length
}
