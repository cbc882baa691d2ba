// Package ratelimit enforces per-sender message quotas over fixed windows
// anchored at the first message of each window. The limiter consults a
// shared counter store so every ingest instance sees the same counts, and
// fails open when the store is unreachable: screening continues and the
// degradation is surfaced through health reporting instead.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// Limit is a pair of quotas applied per sender
type Limit struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
}

// Validate checks the limit is usable
func (l Limit) Validate() error {
	if l.PerMinute <= 0 || l.PerHour <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: limits must be positive, got %d/min %d/h",
				errors.ErrInvalidConfig, l.PerMinute, l.PerHour),
			"Limit", "Validate", "check quotas")
	}
	if l.PerHour < l.PerMinute {
		return errors.WrapInvalid(
			fmt.Errorf("%w: hourly limit %d below per-minute limit %d",
				errors.ErrInvalidConfig, l.PerHour, l.PerMinute),
			"Limit", "Validate", "check quota ordering")
	}
	return nil
}

// Config configures the limiter
type Config struct {
	User   Limit `json:"user"`
	Device Limit `json:"device"`
}

// DefaultConfig returns the production quotas
func DefaultConfig() Config {
	return Config{
		User:   Limit{PerMinute: 60, PerHour: 1000},
		Device: Limit{PerMinute: 30, PerHour: 500},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := c.User.Validate(); err != nil {
		return err
	}
	return c.Device.Validate()
}

// Decision is the result of an admission check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	FailedOpen bool          `json:"failedOpen,omitempty"`
}

// Window is the persisted counter for one key and window size. WindowEnd is
// anchored when the first message of the window arrives and is never
// extended by later traffic.
type Window struct {
	Count     int       `json:"count"`
	WindowEnd time.Time `json:"windowEnd"`
}

// Expired reports whether the window has passed at the given instant
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.WindowEnd)
}

// Marshal serializes the window
func (w Window) Marshal() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Window", "Marshal", "serialize window")
	}
	return data, nil
}

// ParseWindow deserializes a window
func ParseWindow(data []byte) (Window, error) {
	var w Window
	if err := json.Unmarshal(data, &w); err != nil {
		return Window{}, errors.WrapInvalid(err, "Window", "ParseWindow", "decode window")
	}
	return w, nil
}

// CounterStore is the shared counter contract.
//
// Incr atomically increments the counter for key within its current window,
// but never past max: when the window is already full it returns the
// current count with allowed=false and does not write. A new window is
// opened, anchored at now, when none exists or the previous one expired.
// Peek reads without incrementing; a missing or expired window reads as
// zero. Reset clears all windows for the key. Ping probes the backing
// store for reachability without touching any counter.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration, max int) (count int, allowed bool, retryAfter time.Duration, err error)
	Peek(ctx context.Context, key string) (count int, retryAfter time.Duration, err error)
	Reset(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
