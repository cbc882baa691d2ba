package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Key prefixes in the counter bucket
const (
	userMinuteKey   = "user.%s.minute"
	userHourKey     = "user.%s.hour"
	deviceMinuteKey = "device.%s.minute"
	deviceHourKey   = "device.%s.hour"
)

// Limiter applies per-user and per-device quotas over minute and hour
// windows. When the counter store is unreachable the limiter admits the
// message and flips unhealthy; blocking legitimate traffic on an
// infrastructure fault is worse than letting a burst through.
type Limiter struct {
	cfg     Config
	store   CounterStore
	logger  *slog.Logger
	healthy atomic.Bool

	admitted  atomic.Uint64
	denied    atomic.Uint64
	failOpens atomic.Uint64
}

// NewLimiter creates a limiter over the given counter store
func NewLimiter(store CounterStore, cfg Config, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "ratelimit"),
	}
	l.healthy.Store(true)
	return l, nil
}

// AdmitUser checks the per-user quota for one message
func (l *Limiter) AdmitUser(ctx context.Context, userID string) Decision {
	return l.admit(ctx, key(userMinuteKey, userID), key(userHourKey, userID), l.cfg.User)
}

// AdmitDevice checks the per-device quota for one message
func (l *Limiter) AdmitDevice(ctx context.Context, deviceID string) Decision {
	return l.admit(ctx, key(deviceMinuteKey, deviceID), key(deviceHourKey, deviceID), l.cfg.Device)
}

func (l *Limiter) admit(ctx context.Context, minuteKey, hourKey string, limit Limit) Decision {
	minuteCount, allowed, retryAfter, err := l.store.Incr(ctx, minuteKey, time.Minute, limit.PerMinute)
	if err != nil {
		return l.failOpen(minuteKey, err)
	}
	if !allowed {
		l.healthy.Store(true)
		l.denied.Add(1)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	hourCount, allowed, hourRetryAfter, err := l.store.Incr(ctx, hourKey, time.Hour, limit.PerHour)
	if err != nil {
		// The minute slot is already consumed; still fail open
		return l.failOpen(hourKey, err)
	}
	if !allowed {
		l.healthy.Store(true)
		l.denied.Add(1)
		return Decision{Allowed: false, Remaining: 0, RetryAfter: hourRetryAfter}
	}

	l.healthy.Store(true)
	l.admitted.Add(1)

	remaining := limit.PerMinute - minuteCount
	if hourRemaining := limit.PerHour - hourCount; hourRemaining < remaining {
		remaining = hourRemaining
	}
	return Decision{Allowed: true, Remaining: remaining, RetryAfter: retryAfter}
}

func (l *Limiter) failOpen(key string, err error) Decision {
	l.healthy.Store(false)
	l.failOpens.Add(1)
	l.logger.Warn("counter store unavailable, admitting without quota check",
		"key", key, "error", err)
	return Decision{Allowed: true, Remaining: -1, FailedOpen: true}
}

// RemainingUser reports how many messages the user may still send, bounded
// by whichever window is tighter. Best effort: an unreachable store reads
// as the full quota, matching the admit path's fail-open stance.
func (l *Limiter) RemainingUser(ctx context.Context, userID string) int {
	return l.remaining(ctx, key(userMinuteKey, userID), key(userHourKey, userID), l.cfg.User)
}

// RemainingDevice reports how many messages the device may still send
func (l *Limiter) RemainingDevice(ctx context.Context, deviceID string) int {
	return l.remaining(ctx, key(deviceMinuteKey, deviceID), key(deviceHourKey, deviceID), l.cfg.Device)
}

func (l *Limiter) remaining(ctx context.Context, minuteKey, hourKey string, limit Limit) int {
	full := limit.PerMinute
	if limit.PerHour < full {
		full = limit.PerHour
	}

	minuteCount, _, err := l.store.Peek(ctx, minuteKey)
	if err != nil {
		l.healthy.Store(false)
		l.logger.Warn("counter store unreachable, reporting full quota",
			"key", minuteKey, "error", err)
		return full
	}
	hourCount, _, err := l.store.Peek(ctx, hourKey)
	if err != nil {
		l.healthy.Store(false)
		l.logger.Warn("counter store unreachable, reporting full quota",
			"key", hourKey, "error", err)
		return full
	}
	l.healthy.Store(true)

	remaining := limit.PerMinute - minuteCount
	if hourRemaining := limit.PerHour - hourCount; hourRemaining < remaining {
		remaining = hourRemaining
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetUser clears the user's windows, restoring the full quota
func (l *Limiter) ResetUser(ctx context.Context, userID string) error {
	if err := l.store.Reset(ctx, key(userMinuteKey, userID)); err != nil {
		return err
	}
	return l.store.Reset(ctx, key(userHourKey, userID))
}

// ResetDevice clears the device's windows
func (l *Limiter) ResetDevice(ctx context.Context, deviceID string) error {
	if err := l.store.Reset(ctx, key(deviceMinuteKey, deviceID)); err != nil {
		return err
	}
	return l.store.Reset(ctx, key(deviceHourKey, deviceID))
}

// Healthy probes the counter store without touching any counter and
// reports whether it answered
func (l *Limiter) Healthy(ctx context.Context) bool {
	if err := l.store.Ping(ctx); err != nil {
		l.healthy.Store(false)
		l.logger.Warn("counter store probe failed", "error", err)
		return false
	}
	l.healthy.Store(true)
	return true
}

// Counters is a snapshot of limiter activity
type Counters struct {
	Admitted  uint64 `json:"admitted"`
	Denied    uint64 `json:"denied"`
	FailOpens uint64 `json:"failOpens"`
}

// Snapshot returns current limiter counters
func (l *Limiter) Snapshot() Counters {
	return Counters{
		Admitted:  l.admitted.Load(),
		Denied:    l.denied.Load(),
		FailOpens: l.failOpens.Load(),
	}
}

// key builds a bucket key, replacing characters NATS KV rejects. IDs come
// from clients and cannot be trusted to be key-safe.
func key(format, id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf(format, b.String())
}
