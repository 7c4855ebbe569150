// Package ratelimit enforces per key and global daily request quotas backed
// by a shared counter store. Counters are keyed by UTC date so the reset at
// midnight is implicit, and expire from the store shortly after.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/resi-labs-ai/resi-labs-api/chain"
)

var log = logrus.WithField("prefix", "ratelimit")

// Counter TTL outlives the day it counts so late readers still see it.
const counterTTL = 36 * time.Hour

var (
	deniedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "rate_limit_denied_total",
		Help:      "Requests denied by the rate limiter.",
	}, []string{"scope"})
	storeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "rate_limit_store_failures_total",
		Help:      "Counter store round trips that failed.",
	})
)

// ErrStoreUnavailable signals that the backing store failed within its
// deadline. With rate limiting enabled the limiter fails closed on it.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// CounterStore is the atomic daily-counter primitive.
type CounterStore interface {
	// CheckAndIncr increments key by one if its current value is below
	// limit. It returns the resulting count and whether the increment
	// happened. The TTL is applied when the key is first created.
	CheckAndIncr(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)
	// Decr undoes a previous increment.
	Decr(ctx context.Context, key string) error
	// Ping probes store health.
	Ping(ctx context.Context) error
}

// Result reports the outcome of a quota check.
type Result struct {
	OK        bool
	Remaining int64
	ResetAt   time.Time
}

// Config tunes the limiter.
type Config struct {
	Enabled           bool
	PerMinerDaily     int64
	PerValidatorDaily int64
	PerIPDaily        int64
	GlobalDaily       int64
}

// Limiter composes per-entity and global daily quotas over a CounterStore.
type Limiter struct {
	store CounterStore
	cfg   *Config
	now   func() time.Time
}

// New constructs a limiter.
func New(store CounterStore, cfg *Config) *Limiter {
	return &Limiter{store: store, cfg: cfg, now: time.Now}
}

// MinerScope keys a miner hotkey's daily bucket.
func MinerScope(hotkey chain.KeyID) string {
	return "miner:" + string(hotkey)
}

// ValidatorScope keys a validator hotkey's daily bucket.
func ValidatorScope(hotkey chain.KeyID) string {
	return "validator:" + string(hotkey)
}

// MinerReadScope keys a miner's assignment polling bucket, kept apart
// from credential issuance so polling never starves uploads.
func MinerReadScope(hotkey chain.KeyID) string {
	return "miner-read:" + string(hotkey)
}

// ValidatorReadScope keys a validator's assignment polling bucket.
func ValidatorReadScope(hotkey chain.KeyID) string {
	return "validator-read:" + string(hotkey)
}

// IPScope keys a remote address's daily bucket.
func IPScope(addr string) string {
	return "ip:" + addr
}

func (l *Limiter) key(scope string, day time.Time) string {
	return fmt.Sprintf("daily:%s:%s", scope, day.UTC().Format("2006-01-02"))
}

func (l *Limiter) resetAt(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// Allow consumes one unit from the scope's daily quota.
func (l *Limiter) Allow(ctx context.Context, scope string, limit int64) (*Result, error) {
	now := l.now()
	if !l.cfg.Enabled {
		return &Result{OK: true, Remaining: limit, ResetAt: l.resetAt(now)}, nil
	}
	count, ok, err := l.store.CheckAndIncr(ctx, l.key(scope, now), limit, counterTTL)
	if err != nil {
		storeFailures.Inc()
		log.WithError(err).WithField("scope", scope).Error("Counter store failed")
		return nil, ErrStoreUnavailable
	}
	if !ok {
		deniedCount.WithLabelValues(scope).Inc()
		return &Result{OK: false, Remaining: 0, ResetAt: l.resetAt(now)}, nil
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{OK: true, Remaining: remaining, ResetAt: l.resetAt(now)}, nil
}

// AllowEntity consumes from the global quota and then from the entity's
// quota. When the entity check denies, the global increment is undone so
// that counters reflect admitted requests only.
func (l *Limiter) AllowEntity(ctx context.Context, scope string, limit int64) (*Result, error) {
	now := l.now()
	if !l.cfg.Enabled {
		return &Result{OK: true, Remaining: limit, ResetAt: l.resetAt(now)}, nil
	}
	globalKey := l.key("global", now)
	_, ok, err := l.store.CheckAndIncr(ctx, globalKey, l.cfg.GlobalDaily, counterTTL)
	if err != nil {
		storeFailures.Inc()
		return nil, ErrStoreUnavailable
	}
	if !ok {
		deniedCount.WithLabelValues("global").Inc()
		return &Result{OK: false, Remaining: 0, ResetAt: l.resetAt(now)}, nil
	}
	res, err := l.Allow(ctx, scope, limit)
	if err != nil {
		if derr := l.store.Decr(ctx, globalKey); derr != nil {
			log.WithError(derr).Warn("Could not roll back global counter")
		}
		return nil, err
	}
	if !res.OK {
		if derr := l.store.Decr(ctx, globalKey); derr != nil {
			log.WithError(derr).Warn("Could not roll back global counter")
		}
	}
	return res, nil
}

// GlobalUsage returns today's admitted request count.
func (l *Limiter) GlobalUsage(ctx context.Context) (int64, error) {
	now := l.now()
	// A zero-limit check never increments; it just reads the counter.
	count, _, err := l.store.CheckAndIncr(ctx, l.key("global", now), 0, counterTTL)
	if err != nil {
		return 0, ErrStoreUnavailable
	}
	return count, nil
}

// Status probes the backing store.
func (l *Limiter) Status(ctx context.Context) error {
	if !l.cfg.Enabled {
		return nil
	}
	return l.store.Ping(ctx)
}

// Config returns the limiter's quota configuration.
func (l *Limiter) Config() *Config {
	return l.cfg
}
