// Package governor enforces per-caller admission control: request-rate
// ceilings over rolling minute/hour/day windows and a daily token quota,
// backed by a shared atomic counter store.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/pkg/metricskey"
	"github.com/effective-security/toolgate/store"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "governor")

// RateExceededError is the structured rejection for a request-rate ceiling.
type RateExceededError struct {
	Tier       chatmodel.Tier
	Window     Window
	Ceiling    int64
	RetryAfter time.Duration
}

func (e *RateExceededError) Error() string {
	return fmt.Sprintf("rate_exceeded: %s ceiling of %d requests per %s reached, retry after %s",
		e.Tier, e.Ceiling, e.Window, e.RetryAfter)
}

// QuotaExceededError is the structured rejection for the daily token quota.
type QuotaExceededError struct {
	Tier       chatmodel.Tier
	Ceiling    int64
	Consumed   int64
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: %s daily token ceiling of %d reached (consumed %d), retry after %s",
		e.Tier, e.Ceiling, e.Consumed, e.RetryAfter)
}

// Governor is the admission controller. It is constructed once at process
// start and shared by all conversations.
type Governor struct {
	counters store.CounterStore
	limits   map[chatmodel.Tier]Limits
	nowFunc  func() time.Time
}

// Option customizes a Governor.
type Option func(*Governor)

// WithClock overrides the time source used for window bucketing.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.nowFunc = now
	}
}

// New returns a Governor with the default tier limits.
func New(counters store.CounterStore, opts ...Option) *Governor {
	return NewWithLimits(counters, DefaultLimits, opts...)
}

// NewWithLimits returns a Governor with custom tier limits.
func NewWithLimits(counters store.CounterStore, limits map[chatmodel.Tier]Limits, opts ...Option) *Governor {
	g := &Governor{
		counters: counters,
		limits:   limits,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) tierLimits(tier chatmodel.Tier) Limits {
	if l, ok := g.limits[tier]; ok {
		return l
	}
	return g.limits[chatmodel.TierFree]
}

// meterKey returns the identity a caller is metered by: the caller id, or
// the network origin for anonymous callers.
func meterKey(caller chatmodel.CallerContext) string {
	if caller.GetTier() == chatmodel.TierAnonymous && caller.GetRemoteAddr() != "" {
		return "ip:" + caller.GetRemoteAddr()
	}
	return caller.GetCallerID()
}

func rateKey(caller string, w Window, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", caller, w, w.bucket(now))
}

func quotaKey(caller string, now time.Time) string {
	return fmt.Sprintf("tokens:%s:day:%s", caller, WindowDay.bucket(now))
}

// CheckAndIncrement admits or rejects a request against all three rate
// windows. Each window is incremented first and the post-increment value
// compared to the ceiling; an over-ceiling increment is rolled back, so
// concurrent requests from the same caller cannot be double-admitted.
// It must be called before the request causes any side effect.
func (g *Governor) CheckAndIncrement(ctx context.Context, caller chatmodel.CallerContext) error {
	tier := caller.GetTier()
	limits := g.tierLimits(tier)
	id := meterKey(caller)
	now := g.nowFunc()

	for _, w := range windows {
		ceiling := limits.Ceiling(w)
		if ceiling <= 0 {
			continue
		}
		key := rateKey(id, w, now)
		count, err := g.counters.Incr(ctx, key, w.Duration())
		if err != nil {
			// Chat availability wins over strict enforcement when the
			// counter store is down.
			g.failOpen(ctx, err)
			return nil
		}
		if count > ceiling {
			if _, err := g.counters.DecrBy(ctx, key, 1); err != nil {
				logger.ContextKV(ctx, xlog.WARNING, "reason", "rate_rollback", "key", key, "err", err.Error())
			}
			retryAfter := g.retryAfter(ctx, key, w)
			metricskey.StatsRateLimited.IncrCounter(1, tier.String(), string(w))
			logger.ContextKV(ctx, xlog.INFO,
				"reason", "rate_exceeded",
				"caller", id,
				"tier", tier,
				"window", w,
				"ceiling", ceiling,
			)
			return &RateExceededError{
				Tier:       tier,
				Window:     w,
				Ceiling:    ceiling,
				RetryAfter: retryAfter,
			}
		}
	}
	return nil
}

// CheckQuota verifies that spending amount tokens stays within the caller's
// daily ceiling, charging the ledger when admitted. It returns the amount
// actually charged, which the caller must pass to Release once actual usage
// has been settled; a fail-open admission charges nothing. A rejected charge
// is rolled back in full, so no partial charge remains.
func (g *Governor) CheckQuota(ctx context.Context, caller chatmodel.CallerContext, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	tier := caller.GetTier()
	limits := g.tierLimits(tier)
	if limits.TokensPerDay <= 0 {
		return 0, nil
	}

	id := meterKey(caller)
	key := quotaKey(id, g.nowFunc())
	consumed, err := g.counters.IncrBy(ctx, key, amount, WindowDay.Duration())
	if err != nil {
		g.failOpen(ctx, err)
		return 0, nil
	}
	if consumed > limits.TokensPerDay {
		if _, err := g.counters.DecrBy(ctx, key, amount); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "quota_rollback", "key", key, "err", err.Error())
		}
		retryAfter := g.retryAfter(ctx, key, WindowDay)
		metricskey.StatsQuotaExceeded.IncrCounter(1, tier.String())
		return 0, &QuotaExceededError{
			Tier:       tier,
			Ceiling:    limits.TokensPerDay,
			Consumed:   consumed - amount,
			RetryAfter: retryAfter,
		}
	}
	return amount, nil
}

// Release refunds a reservation made by CheckQuota once actual usage has
// been charged, so the ledger ends up holding actual consumption only.
func (g *Governor) Release(ctx context.Context, caller chatmodel.CallerContext, reserved int64) {
	if reserved <= 0 {
		return
	}
	id := meterKey(caller)
	key := quotaKey(id, g.nowFunc())
	if _, err := g.counters.DecrBy(ctx, key, reserved); err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "release_reservation", "key", key, "err", err.Error())
	}
}

// ChargeUsage records actual token consumption after a model response. It
// never rejects: admission already happened, this settles the ledger.
func (g *Governor) ChargeUsage(ctx context.Context, caller chatmodel.CallerContext, tokens int64) {
	if tokens <= 0 {
		return
	}
	id := meterKey(caller)
	key := quotaKey(id, g.nowFunc())
	if _, err := g.counters.IncrBy(ctx, key, tokens, WindowDay.Duration()); err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "charge_usage", "key", key, "err", err.Error())
	}
}

// Consumed returns the caller's token consumption for the current day.
func (g *Governor) Consumed(ctx context.Context, caller chatmodel.CallerContext) (int64, error) {
	return g.counters.Get(ctx, quotaKey(meterKey(caller), g.nowFunc()))
}

func (g *Governor) retryAfter(ctx context.Context, key string, w Window) time.Duration {
	ttl, err := g.counters.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return w.Duration()
	}
	return ttl
}

func (g *Governor) failOpen(ctx context.Context, err error) {
	metricskey.StatsGovernorFailOpen.IncrCounter(1)
	logger.ContextKV(ctx, xlog.ERROR,
		"reason", "counter_store_unavailable",
		"action", "fail_open",
		"err", err.Error(),
	)
}

// IsRejection reports whether the error is a governor rejection, as opposed
// to an infrastructure failure.
func IsRejection(err error) bool {
	var rateErr *RateExceededError
	var quotaErr *QuotaExceededError
	return errors.As(err, &rateErr) || errors.As(err, &quotaErr)
}
