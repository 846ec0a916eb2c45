package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/governor"
	"github.com/effective-security/toolgate/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenCounters simulates a counter store outage.
type brokenCounters struct{}

func (brokenCounters) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenCounters) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenCounters) DecrBy(context.Context, string, int64) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenCounters) Get(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenCounters) TTL(context.Context, string) (time.Duration, error) {
	return 0, errors.New("connection refused")
}

func TestCheckAndIncrement_MinuteCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := governor.New(store.NewMemoryCounterStore())
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)

	// free tier: 10 requests per minute
	for i := 0; i < 10; i++ {
		require.NoError(t, g.CheckAndIncrement(ctx, caller), "request %d should be admitted", i+1)
	}

	err := g.CheckAndIncrement(ctx, caller)
	require.Error(t, err)
	var rateErr *governor.RateExceededError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, governor.WindowMinute, rateErr.Window)
	assert.Equal(t, int64(10), rateErr.Ceiling)
	assert.Greater(t, rateErr.RetryAfter, time.Duration(0))
	assert.True(t, governor.IsRejection(err))
}

func TestCheckAndIncrement_WindowRollover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	clock := func() time.Time { return now }
	counters := store.NewMemoryCounterStoreWithClock(clock)
	g := governor.NewWithLimits(counters, map[chatmodel.Tier]governor.Limits{
		chatmodel.TierFree: {
			PerMinute:    2,
			PerHour:      100,
			PerDay:       100,
			TokensPerDay: 1000,
		},
	}, governor.WithClock(clock))
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)

	require.NoError(t, g.CheckAndIncrement(ctx, caller))
	require.NoError(t, g.CheckAndIncrement(ctx, caller))

	err := g.CheckAndIncrement(ctx, caller)
	require.Error(t, err)
	var rateErr *governor.RateExceededError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, governor.WindowMinute, rateErr.Window)

	// the first request in a fresh minute window is admitted
	now = now.Add(time.Minute)
	require.NoError(t, g.CheckAndIncrement(ctx, caller))
}

func TestCheckAndIncrement_AnonymousByOrigin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := governor.New(store.NewMemoryCounterStore())

	addr1 := chatmodel.NewAnonymousContext("", "10.0.0.1")
	addr2 := chatmodel.NewAnonymousContext("", "10.0.0.2")

	// anonymous: 5 requests per minute per origin
	for i := 0; i < 5; i++ {
		require.NoError(t, g.CheckAndIncrement(ctx, addr1))
	}
	err := g.CheckAndIncrement(ctx, addr1)
	require.Error(t, err)

	// a different origin is unaffected
	require.NoError(t, g.CheckAndIncrement(ctx, addr2))
}

func TestCheckAndIncrement_FailOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := governor.New(brokenCounters{})
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)

	for i := 0; i < 20; i++ {
		assert.NoError(t, g.CheckAndIncrement(ctx, caller))
	}
	charged, err := g.CheckQuota(ctx, caller, 1_000_000_000)
	assert.NoError(t, err)
	assert.Zero(t, charged, "fail-open admission must not report a charge")
}

// flakyCounters fails the next write, then delegates to the wrapped store.
type flakyCounters struct {
	store.CounterStore
	failNext bool
}

func (f *flakyCounters) IncrBy(ctx context.Context, key string, amount int64, expiry time.Duration) (int64, error) {
	if f.failNext {
		f.failNext = false
		return 0, errors.New("connection refused")
	}
	return f.CounterStore.IncrBy(ctx, key, amount, expiry)
}

func TestCheckQuota_FailOpenNoRefund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	counters := &flakyCounters{CounterStore: store.NewMemoryCounterStore(), failNext: true}
	g := governor.New(counters)
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierPro)

	// the store is down during admission: nothing was charged
	charged, err := g.CheckQuota(ctx, caller, 500)
	require.NoError(t, err)
	assert.Zero(t, charged)

	// the store recovers; refunding the uncharged reservation is a no-op
	g.Release(ctx, caller, charged)
	consumed, err := g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Zero(t, consumed, "ledger must not go negative")
}

func TestCheckQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	counters := store.NewMemoryCounterStore()
	g := governor.NewWithLimits(counters, map[chatmodel.Tier]governor.Limits{
		chatmodel.TierFree: {
			PerMinute:    100,
			PerHour:      100,
			PerDay:       100,
			TokensPerDay: 1000,
		},
	})
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)

	charged, err := g.CheckQuota(ctx, caller, 900)
	require.NoError(t, err)
	assert.Equal(t, int64(900), charged)

	consumed, err := g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(900), consumed)

	// would exceed the ceiling: rejected, and the ledger is not charged
	charged, err = g.CheckQuota(ctx, caller, 200)
	require.Error(t, err)
	assert.Zero(t, charged)
	var quotaErr *governor.QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, int64(1000), quotaErr.Ceiling)
	assert.Equal(t, int64(900), quotaErr.Consumed)

	consumed, err = g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(900), consumed, "rejected charge must be rolled back")

	// a smaller charge still fits
	charged, err = g.CheckQuota(ctx, caller, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), charged)
}

func TestRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := governor.New(store.NewMemoryCounterStore())
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierPro)

	// reserve, charge the actual usage, then refund the reservation
	reserved, err := g.CheckQuota(ctx, caller, 500)
	require.NoError(t, err)
	require.Equal(t, int64(500), reserved)
	g.ChargeUsage(ctx, caller, 320)
	g.Release(ctx, caller, reserved)

	consumed, err := g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(320), consumed, "only actual usage remains charged")

	// zero and negative are no-ops
	g.Release(ctx, caller, 0)
	g.Release(ctx, caller, -1)
	consumed, err = g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(320), consumed)
}

func TestChargeUsage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := governor.New(store.NewMemoryCounterStore())
	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierPro)

	g.ChargeUsage(ctx, caller, 1234)
	consumed, err := g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), consumed)

	// zero and negative are no-ops
	g.ChargeUsage(ctx, caller, 0)
	g.ChargeUsage(ctx, caller, -5)
	consumed, err = g.Consumed(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), consumed)
}

func TestTierEscalation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := governor.New(store.NewMemoryCounterStore())

	pro := chatmodel.NewCallerContext("conv1", "pro-user", chatmodel.TierPro)
	for i := 0; i < 60; i++ {
		require.NoError(t, g.CheckAndIncrement(ctx, pro))
	}
	err := g.CheckAndIncrement(ctx, pro)
	var rateErr *governor.RateExceededError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, int64(60), rateErr.Ceiling)
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	// gpt-4o: 2.50 in, 10.00 out per 1M
	cost := governor.EstimateCost("gpt-4o", 1_000_000, 100_000)
	assert.InDelta(t, 3.5, cost, 1e-9)

	// dated snapshot matches the claude-sonnet-4 prefix
	cost = governor.EstimateCost("claude-sonnet-4-20250514", 2_000_000, 0)
	assert.InDelta(t, 6.0, cost, 1e-9)

	// gpt-4o-mini must not fall through to the gpt-4o row
	p := governor.PricingFor("gpt-4o-mini-2024-07-18")
	assert.InDelta(t, 0.15, p.Input, 1e-9)

	// unknown models use the default rate
	cost = governor.EstimateCost("some-new-model", 1_000_000, 1_000_000)
	assert.InDelta(t, 3.0, cost, 1e-9)

	assert.Zero(t, governor.EstimateCost("gpt-4o", 0, 0))
}
