package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MemoryMessageStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryMessageStore()

	msgs, err := s.Messages(ctx, "conv1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.Add(ctx, "conv1",
		llms.MessageFromTextParts(llms.RoleHuman, "hi"),
		llms.MessageFromTextParts(llms.RoleAI, "hello"),
	))

	msgs, err = s.Messages(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// creation order preserved
	assert.Equal(t, llms.RoleHuman, msgs[0].Role)
	assert.Equal(t, llms.RoleAI, msgs[1].Role)

	// other conversations are isolated
	msgs, err = s.Messages(ctx, "conv2")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.Reset(ctx, "conv1"))
	msgs, err = s.Messages(ctx, "conv1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func Test_MemoryRecordStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryRecordStore()

	rec := &store.ExecutionRecord{
		ID:             "rec1",
		ConversationID: "conv1",
		CallID:         "call_1",
		RequestedName:  "web_saerch",
		ResolvedName:   "web_search",
		Fuzzy:          true,
		Status:         store.StatusSuccess,
	}
	require.NoError(t, s.Append(ctx, rec))

	// mutating the original must not affect the stored copy
	rec.Status = store.StatusTimeout

	recs, err := s.List(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.StatusSuccess, recs[0].Status)
	assert.True(t, recs[0].Fuzzy)
	assert.Equal(t, "web_search", recs[0].ResolvedName)
}

func Test_MemoryCounterStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryCounterStore()

	v, err := s.Incr(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.IncrBy(ctx, "k1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	v, err = s.DecrBy(ctx, "k1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	ttl, err := s.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// missing key
	v, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func Test_MemoryCounterStore_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := store.NewMemoryCounterStoreWithClock(func() time.Time { return now })

	v, err := s.Incr(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// still inside the window
	now = now.Add(30 * time.Second)
	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// past expiry the entry is gone and the next increment starts fresh
	now = now.Add(time.Minute)
	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = s.Incr(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	assert.True(t, store.StatusSuccess.Succeeded())
	assert.False(t, store.StatusTimeout.Succeeded())
	assert.False(t, store.StatusValidationError.Succeeded())
}
