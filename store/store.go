// Package store defines the persistence contracts consumed by the chat
// controller, the executor and the governor: append-only conversation
// messages, append-only tool execution records, and an atomic counter store.
// Redis implementations are provided, with in-memory counterparts for tests
// and single-process deployments.
package store

import (
	"context"
	"time"

	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "store")

// MessageStore persists conversation transcripts.
type MessageStore interface {
	// Messages returns the conversation messages ordered by creation time.
	Messages(ctx context.Context, conversationID string) ([]llms.Message, error)
	// Add appends messages to the conversation.
	Add(ctx context.Context, conversationID string, msgs ...llms.Message) error
	// Reset removes the conversation.
	Reset(ctx context.Context, conversationID string) error
}

// RecordStore persists tool execution records. Records are append-only:
// one per attempted call, written whether the call succeeded or failed.
type RecordStore interface {
	Append(ctx context.Context, rec *ExecutionRecord) error
	// List returns the records of a conversation ordered by creation time.
	List(ctx context.Context, conversationID string) ([]*ExecutionRecord, error)
}

// CounterStore provides the atomic increment-and-compare primitives used by
// the rate/quota governor. Incr sets the expiry only when the key is first
// created, so a window's reset time is fixed by its first request.
type CounterStore interface {
	// Incr atomically increments the key and returns the post-increment value.
	Incr(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// IncrBy atomically adds amount and returns the post-increment value.
	IncrBy(ctx context.Context, key string, amount int64, expiry time.Duration) (int64, error)
	// DecrBy atomically subtracts amount, used to roll back a rejected charge.
	DecrBy(ctx context.Context, key string, amount int64) (int64, error)
	// Get returns the current value, 0 when the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining time until the key expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
