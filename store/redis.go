package store

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis stores keep conversation state and audit records under a shared
// prefix. The keys namespace is organized as follows:
// - `/<prefix>/chat/messages/<conversationID>` for conversation messages
// - `/<prefix>/chat/records/<conversationID>` for tool execution records
// - counter keys are passed through verbatim under `/<prefix>/counters/`

// maxMessages bounds the transcript kept per conversation.
const maxMessages = 200

// recordsTTL bounds how long the audit trail of an idle conversation is kept.
const recordsTTL = 30 * 24 * time.Hour

type redisMessageStore struct {
	client *redis.Client
	prefix string
}

// NewRedisMessageStore returns a MessageStore backed by Redis.
func NewRedisMessageStore(client *redis.Client, prefix string) MessageStore {
	return &redisMessageStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisMessageStore) messagesKey(conversationID string) string {
	return path.Join(m.prefix, "chat", "messages", conversationID)
}

func (m *redisMessageStore) Messages(ctx context.Context, conversationID string) ([]llms.Message, error) {
	key := m.messagesKey(conversationID)
	data, err := m.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read messages from Redis")
	}

	var messages []llms.Message
	for _, item := range data {
		var msg llms.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal message", "err", err.Error())
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (m *redisMessageStore) Add(ctx context.Context, conversationID string, msgs ...llms.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	payloads := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}
		payloads = append(payloads, data)
	}

	key := m.messagesKey(conversationID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, payloads...)
	// Keep only the most recent messages
	pipe.LTrim(ctx, key, -maxMessages, -1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store messages in Redis")
	}
	return nil
}

func (m *redisMessageStore) Reset(ctx context.Context, conversationID string) error {
	err := m.client.Del(ctx, m.messagesKey(conversationID)).Err()
	if err != nil {
		return errors.Wrap(err, "failed to reset conversation in Redis")
	}
	return nil
}

type redisRecordStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRecordStore returns a RecordStore backed by Redis.
func NewRedisRecordStore(client *redis.Client, prefix string) RecordStore {
	return &redisRecordStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisRecordStore) recordsKey(conversationID string) string {
	return path.Join(m.prefix, "chat", "records", conversationID)
}

func (m *redisRecordStore) Append(ctx context.Context, rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal execution record")
	}

	key := m.recordsKey(rec.ConversationID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, recordsTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to store execution record in Redis")
	}
	return nil
}

func (m *redisRecordStore) List(ctx context.Context, conversationID string) ([]*ExecutionRecord, error) {
	data, err := m.client.LRange(ctx, m.recordsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read execution records from Redis")
	}

	var records []*ExecutionRecord
	for _, item := range data {
		rec := &ExecutionRecord{}
		if err := json.Unmarshal([]byte(item), rec); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal record", "err", err.Error())
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

type redisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore returns a CounterStore backed by Redis. INCR is
// atomic server-side, so the post-increment value the governor compares
// against is race-free across concurrent requests.
func NewRedisCounterStore(client *redis.Client, prefix string) CounterStore {
	return &redisCounterStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisCounterStore) key(key string) string {
	return path.Join(m.prefix, "counters", key)
}

func (m *redisCounterStore) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return m.IncrBy(ctx, key, 1, expiry)
}

func (m *redisCounterStore) IncrBy(ctx context.Context, key string, amount int64, expiry time.Duration) (int64, error) {
	k := m.key(key)
	pipe := m.client.Pipeline()
	incr := pipe.IncrBy(ctx, k, amount)
	// NX keeps the original window expiry on subsequent hits
	pipe.ExpireNX(ctx, k, expiry)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment counter in Redis")
	}
	return incr.Val(), nil
}

func (m *redisCounterStore) DecrBy(ctx context.Context, key string, amount int64) (int64, error) {
	val, err := m.client.DecrBy(ctx, m.key(key), amount).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to decrement counter in Redis")
	}
	return val, nil
}

func (m *redisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := m.client.Get(ctx, m.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to get counter from Redis")
	}
	return val, nil
}

func (m *redisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := m.client.TTL(ctx, m.key(key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get counter TTL from Redis")
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
