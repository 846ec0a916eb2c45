package store

import (
	"context"
	"sync"
	"time"

	"github.com/effective-security/toolgate/pkg/llms"
)

type inMemoryMessages struct {
	mu      sync.RWMutex
	storage map[string][]llms.Message
}

// NewMemoryMessageStore returns an in-memory MessageStore.
func NewMemoryMessageStore() MessageStore {
	return &inMemoryMessages{}
}

func (m *inMemoryMessages) Messages(_ context.Context, conversationID string) ([]llms.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.storage == nil {
		return nil, nil
	}
	msgs := m.storage[conversationID]
	out := make([]llms.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *inMemoryMessages) Add(_ context.Context, conversationID string, msgs ...llms.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		// create on first use
		m.storage = make(map[string][]llms.Message)
	}
	m.storage[conversationID] = append(m.storage[conversationID], msgs...)
	return nil
}

func (m *inMemoryMessages) Reset(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage != nil {
		delete(m.storage, conversationID)
	}
	return nil
}

type inMemoryRecords struct {
	mu      sync.RWMutex
	storage map[string][]*ExecutionRecord
}

// NewMemoryRecordStore returns an in-memory RecordStore.
func NewMemoryRecordStore() RecordStore {
	return &inMemoryRecords{}
}

func (m *inMemoryRecords) Append(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		m.storage = make(map[string][]*ExecutionRecord)
	}
	cp := *rec
	m.storage[rec.ConversationID] = append(m.storage[rec.ConversationID], &cp)
	return nil
}

func (m *inMemoryRecords) List(_ context.Context, conversationID string) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.storage == nil {
		return nil, nil
	}
	recs := m.storage[conversationID]
	out := make([]*ExecutionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

type inMemoryCounters struct {
	mu      sync.Mutex
	storage map[string]*counterEntry
	// nowFunc is replaceable in tests to advance window expiry
	nowFunc func() time.Time
}

// NewMemoryCounterStore returns an in-memory CounterStore with expiry
// semantics matching the Redis implementation.
func NewMemoryCounterStore() CounterStore {
	return NewMemoryCounterStoreWithClock(time.Now)
}

// NewMemoryCounterStoreWithClock returns an in-memory CounterStore using the
// given time source, so tests can roll windows over without sleeping.
func NewMemoryCounterStoreWithClock(now func() time.Time) CounterStore {
	return &inMemoryCounters{
		storage: make(map[string]*counterEntry),
		nowFunc: now,
	}
}

func (m *inMemoryCounters) get(key string) *counterEntry {
	e, ok := m.storage[key]
	if ok && !e.expiresAt.IsZero() && m.nowFunc().After(e.expiresAt) {
		delete(m.storage, key)
		ok = false
	}
	if !ok {
		return nil
	}
	return e
}

func (m *inMemoryCounters) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return m.IncrBy(ctx, key, 1, expiry)
}

func (m *inMemoryCounters) IncrBy(_ context.Context, key string, amount int64, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	if e == nil {
		e = &counterEntry{}
		if expiry > 0 {
			e.expiresAt = m.nowFunc().Add(expiry)
		}
		m.storage[key] = e
	}
	e.value += amount
	return e.value, nil
}

func (m *inMemoryCounters) DecrBy(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	if e == nil {
		e = &counterEntry{}
		m.storage[key] = e
	}
	e.value -= amount
	return e.value, nil
}

func (m *inMemoryCounters) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	if e == nil {
		return 0, nil
	}
	return e.value, nil
}

func (m *inMemoryCounters) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	if e == nil || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.nowFunc()), nil
}
