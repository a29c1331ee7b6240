package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// BucketRecord is the persisted shape of a token bucket
type BucketRecord struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // unix milliseconds
}

// UsageRecord is the persisted shape of a daily usage counter
type UsageRecord struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"reset_at"` // unix milliseconds
}

// Store persists per-credential quota state. Load methods return (nil, nil)
// when no record exists. Callers treat any load error as "use tier defaults".
type Store interface {
	LoadBucket(ctx context.Context, id string) (*BucketRecord, error)
	SaveBucket(ctx context.Context, id string, rec BucketRecord) error
	LoadUsage(ctx context.Context, id string) (*UsageRecord, error)
	SaveUsage(ctx context.Context, id string, rec UsageRecord) error
	// Delete removes both records of a credential
	Delete(ctx context.Context, id string) error
}

func bucketKey(id string) string {
	return "bucket:" + id
}

func usageKey(id string) string {
	return "daily:" + id
}

func decodeRecord[T any](data []byte) (*T, error) {
	if data == nil {
		return nil, nil
	}
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) load(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key]
}

func (m *MemoryStore) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
	return nil
}

// Put stores raw bytes under a key. Tests use it to plant corrupt records.
func (m *MemoryStore) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
}

// LoadBucket implements Store
func (m *MemoryStore) LoadBucket(_ context.Context, id string) (*BucketRecord, error) {
	return decodeRecord[BucketRecord](m.load(bucketKey(id)))
}

// SaveBucket implements Store
func (m *MemoryStore) SaveBucket(_ context.Context, id string, rec BucketRecord) error {
	return m.save(bucketKey(id), rec)
}

// LoadUsage implements Store
func (m *MemoryStore) LoadUsage(_ context.Context, id string) (*UsageRecord, error) {
	return decodeRecord[UsageRecord](m.load(usageKey(id)))
}

// SaveUsage implements Store
func (m *MemoryStore) SaveUsage(_ context.Context, id string, rec UsageRecord) error {
	return m.save(usageKey(id), rec)
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, bucketKey(id))
	delete(m.records, usageKey(id))
	return nil
}
