package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

const quotaBucketName = "key_quota"

// BoltStore implements Store on a shared BoltDB handle
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates the quota bucket if it doesn't exist
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(quotaBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating quota bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) get(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(quotaBucketName)).Get([]byte(key))
		if v != nil {
			// bbolt values are only valid inside the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (b *BoltStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(quotaBucketName)).Put([]byte(key), data)
	})
}

// LoadBucket implements Store
func (b *BoltStore) LoadBucket(_ context.Context, id string) (*BucketRecord, error) {
	data, err := b.get(bucketKey(id))
	if err != nil {
		return nil, fmt.Errorf("loading bucket %s: %w", id, err)
	}
	return decodeRecord[BucketRecord](data)
}

// SaveBucket implements Store
func (b *BoltStore) SaveBucket(_ context.Context, id string, rec BucketRecord) error {
	return b.put(bucketKey(id), rec)
}

// LoadUsage implements Store
func (b *BoltStore) LoadUsage(_ context.Context, id string) (*UsageRecord, error) {
	data, err := b.get(usageKey(id))
	if err != nil {
		return nil, fmt.Errorf("loading usage %s: %w", id, err)
	}
	return decodeRecord[UsageRecord](data)
}

// SaveUsage implements Store
func (b *BoltStore) SaveUsage(_ context.Context, id string, rec UsageRecord) error {
	return b.put(usageKey(id), rec)
}

// Delete implements Store
func (b *BoltStore) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(quotaBucketName))
		if err := bucket.Delete([]byte(bucketKey(id))); err != nil {
			return err
		}
		return bucket.Delete([]byte(usageKey(id)))
	})
}
