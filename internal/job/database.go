package job

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

const jobsBucket = "jobs"

// DB defines the interface for job persistence
type DB interface {
	// SaveJob inserts or replaces a job
	SaveJob(job *Job) error

	// GetJob retrieves a job by ID; unknown ids wrap ErrJobNotFound
	GetJob(id string) (*Job, error)

	// ListJobs returns all jobs, newest first
	ListJobs() ([]*Job, error)

	// DeleteJob removes a job
	DeleteJob(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements DB on a bbolt file. The same file also holds key quota
// state, see Bolt.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens (or creates) the database file
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Bolt exposes the underlying handle so other stores can share the file
func (b *BoltDB) Bolt() *bbolt.DB {
	return b.db
}

// SaveJob saves a job to the database
func (b *BoltDB) SaveJob(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Put([]byte(job.ID), data)
	})
}

// GetJob retrieves a job by ID
func (b *BoltDB) GetJob(id string) (*Job, error) {
	var job *Job
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(jobsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all jobs, newest first
func (b *BoltDB) ListJobs() ([]*Job, error) {
	jobs := make([]*Job, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("unmarshaling job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(jobs, func(a, b *Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return jobs, nil
}

// DeleteJob removes a job from the database
func (b *BoltDB) DeleteJob(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
