package ratelimit

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

// fakeRedis keeps values in a map and answers like a redis server would
type fakeRedis struct {
	values map[string][]byte
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = value.([]byte)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

var _ = Describe("RedisStore", func() {
	var (
		ctx   context.Context
		rdb   *fakeRedis
		store *RedisStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		rdb = newFakeRedis()
		store = newRedisStore(rdb, RedisConfig{})
	})

	It("namespaces keys under the default prefix", func() {
		Expect(store.SaveBucket(ctx, "a", BucketRecord{Tokens: 3, LastRefill: 1000})).To(Succeed())
		Expect(store.SaveUsage(ctx, "a", UsageRecord{Count: 4, ResetAt: 2000})).To(Succeed())
		Expect(rdb.values).To(HaveKey("ballot-extract:bucket:a"))
		Expect(rdb.values).To(HaveKey("ballot-extract:daily:a"))
	})

	It("expires idle records", func() {
		Expect(store.SaveBucket(ctx, "a", BucketRecord{Tokens: 3})).To(Succeed())
		Expect(rdb.ttls["ballot-extract:bucket:a"]).To(Equal(72 * time.Hour))
	})

	It("honours a configured prefix and TTL", func() {
		store = newRedisStore(rdb, RedisConfig{Prefix: "shared:", TTL: time.Hour})
		Expect(store.SaveBucket(ctx, "a", BucketRecord{Tokens: 3})).To(Succeed())
		Expect(rdb.ttls).To(Equal(map[string]time.Duration{"shared:bucket:a": time.Hour}))
	})

	It("loads saved records back", func() {
		Expect(store.SaveBucket(ctx, "a", BucketRecord{Tokens: 3, LastRefill: 1000})).To(Succeed())
		Expect(store.SaveUsage(ctx, "a", UsageRecord{Count: 4, ResetAt: 2000})).To(Succeed())

		bucket, err := store.LoadBucket(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(*bucket).To(Equal(BucketRecord{Tokens: 3, LastRefill: 1000}))

		usage, err := store.LoadUsage(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(*usage).To(Equal(UsageRecord{Count: 4, ResetAt: 2000}))
	})

	It("reports a missing record as nil", func() {
		bucket, err := store.LoadBucket(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(bucket).To(BeNil())
	})

	It("returns an error for a corrupt record", func() {
		rdb.values["ballot-extract:bucket:a"] = []byte("{not json")
		_, err := store.LoadBucket(ctx, "a")
		Expect(err).To(MatchError(ContainSubstring("unmarshaling record")))
	})

	It("deletes both records", func() {
		Expect(store.SaveBucket(ctx, "a", BucketRecord{Tokens: 3})).To(Succeed())
		Expect(store.SaveUsage(ctx, "a", UsageRecord{Count: 4, ResetAt: 2000})).To(Succeed())
		Expect(store.SaveBucket(ctx, "b", BucketRecord{Tokens: 5})).To(Succeed())

		Expect(store.Delete(ctx, "a")).To(Succeed())
		Expect(rdb.values).To(HaveLen(1))
		Expect(rdb.values).To(HaveKey("ballot-extract:bucket:b"))
	})

	It("wraps server errors", func() {
		rdb.err = errors.New("connection refused")
		_, err := store.LoadUsage(ctx, "a")
		Expect(err).To(MatchError(ContainSubstring("redis GET daily:a")))
		Expect(store.SaveUsage(ctx, "a", UsageRecord{})).To(MatchError(ContainSubstring("redis SET daily:a")))
		Expect(store.Delete(ctx, "a")).To(MatchError(ContainSubstring("redis DEL a")))
	})

	It("falls back to tier defaults under a limiter when records are corrupt", func() {
		rdb.values["ballot-extract:bucket:a"] = []byte("{not json")
		rdb.values["ballot-extract:daily:a"] = []byte("[]")
		limiter := NewLimiter(store)
		limiter.Reconcile(ctx, []Credential{freeKey("a")})

		status := limiter.Status()[0]
		Expect(status.AvailableTokens).To(Equal(10.0))
		Expect(status.DailyUsed).To(BeZero())
	})

	It("closes the client", func() {
		Expect(store.Close()).To(Succeed())
		Expect(rdb.closed).To(BeTrue())
	})
})
