package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"
	_ "time/tzdata" // reset zone must resolve on hosts without zoneinfo
)

const (
	// NoQuotaWait is reported by EstimatedWait when no credential has daily
	// quota left.
	NoQuotaWait = 24 * time.Hour

	// ResetZone is where the upstream provider resets daily quotas
	ResetZone = "America/Los_Angeles"

	persistTimeout = 2 * time.Second
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	lastRefill time.Time
}

type dailyUsage struct {
	count   int
	resetAt time.Time
}

type keyState struct {
	cred   Credential
	bucket tokenBucket
	usage  dailyUsage
}

// KeyStatus is a point-in-time view of one credential
type KeyStatus struct {
	ID              string    `json:"id"`
	Label           string    `json:"label,omitempty"`
	Tier            Tier      `json:"tier"`
	AvailableTokens float64   `json:"available_tokens"`
	MaxTokens       float64   `json:"max_tokens"`
	DailyUsed       int       `json:"daily_used"`
	DailyLimit      int       `json:"daily_limit"` // 0 means unbounded
	ResetAt         time.Time `json:"reset_at"`
	HasAnyToken     bool      `json:"has_any_token"`
	IsExhausted     bool      `json:"is_exhausted"`
}

// Limiter owns a token bucket and a daily counter per credential. Buckets
// refill lazily from elapsed time on every read or write; there is no timer.
// State survives across dispatch runs and is reconciled when the credential
// set changes.
type Limiter struct {
	mu       sync.Mutex
	store    Store
	clock    TimeSource
	location *time.Location
	logger   *slog.Logger

	order []string
	keys  map[string]*keyState
}

// Option configures a Limiter
type Option func(*Limiter)

// WithTimeSource replaces the wall clock
func WithTimeSource(ts TimeSource) Option {
	return func(l *Limiter) { l.clock = ts }
}

// WithLocation replaces the daily reset zone
func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) { l.location = loc }
}

// WithLogger sets the logger used for persistence warnings
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a Limiter with no credentials. A nil store keeps state
// in memory only.
func NewLimiter(store Store, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:  store,
		clock:  systemClock{},
		logger: slog.Default(),
		keys:   make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.location == nil {
		l.location = resetLocation()
	}
	return l
}

func resetLocation() *time.Location {
	loc, err := time.LoadLocation(ResetZone)
	if err != nil {
		return time.FixedZone("PST", -8*60*60)
	}
	return loc
}

// Reconcile adds state for new credential ids (restored from the store),
// drops in-memory state for ids no longer present and leaves common ids
// untouched. Iteration order follows creds.
func (l *Limiter) Reconcile(ctx context.Context, creds []Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make(map[string]*keyState, len(creds))
	order := make([]string, 0, len(creds))
	for _, c := range creds {
		if _, dup := keys[c.ID]; dup {
			continue
		}
		if ks, ok := l.keys[c.ID]; ok {
			l.retier(ks, c)
			keys[c.ID] = ks
		} else {
			keys[c.ID] = l.restore(ctx, c)
		}
		order = append(order, c.ID)
	}

	for _, id := range l.order {
		if _, ok := keys[id]; !ok {
			l.logger.Info("Retiring key from limiter", "key", id)
		}
	}

	l.keys = keys
	l.order = order
}

// retier refills at the old rate up to now, then moves the bucket to the
// capacity of c's tier
func (l *Limiter) retier(ks *keyState, c Credential) {
	l.touch(ks, l.clock.Now())
	ks.cred = c
	ks.bucket.maxTokens = float64(c.Limits().RequestsPerMinute)
	ks.bucket.tokens = math.Min(ks.bucket.tokens, ks.bucket.maxTokens)
}

// restore builds state from persisted records, falling back to tier defaults
// for anything absent or unreadable.
func (l *Limiter) restore(ctx context.Context, c Credential) *keyState {
	now := l.clock.Now()
	maxTokens := float64(c.Limits().RequestsPerMinute)

	ks := &keyState{
		cred:   c,
		bucket: tokenBucket{tokens: maxTokens, maxTokens: maxTokens, lastRefill: now},
		usage:  dailyUsage{resetAt: l.nextReset(now)},
	}

	rec, err := l.store.LoadBucket(ctx, c.ID)
	switch {
	case err != nil:
		l.logger.Warn("Failed to load key bucket, using tier defaults", "key", c.ID, "error", err)
	case rec != nil && validTokens(rec.Tokens):
		ks.bucket.tokens = math.Min(rec.Tokens, maxTokens)
		if last := fromMillis(rec.LastRefill); !last.After(now) {
			ks.bucket.lastRefill = last
		}
	}

	urec, err := l.store.LoadUsage(ctx, c.ID)
	switch {
	case err != nil:
		l.logger.Warn("Failed to load key usage, using tier defaults", "key", c.ID, "error", err)
	case urec != nil && urec.Count >= 0 && urec.ResetAt > 0:
		ks.usage = dailyUsage{count: urec.Count, resetAt: fromMillis(urec.ResetAt)}
	}

	l.refill(ks, now)
	l.resetDaily(ks, now)
	return ks
}

func validTokens(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func (l *Limiter) nextReset(now time.Time) time.Time {
	t := now.In(l.location)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, l.location)
}

func (l *Limiter) refill(ks *keyState, now time.Time) {
	ks.bucket.refill(now)
}

// refill adds maxTokens/60000 tokens per elapsed millisecond, capped at maxTokens
func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		if elapsed < 0 {
			b.lastRefill = now
		}
		return
	}
	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	b.tokens = math.Min(b.maxTokens, b.tokens+elapsedMs*b.maxTokens/60000)
	b.lastRefill = now
}

func (l *Limiter) resetDaily(ks *keyState, now time.Time) {
	if now.Before(ks.usage.resetAt) {
		return
	}
	ks.usage.count = 0
	ks.usage.resetAt = l.nextReset(now)
}

func dailyExhausted(ks *keyState) bool {
	limit := ks.cred.Limits().RequestsPerDay
	return limit > 0 && ks.usage.count >= limit
}

// touch brings a key's lazy state up to now
func (l *Limiter) touch(ks *keyState, now time.Time) {
	l.refill(ks, now)
	l.resetDaily(ks, now)
}

// BestAvailableKey returns the credential with the most available tokens
// (at least one) among those with daily quota left. Ties go to the first
// credential in reconcile order.
func (l *Limiter) BestAvailableKey() (Credential, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var best *keyState
	for _, id := range l.order {
		ks := l.keys[id]
		l.touch(ks, now)
		if dailyExhausted(ks) || ks.bucket.tokens < 1 {
			continue
		}
		if best == nil || ks.bucket.tokens > best.bucket.tokens {
			best = ks
		}
	}
	if best == nil {
		return Credential{}, false
	}
	return best.cred, true
}

// Consume takes one token from the key and counts one request against its
// day. It returns false, changing nothing, when the bucket holds less than
// one token.
func (l *Limiter) Consume(id string) bool {
	if !l.known(id) {
		return false
	}
	brec, urec := l.load(id)

	l.mu.Lock()
	ks, ok := l.keys[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	l.merge(ks, brec, urec, l.clock.Now())
	if ks.bucket.tokens < 1 {
		l.mu.Unlock()
		return false
	}
	ks.bucket.tokens--
	ks.usage.count++
	b, u := bucketRecord(ks), usageRecord(ks)
	l.mu.Unlock()

	l.persist(id, &b, &u)
	return true
}

// MarkExhausted empties the key's bucket. It is used when the upstream
// rejects a request for quota the local bucket did not predict.
func (l *Limiter) MarkExhausted(id string) {
	if !l.known(id) {
		return
	}
	brec, urec := l.load(id)

	l.mu.Lock()
	ks, ok := l.keys[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	l.merge(ks, brec, urec, now)
	ks.bucket.tokens = 0
	ks.bucket.lastRefill = now
	b := bucketRecord(ks)
	l.mu.Unlock()

	l.logger.Warn("Key marked exhausted", "key", id)
	l.persist(id, &b, nil)
}

func (l *Limiter) known(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[id]
	return ok
}

// load reads the persisted records of a key. Read failures are logged and
// reported as absent records.
func (l *Limiter) load(id string) (*BucketRecord, *UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	brec, err := l.store.LoadBucket(ctx, id)
	if err != nil {
		l.logger.Warn("Failed to load key bucket", "key", id, "error", err)
		brec = nil
	}
	urec, err := l.store.LoadUsage(ctx, id)
	if err != nil {
		l.logger.Warn("Failed to load key usage", "key", id, "error", err)
		urec = nil
	}
	return brec, urec
}

// merge folds persisted records written by other limiters into ks. Both
// sides are brought up to now first; the bucket keeps the fewer tokens and
// the day keeps the higher count, so neither side's requests are forgotten.
func (l *Limiter) merge(ks *keyState, brec *BucketRecord, urec *UsageRecord, now time.Time) {
	l.touch(ks, now)

	if brec != nil && validTokens(brec.Tokens) {
		stored := tokenBucket{
			tokens:     math.Min(brec.Tokens, ks.bucket.maxTokens),
			maxTokens:  ks.bucket.maxTokens,
			lastRefill: fromMillis(brec.LastRefill),
		}
		stored.refill(now)
		ks.bucket.tokens = math.Min(ks.bucket.tokens, stored.tokens)
	}

	if urec != nil && urec.Count >= 0 && urec.ResetAt > 0 {
		resetAt := fromMillis(urec.ResetAt)
		switch {
		case !now.Before(resetAt):
			// the stored day is over
		case resetAt.Equal(ks.usage.resetAt):
			ks.usage.count = max(ks.usage.count, urec.Count)
		case resetAt.After(ks.usage.resetAt):
			ks.usage = dailyUsage{count: urec.Count, resetAt: resetAt}
		}
	}
}

// EstimatedWait returns zero when some key can serve now. Otherwise it
// returns the shortest time for any key with daily quota left to refill one
// token, or NoQuotaWait when no key has daily quota left.
func (l *Limiter) EstimatedWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	shortest := time.Duration(-1)
	for _, id := range l.order {
		ks := l.keys[id]
		l.touch(ks, now)
		if dailyExhausted(ks) {
			continue
		}
		if ks.bucket.tokens >= 1 {
			return 0
		}
		if ks.bucket.maxTokens <= 0 {
			continue
		}
		wait := time.Duration(math.Ceil((1-ks.bucket.tokens)*60000/ks.bucket.maxTokens)) * time.Millisecond
		if shortest < 0 || wait < shortest {
			shortest = wait
		}
	}
	if shortest < 0 {
		return NoQuotaWait
	}
	return shortest
}

// Status reports every key in reconcile order, refilling as a side effect
func (l *Limiter) Status() []KeyStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	statuses := make([]KeyStatus, 0, len(l.order))
	for _, id := range l.order {
		ks := l.keys[id]
		l.touch(ks, now)
		hasToken := ks.bucket.tokens >= 1
		statuses = append(statuses, KeyStatus{
			ID:              ks.cred.ID,
			Label:           ks.cred.Label,
			Tier:            ks.cred.Tier,
			AvailableTokens: ks.bucket.tokens,
			MaxTokens:       ks.bucket.maxTokens,
			DailyUsed:       ks.usage.count,
			DailyLimit:      ks.cred.Limits().RequestsPerDay,
			ResetAt:         ks.usage.resetAt,
			HasAnyToken:     hasToken,
			IsExhausted:     dailyExhausted(ks) || !hasToken,
		})
	}
	return statuses
}

// Credentials returns the credentials the limiter currently knows, in order
func (l *Limiter) Credentials() []Credential {
	l.mu.Lock()
	defer l.mu.Unlock()

	creds := make([]Credential, 0, len(l.order))
	for _, id := range l.order {
		creds = append(creds, l.keys[id].cred)
	}
	return creds
}

// ClearCredentialState forgets a retired credential in memory and in the store
func (l *Limiter) ClearCredentialState(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.keys, id)
	l.order = slices.DeleteFunc(l.order, func(k string) bool { return k == id })
	l.mu.Unlock()

	return l.store.Delete(ctx, id)
}

func bucketRecord(ks *keyState) BucketRecord {
	return BucketRecord{Tokens: ks.bucket.tokens, LastRefill: toMillis(ks.bucket.lastRefill)}
}

func usageRecord(ks *keyState) UsageRecord {
	return UsageRecord{Count: ks.usage.count, ResetAt: toMillis(ks.usage.resetAt)}
}

// persist writes behind the in-memory state. Failures are logged and the
// limiter carries on from memory.
func (l *Limiter) persist(id string, b *BucketRecord, u *UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if b != nil {
		if err := l.store.SaveBucket(ctx, id, *b); err != nil {
			l.logger.Warn("Failed to persist key bucket", "key", id, "error", err)
		}
	}
	if u != nil {
		if err := l.store.SaveUsage(ctx, id, *u); err != nil {
			l.logger.Warn("Failed to persist key usage", "key", id, "error", err)
		}
	}
}
