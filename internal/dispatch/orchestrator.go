package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/ballot-extract/internal/batch"
	"github.com/zombor/ballot-extract/internal/extraction"
	"github.com/zombor/ballot-extract/internal/metrics"
	"github.com/zombor/ballot-extract/internal/ratelimit"
	"github.com/zombor/ballot-extract/internal/retry"
)

var (
	// ErrCancelled is returned by Run when its context ends before every
	// item is resolved
	ErrCancelled = errors.New("dispatch cancelled")
	// ErrAllKeysExhausted is the reason recorded on items no key could serve
	ErrAllKeysExhausted = errors.New("all keys exhausted")

	errKeyDrained = errors.New("rate limit: key has no token left for a retry")
)

// KeyLimiter is the subset of ratelimit.Limiter the orchestrator uses
type KeyLimiter interface {
	Reconcile(ctx context.Context, creds []ratelimit.Credential)
	BestAvailableKey() (ratelimit.Credential, bool)
	Consume(id string) bool
	MarkExhausted(id string)
	EstimatedWait() time.Duration
	Status() []ratelimit.KeyStatus
}

// Config tunes dispatch
type Config struct {
	Batch batch.Config

	// QualityThreshold is the lowest confidence accepted from a batch; lower
	// documents are asked again one by one
	QualityThreshold int
	// MaxAttempts bounds single-item attempts, rate-limit rotations included
	MaxAttempts int
	// KeyPolls bounds how many times one key acquisition waits for a refill
	KeyPolls int
	// MaxKeyWait is the longest refill wait tolerated before giving up
	MaxKeyWait time.Duration
	// WaitPollCap caps one wait so cancellation and progress are re-checked
	WaitPollCap time.Duration

	Retry retry.Options
}

// DefaultConfig holds the production defaults
var DefaultConfig = Config{
	Batch:            batch.DefaultConfig,
	QualityThreshold: 70,
	MaxAttempts:      3,
	KeyPolls:         10,
	MaxKeyWait:       2 * time.Minute,
	WaitPollCap:      5 * time.Second,
	Retry:            retry.DefaultOptions,
}

func (c Config) withDefaults() Config {
	if c.Batch.MaxDocsPerBatch <= 0 {
		c.Batch = DefaultConfig.Batch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.KeyPolls <= 0 {
		c.KeyPolls = DefaultConfig.KeyPolls
	}
	if c.MaxKeyWait <= 0 {
		c.MaxKeyWait = DefaultConfig.MaxKeyWait
	}
	if c.WaitPollCap <= 0 {
		c.WaitPollCap = DefaultConfig.WaitPollCap
	}
	return c
}

// Orchestrator drives work items through rate-limited extraction calls. It
// holds no per-run state, so one instance can serve concurrent runs that
// share a limiter.
type Orchestrator struct {
	limiter KeyLimiter
	client  extraction.Client
	cfg     Config
	logger  *slog.Logger
	clock   ratelimit.TimeSource
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTimeSource replaces the clock used to stamp results
func WithTimeSource(ts ratelimit.TimeSource) Option {
	return func(o *Orchestrator) { o.clock = ts }
}

// WithSleep replaces the timer used for key waits and retry backoff. It must
// return ctx.Err() when ctx ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(limiter KeyLimiter, client extraction.Client, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		limiter: limiter,
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		clock:   wallClock{},
		sleep:   retry.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run holds the mutable state of one Run. It is only touched by the
// goroutine executing Run.
type run struct {
	*Orchestrator

	statuses   map[string]Status
	dispatched map[string]bool
	results    []extraction.Result
	completed  int
	failed     int

	batchIndex   int
	totalBatches int
	waiting      bool
	waitMs       int64

	onProgress ProgressFunc
}

// Submit reconciles the limiter with creds and runs items. Callers that
// keep the limiter reconciled themselves call Run directly.
func (o *Orchestrator) Submit(ctx context.Context, creds []ratelimit.Credential, items []extraction.WorkItem, onProgress ProgressFunc) (*RunReport, error) {
	o.limiter.Reconcile(ctx, creds)
	return o.Run(ctx, items, onProgress)
}

// Run plans items into batches and dispatches them in order over the keys
// the limiter currently knows. Per-item failures are recorded in the report
// and never returned. The only error is ErrCancelled, returned together with
// the partial report.
func (o *Orchestrator) Run(ctx context.Context, items []extraction.WorkItem, onProgress ProgressFunc) (*RunReport, error) {
	r := &run{
		Orchestrator: o,
		statuses:     make(map[string]Status, len(items)),
		dispatched:   make(map[string]bool, len(items)),
		onProgress:   onProgress,
	}
	for _, item := range items {
		r.statuses[item.ID] = PendingStatus()
	}

	batches := batch.Plan(items, o.cfg.Batch)
	r.totalBatches = len(batches)
	o.logger.Info("Starting dispatch", "items", len(items), "batches", len(batches), "keys", len(o.limiter.Status()))

	for _, b := range batches {
		if err := r.dispatchBatch(ctx, b); err != nil {
			o.logger.Warn("Dispatch cancelled", "completed", r.completed, "failed", r.failed, "total", len(r.statuses))
			r.emit()
			return r.report(), fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}

	o.logger.Info("Dispatch finished", "completed", r.completed, "failed", r.failed, "total", len(r.statuses))
	return r.report(), nil
}

func (r *run) dispatchBatch(ctx context.Context, b batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.batchIndex = b.Index

	pending := make([]extraction.WorkItem, 0, len(b.Items))
	for _, item := range b.Items {
		if r.dispatched[item.ID] {
			continue
		}
		pending = append(pending, item)
		r.statuses[item.ID] = ProcessingStatus()
	}
	if len(pending) == 0 {
		return nil
	}
	r.emit()

	r.logger.Info("Dispatching batch", "batch", b.Index+1, "of", r.totalBatches, "items", len(pending), "estimated_tokens", b.EstimatedTokens)

	if len(pending) == 1 {
		if err := r.single(ctx, pending[0]); err != nil {
			return err
		}
		r.emit()
		return nil
	}

	fallback, err := r.batch(ctx, pending)
	if err != nil {
		return err
	}
	for _, item := range fallback {
		if r.dispatched[item.ID] {
			continue
		}
		if err := r.single(ctx, item); err != nil {
			return err
		}
	}
	r.emit()
	return nil
}

// single sends one item on its own, rotating keys on rate limits until the
// attempt ceiling
func (r *run) single(ctx context.Context, item extraction.WorkItem) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.dispatched[item.ID] {
			return nil
		}
		r.statuses[item.ID] = ProcessingStatus()

		key, ok, err := r.acquireKey(ctx)
		if err != nil {
			return err
		}
		if !ok {
			r.finish(item.ID, FailedStatus(r.exhaustedMessage()))
			return nil
		}

		start := time.Now()
		calls := 0
		doc, err := retry.Do(ctx, func(ctx context.Context) (*extraction.Document, error) {
			// every retried request is charged to the key like the first one
			calls++
			if calls > 1 && !r.limiter.Consume(key.ID) {
				return nil, retry.Stop(errKeyDrained)
			}
			return r.client.Extract(ctx, key.Secret, item.Pages)
		}, r.retryOptions(key, item.SourceLabel))
		metrics.ExtractionRequestDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.ExtractionRequestsTotal.WithLabelValues("single", "success").Inc()
			r.finish(item.ID, DoneStatus(extraction.NewResult(item, *doc, r.clock.Now())))
			return nil
		}

		switch r.cfg.Retry.Classify(err) {
		case retry.ClassCancelled:
			return err
		case retry.ClassRateLimit:
			metrics.ExtractionRequestsTotal.WithLabelValues("single", "rate_limited").Inc()
			r.rateLimited(key, err)
			lastErr = err
			r.logger.Info("Rotating key after rate limit", "item", item.SourceLabel, "attempt", attempt, "of", r.cfg.MaxAttempts)
			r.emit()
			continue
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			outcome := "error"
			if errors.Is(err, extraction.ErrInvalidResponse) {
				outcome = "invalid"
			}
			metrics.ExtractionRequestsTotal.WithLabelValues("single", outcome).Inc()
			r.logger.Error("Extraction failed", "item", item.SourceLabel, "key", key.ID, "error", err)
			r.finish(item.ID, FailedStatus(err.Error()))
			return nil
		}
	}

	r.finish(item.ID, FailedStatus(fmt.Sprintf("rate limited on %d attempts: %v", r.cfg.MaxAttempts, lastErr)))
	return nil
}

// retryOptions logs and reports every retry of a single-item request
func (r *run) retryOptions(key ratelimit.Credential, label string) retry.Options {
	opts := r.cfg.Retry
	if opts.Sleep == nil {
		opts.Sleep = r.sleep
	}
	onRetry := opts.OnRetry
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		r.logger.Warn("Retrying extraction", "item", label, "key", key.ID, "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		r.emit()
	}
	return opts
}

// batch sends items in one request. It returns the items that still need a
// single-item request: all of them when the request or its validation fails,
// the low-confidence ones otherwise.
func (r *run) batch(ctx context.Context, items []extraction.WorkItem) ([]extraction.WorkItem, error) {
	key, ok, err := r.acquireKey(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := r.exhaustedMessage()
		for _, item := range items {
			r.finish(item.ID, FailedStatus(msg))
		}
		return nil, nil
	}

	pages := make([][]extraction.Page, len(items))
	for i, item := range items {
		pages[i] = item.Pages
	}

	start := time.Now()
	docs, err := r.client.ExtractBatch(ctx, key.Secret, pages)
	metrics.ExtractionRequestDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	if err == nil {
		err = validateBatch(docs, len(items))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		outcome := "error"
		switch {
		case r.cfg.Retry.Classify(err) == retry.ClassRateLimit:
			outcome = "rate_limited"
			r.rateLimited(key, err)
		case errors.Is(err, extraction.ErrInvalidResponse):
			outcome = "invalid"
		}
		metrics.ExtractionRequestsTotal.WithLabelValues("batch", outcome).Inc()
		metrics.BatchFallbacksTotal.WithLabelValues("batch_failed").Add(float64(len(items)))
		r.logger.Warn("Batch failed, falling back to single requests", "items", len(items), "key", key.ID, "error", err)
		return items, nil
	}
	metrics.ExtractionRequestsTotal.WithLabelValues("batch", "success").Inc()

	now := r.clock.Now()
	var fallback []extraction.WorkItem
	for _, doc := range docs {
		item := items[doc.SourceIndex]
		if extraction.ClampConfidence(doc.Confidence) >= r.cfg.QualityThreshold {
			r.finish(item.ID, DoneStatus(extraction.NewResult(item, doc.Document, now)))
			continue
		}
		r.logger.Info("Low confidence batch result, asking again", "item", item.SourceLabel, "confidence", doc.Confidence, "threshold", r.cfg.QualityThreshold)
		metrics.BatchFallbacksTotal.WithLabelValues("low_confidence").Inc()
		fallback = append(fallback, item)
	}
	return fallback, nil
}

// validateBatch rejects a batch unless it has exactly one document per input
// and every input index is named
func validateBatch(docs []extraction.BatchDocument, n int) error {
	if len(docs) != n {
		return fmt.Errorf("%w: expected %d documents, got %d", extraction.ErrInvalidResponse, n, len(docs))
	}
	seen := make([]bool, n)
	for _, doc := range docs {
		if doc.SourceIndex < 0 || doc.SourceIndex >= n {
			return fmt.Errorf("%w: source_index %d out of range [0,%d)", extraction.ErrInvalidResponse, doc.SourceIndex, n)
		}
		seen[doc.SourceIndex] = true
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("%w: no document for source_index %d", extraction.ErrInvalidResponse, i)
		}
	}
	return nil
}

// acquireKey returns a key with one token already consumed. It waits for a
// refill in bounded, capped polls and reports false when no key can serve
// within MaxKeyWait.
func (r *run) acquireKey(ctx context.Context) (ratelimit.Credential, bool, error) {
	defer r.stopWaiting()

	for poll := 0; poll < r.cfg.KeyPolls; poll++ {
		if err := ctx.Err(); err != nil {
			return ratelimit.Credential{}, false, err
		}

		if key, ok := r.limiter.BestAvailableKey(); ok {
			if r.limiter.Consume(key.ID) {
				return key, true, nil
			}
			// another run took the last token
			continue
		}

		wait := r.limiter.EstimatedWait()
		if wait > r.cfg.MaxKeyWait {
			r.logger.Warn("No key can serve within the tolerated wait", "wait", wait, "max", r.cfg.MaxKeyWait)
			return ratelimit.Credential{}, false, nil
		}

		r.waiting = true
		r.waitMs = wait.Milliseconds()
		r.emit()

		sleep := min(wait, r.cfg.WaitPollCap)
		r.logger.Debug("Waiting for key refill", "wait", wait, "sleep", sleep)
		metrics.KeyWaitSeconds.Observe(sleep.Seconds())
		if err := r.sleep(ctx, sleep); err != nil {
			return ratelimit.Credential{}, false, err
		}
	}
	return ratelimit.Credential{}, false, nil
}

func (r *run) stopWaiting() {
	if r.waiting {
		r.waiting = false
		r.waitMs = 0
	}
}

func (r *run) exhaustedMessage() string {
	return fmt.Sprintf("%s: no key can serve within %s", ErrAllKeysExhausted, r.cfg.MaxKeyWait)
}

func (r *run) rateLimited(key ratelimit.Credential, err error) {
	metrics.RateLimitHitsTotal.WithLabelValues(key.ID).Inc()
	r.logger.Warn("Key rate limited upstream", "key", key.ID, "error", err)
	r.limiter.MarkExhausted(key.ID)
}

// finish records the terminal status of an item exactly once
func (r *run) finish(id string, s Status) {
	if r.dispatched[id] {
		return
	}
	r.dispatched[id] = true
	r.statuses[id] = s

	switch s.State {
	case StateDone:
		r.completed++
		r.results = append(r.results, *s.Result)
	case StateError:
		r.failed++
	}
	metrics.ItemsTotal.WithLabelValues(string(s.State)).Inc()
}

func (r *run) snapshot() Progress {
	p := Progress{
		Total:         len(r.statuses),
		Completed:     r.completed,
		Failed:        r.failed,
		CurrentBatch:  r.batchIndex,
		TotalBatches:  r.totalBatches,
		Items:         r.statuses,
		Keys:          r.limiter.Status(),
		WaitingForKey: r.waiting,
		WaitMs:        r.waitMs,
		UpdatedAt:     r.clock.Now(),
	}
	return p.Clone()
}

func (r *run) emit() {
	p := r.snapshot()
	for _, k := range p.Keys {
		metrics.KeyTokensAvailable.WithLabelValues(k.ID).Set(k.AvailableTokens)
		metrics.KeyDailyUsed.WithLabelValues(k.ID).Set(float64(k.DailyUsed))
	}
	if r.onProgress != nil {
		r.onProgress(p)
	}
}

func (r *run) report() *RunReport {
	results := make([]extraction.Result, len(r.results))
	for i, res := range r.results {
		results[i] = cloneResult(res)
	}
	items := make(map[string]Status, len(r.statuses))
	for id, s := range r.statuses {
		items[id] = s.clone()
	}
	return &RunReport{
		Results:   results,
		Items:     items,
		Total:     len(r.statuses),
		Completed: r.completed,
		Failed:    r.failed,
	}
}
