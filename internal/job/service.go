package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/ballot-extract/internal/dispatch"
	"github.com/zombor/ballot-extract/internal/extraction"
	"github.com/zombor/ballot-extract/internal/metrics"
	"github.com/zombor/ballot-extract/internal/ratelimit"
)

// Dispatcher resolves every work item of a run over the keys the limiter
// currently knows
type Dispatcher interface {
	Run(ctx context.Context, items []extraction.WorkItem, onProgress dispatch.ProgressFunc) (*dispatch.RunReport, error)
}

// KeyLimiter is the part of the rate limiter the service manages directly
type KeyLimiter interface {
	Reconcile(ctx context.Context, creds []ratelimit.Credential)
	Status() []ratelimit.KeyStatus
	ClearCredentialState(ctx context.Context, id string) error
}

// IDGenerator generates unique IDs for jobs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type activeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service submits jobs and runs each one in the background
type Service struct {
	db          DB
	storage     Storage
	dispatcher  Dispatcher
	limiter     KeyLimiter
	idGenerator IDGenerator
	timeSource  TimeSource

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	creds   []ratelimit.Credential
	running map[string]*activeJob

	// keyMu orders credential updates so the limiter ends on the last set
	keyMu sync.Mutex
}

// NewService creates a new Service with uuid ids and the wall clock
func NewService(db DB, storage Storage, dispatcher Dispatcher, limiter KeyLimiter) *Service {
	return NewServiceWithDeps(db, storage, dispatcher, limiter, uuidGenerator{}, systemClock{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, dispatcher Dispatcher, limiter KeyLimiter, idGen IDGenerator, timeSrc TimeSource) *Service {
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		db:          db,
		storage:     storage,
		dispatcher:  dispatcher,
		limiter:     limiter,
		idGenerator: idGen,
		timeSource:  timeSrc,
		baseCtx:     ctx,
		stop:        stop,
		running:     make(map[string]*activeJob),
	}
}

// Submit stores the files, prepares their pages and starts the run. The
// returned job is queued; poll Get for progress.
func (s *Service) Submit(ctx context.Context, files []extraction.SourceFile) (*Job, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	if len(s.Credentials()) == 0 {
		return nil, ErrNoCredentials
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	stored := make([]File, 0, len(files))
	for _, f := range files {
		path, err := s.storage.Save(id, f.Name, f.Data)
		if err != nil {
			s.removeFiles(id)
			return nil, fmt.Errorf("saving %s: %w", f.Name, err)
		}
		stored = append(stored, File{Name: f.Name, ContentType: f.ContentType, Path: path, Size: len(f.Data)})
	}

	items, err := extraction.LoadWorkItems(ctx, files)
	if err != nil {
		slog.Error("Failed to prepare documents", "job", id, "files", len(files), "error", err)
		s.removeFiles(id)
		return nil, fmt.Errorf("preparing documents: %w", err)
	}

	job := &Job{
		ID:        id,
		State:     StateQueued,
		Files:     stored,
		Items:     withoutPages(items),
		Results:   []extraction.Result{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.SaveJob(job); err != nil {
		s.removeFiles(id)
		return nil, fmt.Errorf("saving job to database: %w", err)
	}

	submitted := *job
	s.start(job, items)

	slog.Info("Job submitted", "job", id, "files", len(files))
	return &submitted, nil
}

func withoutPages(items []extraction.WorkItem) []extraction.WorkItem {
	out := make([]extraction.WorkItem, len(items))
	for i, item := range items {
		item.Pages = nil
		out[i] = item
	}
	return out
}

func (s *Service) start(job *Job, items []extraction.WorkItem) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	active := &activeJob{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[job.ID] = active
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(active.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()

		s.run(ctx, job, items)
	}()
}

// run owns job until it returns. The limiter is reconciled only by
// SetCredentials, so a run never brings back a retired key.
func (s *Service) run(ctx context.Context, job *Job, items []extraction.WorkItem) {
	job.State = StateRunning
	job.UpdatedAt = s.timeSource.Now()
	s.save(job)

	report, err := s.dispatcher.Run(ctx, items, func(p dispatch.Progress) {
		job.Progress = &p
		job.UpdatedAt = s.timeSource.Now()
		s.save(job)
	})

	now := s.timeSource.Now()
	job.UpdatedAt = now
	job.FinishedAt = &now

	switch {
	case errors.Is(err, dispatch.ErrCancelled):
		job.State = StateCancelled
	case err != nil:
		job.State = StateFailed
		job.Error = err.Error()
	default:
		job.State = StateCompleted
	}

	if report != nil {
		job.Results = report.Results
		final := dispatch.Progress{}
		if job.Progress != nil {
			final = *job.Progress
		}
		final.Total = report.Total
		final.Completed = report.Completed
		final.Failed = report.Failed
		final.Items = report.Items
		final.WaitingForKey = false
		final.WaitMs = 0
		final.UpdatedAt = now
		job.Progress = &final
	}
	s.save(job)

	slog.Info("Job finished", "job", job.ID, "state", job.State, "results", len(job.Results))
}

func (s *Service) save(job *Job) {
	if err := s.db.SaveJob(job); err != nil {
		slog.Warn("Failed to persist job", "job", job.ID, "error", err)
	}
}

func (s *Service) removeFiles(id string) {
	if err := s.storage.RemoveJob(id); err != nil {
		slog.Warn("Failed to delete job files", "job", id, "error", err)
	}
}

// Get retrieves a job by ID
func (s *Service) Get(id string) (*Job, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// List returns all jobs, newest first
func (s *Service) List() ([]*Job, error) {
	jobs, err := s.db.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// Cancel stops a running job and returns its final record. Items already
// resolved keep their results.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	if active := s.active(id); active != nil {
		active.cancel()
		select {
		case <-active.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.Get(id)
	}

	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if job.State.Finished() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.State)
	}

	// no live run behind an unfinished record
	now := s.timeSource.Now()
	job.State = StateCancelled
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := s.db.SaveJob(job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	return job, nil
}

// Delete cancels the job if it is running, then removes its files and record
func (s *Service) Delete(ctx context.Context, id string) error {
	if active := s.active(id); active != nil {
		active.cancel()
		select {
		case <-active.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := s.db.GetJob(id); err != nil {
		return fmt.Errorf("getting job for deletion: %w", err)
	}
	s.removeFiles(id)
	if err := s.db.DeleteJob(id); err != nil {
		return fmt.Errorf("deleting job from database: %w", err)
	}
	return nil
}

func (s *Service) active(id string) *activeJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// RecoverInterrupted fails jobs left queued or running by a previous process
func (s *Service) RecoverInterrupted() error {
	jobs, err := s.db.ListJobs()
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State.Finished() || s.active(job.ID) != nil {
			continue
		}
		now := s.timeSource.Now()
		job.State = StateFailed
		job.Error = "interrupted by restart"
		job.UpdatedAt = now
		job.FinishedAt = &now
		if err := s.db.SaveJob(job); err != nil {
			return fmt.Errorf("saving job %s: %w", job.ID, err)
		}
		slog.Warn("Marked interrupted job as failed", "job", job.ID)
	}
	return nil
}

// KeyStatus returns the limiter's view of every configured key
func (s *Service) KeyStatus() []ratelimit.KeyStatus {
	return s.limiter.Status()
}

// Credentials returns the configured credentials
func (s *Service) Credentials() []ratelimit.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.creds)
}

// SetCredentials replaces the credential set. Keys that disappear lose their
// persisted quota state; keys that stay keep it. Running jobs pick up the
// change at their next key selection.
func (s *Service) SetCredentials(ctx context.Context, creds []ratelimit.Credential) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	s.mu.Lock()
	old := s.creds
	s.creds = slices.Clone(creds)
	s.mu.Unlock()

	s.limiter.Reconcile(ctx, creds)

	kept := make(map[string]bool, len(creds))
	for _, c := range creds {
		kept[c.ID] = true
	}

	var errs []error
	for _, c := range old {
		if kept[c.ID] {
			continue
		}
		slog.Info("Retiring credential", "key", c.ID)
		metrics.ForgetKey(c.ID)
		if err := s.limiter.ClearCredentialState(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("clearing state of %s: %w", c.ID, err))
		}
	}

	slog.Info("Credentials updated", "keys", len(creds))
	return errors.Join(errs...)
}

// Close cancels every running job and waits for them to record their state
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}
