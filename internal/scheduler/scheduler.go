// Package scheduler runs background jobs produced by behaviors.
//
// Jobs are persisted as models.ScheduledJob records in a store.Repository and
// fired by a Timer. Long-lived jobs are declared once per behavior and run
// forever; cancelable jobs are created by conversations and deleted once the
// executor reports them completed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/store"
)

// JobRecordType is the repository record type of scheduled jobs.
const JobRecordType = "scheduled_job"

// volatilePrefix marks jobs that only live in memory because saving them failed.
const volatilePrefix = "volatile_"

var (
	// ErrNoJobExecutor is returned when a job's kind has no registered executor.
	ErrNoJobExecutor = errors.New("no job executor registered")
	// ErrNotCancelable is returned when cancelling a long-lived job.
	ErrNotCancelable = errors.New("job is not cancelable")
	// ErrJobNotFound is returned when cancelling an unknown job.
	ErrJobNotFound = errors.New("job not found")
)

// OutputSink receives the outputs of executed jobs.
type OutputSink interface {
	Deliver(out models.ChannelOutput)
}

// OutputSinkFunc adapts a function to OutputSink.
type OutputSinkFunc func(out models.ChannelOutput)

// Deliver calls f(out).
func (f OutputSinkFunc) Deliver(out models.ChannelOutput) { f(out) }

// PendingJob is a job waiting on its timer.
type PendingJob struct {
	Job     models.ScheduledJob `json:"job"`
	DueAt   time.Time           `json:"due_at"`
	TimerID string              `json:"timer_id"`
}

// Opts configures a Scheduler.
type Opts struct {
	Timer Timer
	Retry RetryPolicy
	Now   func() time.Time
}

// Option is a functional option for New.
type Option func(*Opts)

// WithTimer replaces the default SimpleTimer.
func WithTimer(t Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithRetryPolicy sets how failed executions are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Opts) { o.Retry = p }
}

// WithClock overrides time.Now for delay computation.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Scheduler fires persisted jobs on their intervals.
type Scheduler struct {
	jobs  *store.Collection[models.ScheduledJob]
	sink  OutputSink
	timer Timer
	retry RetryPolicy
	now   func() time.Time

	mu        sync.Mutex
	executors map[string]behavior.JobExecutor
	pending   map[string]PendingJob
	// running maps executing job ids to whether they are cancelable.
	running   map[string]bool
	cancelled map[string]struct{}
	stopped   bool
	wg        sync.WaitGroup
}

// New creates a Scheduler storing jobs in repo and delivering job outputs to sink.
func New(repo store.Repository, sink OutputSink, opts ...Option) *Scheduler {
	cfg := Opts{Retry: DefaultRetryPolicy(), Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timer == nil {
		cfg.Timer = NewSimpleTimer()
	}
	return &Scheduler{
		jobs:      store.NewCollection[models.ScheduledJob](repo, JobRecordType),
		sink:      sink,
		timer:     cfg.Timer,
		retry:     cfg.Retry,
		now:       cfg.Now,
		executors: make(map[string]behavior.JobExecutor),
		pending:   make(map[string]PendingJob),
		running:   make(map[string]bool),
		cancelled: make(map[string]struct{}),
	}
}

// Bootstrap registers the executor for kind and enqueues every persisted job
// of that kind. Dead-lettered jobs stay in the repository but are not run.
// A load failure is returned; the scheduler cannot run without its state.
func (s *Scheduler) Bootstrap(ctx context.Context, kind string, exec behavior.JobExecutor) error {
	s.mu.Lock()
	s.executors[kind] = exec
	s.mu.Unlock()

	items, err := s.jobs.Where(ctx, "kind", kind)
	if err != nil {
		slog.Error("Scheduler.Bootstrap: failed to load jobs", "kind", kind, "error", err)
		return fmt.Errorf("failed to load %s jobs: %w", kind, err)
	}
	loaded := 0
	for _, item := range items {
		job := item.Value
		job.ID = item.ID
		if job.DeadLetter {
			slog.Debug("Scheduler.Bootstrap: skipping dead-lettered job", "id", job.ID, "kind", kind)
			continue
		}
		s.enqueue(job, false)
		loaded++
	}
	slog.Info("Scheduler.Bootstrap: jobs enqueued", "kind", kind, "count", loaded)
	return nil
}

// RegisterLongLived makes the persisted long-lived jobs of kind match
// declared. Declared jobs with an equal record are left alone, new ones are
// persisted and enqueued, and records no longer declared are retired along
// with their timers.
func (s *Scheduler) RegisterLongLived(ctx context.Context, kind string, declared []models.SchedulableJob) error {
	for _, job := range declared {
		if err := job.Interval.Validate(); err != nil {
			return fmt.Errorf("invalid long-lived %s job: %w", kind, err)
		}
	}
	existing, err := s.jobs.Where(ctx, "kind", kind)
	if err != nil {
		return fmt.Errorf("failed to load %s jobs: %w", kind, err)
	}

	matched := make([]bool, len(declared))
	for _, item := range existing {
		if item.Value.IsCancelable {
			continue
		}
		if i := matchDeclared(declared, matched, item.Value.Job); i >= 0 {
			matched[i] = true
			continue
		}
		if err := s.retire(ctx, item.ID); err != nil {
			return fmt.Errorf("failed to retire long-lived %s job: %w", kind, err)
		}
		slog.Info("Scheduler.RegisterLongLived: retired job no longer declared", "id", item.ID, "kind", kind)
	}

	for i, job := range declared {
		if matched[i] {
			slog.Debug("Scheduler.RegisterLongLived: job already registered", "kind", kind)
			continue
		}
		rec := models.ScheduledJob{Kind: kind, IsCancelable: false, Job: job, CreatedAt: s.now().UTC()}
		item, err := s.jobs.Save(ctx, "", rec)
		if err != nil {
			return fmt.Errorf("failed to save long-lived %s job: %w", kind, err)
		}
		rec.ID = item.ID
		s.enqueue(rec, false)
		slog.Info("Scheduler.RegisterLongLived: job registered", "id", rec.ID, "kind", kind, "interval", job.Interval.Kind)
	}
	return nil
}

// matchDeclared returns the first unmatched declared job equal to job, or -1.
func matchDeclared(declared []models.SchedulableJob, matched []bool, job models.SchedulableJob) int {
	for i, d := range declared {
		if !matched[i] && d.Equal(job) {
			return i
		}
	}
	return -1
}

// retire stops a job's timer, keeps a running execution from re-arming it
// and deletes its record.
func (s *Scheduler) retire(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	if _, running := s.running[id]; running {
		s.cancelled[id] = struct{}{}
	}
	s.mu.Unlock()
	if ok {
		_ = s.timer.Cancel(p.TimerID)
	}
	return s.jobs.Delete(ctx, id)
}

// Schedule persists job as a cancelable job of kind and enqueues it. When
// saving fails the job still runs from memory and the error is only logged.
func (s *Scheduler) Schedule(ctx context.Context, job models.SchedulableJob, kind string) (models.ScheduledJob, error) {
	s.mu.Lock()
	_, ok := s.executors[kind]
	s.mu.Unlock()
	if !ok {
		return models.ScheduledJob{}, fmt.Errorf("%w: %s", ErrNoJobExecutor, kind)
	}
	if err := job.Interval.Validate(); err != nil {
		return models.ScheduledJob{}, err
	}

	rec := models.ScheduledJob{Kind: kind, IsCancelable: true, Job: job, CreatedAt: s.now().UTC()}
	item, err := s.jobs.Save(ctx, "", rec)
	if err != nil {
		rec.ID = volatilePrefix + uuid.NewString()
		slog.Error("Scheduler.Schedule: failed to persist job, running from memory", "id", rec.ID, "kind", kind, "error", err)
	} else {
		rec.ID = item.ID
	}
	s.enqueue(rec, false)
	slog.Debug("Scheduler.Schedule: job scheduled", "id", rec.ID, "kind", kind)
	return rec, nil
}

// Cancel stops and deletes a cancelable job.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	cancelable, running := s.running[id]
	if (ok && !p.Job.IsCancelable) || (running && !cancelable) {
		s.mu.Unlock()
		return ErrNotCancelable
	}
	delete(s.pending, id)
	if running {
		// The execution in progress finishes but does not re-arm the job.
		s.cancelled[id] = struct{}{}
	}
	s.mu.Unlock()

	if ok {
		_ = s.timer.Cancel(p.TimerID)
	}
	known := ok || running
	if isVolatile(id) {
		if !known {
			return ErrJobNotFound
		}
		return nil
	}
	item, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		if known {
			return nil
		}
		return ErrJobNotFound
	}
	if !item.Value.IsCancelable {
		return ErrNotCancelable
	}
	return s.jobs.Delete(ctx, id)
}

// Pending lists the jobs waiting to fire, soonest first.
func (s *Scheduler) Pending() []PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingJob, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Timers lists the underlying timers.
func (s *Scheduler) Timers() []models.TimerInfo {
	return s.timer.ListActive()
}

// Stop cancels all pending timers and waits for running executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.pending = make(map[string]PendingJob)
	s.mu.Unlock()
	s.timer.Stop()
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// enqueue arms a timer for job. afterFire selects the post-fire delay rule.
func (s *Scheduler) enqueue(job models.ScheduledJob, afterFire bool) {
	now := s.now()
	due, err := nextFire(job.Job.Interval, now, afterFire)
	if err != nil {
		slog.Error("Scheduler.enqueue: cannot compute delay, job dropped", "id", job.ID, "kind", job.Kind, "error", err)
		return
	}
	s.enqueueAfter(job, due.Sub(now))
}

func (s *Scheduler) enqueueAfter(job models.ScheduledJob, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, cancelled := s.cancelled[job.ID]; cancelled {
		slog.Debug("Scheduler.enqueue: job cancelled, not re-armed", "id", job.ID, "kind", job.Kind)
		return
	}
	desc := fmt.Sprintf("%s job %s (%s)", job.Kind, job.ID, job.Job.Interval.Kind)
	timerID, err := s.timer.ScheduleAfter(delay, desc, func() { s.fire(job.ID) })
	if err != nil {
		slog.Error("Scheduler.enqueue: timer rejected job", "id", job.ID, "error", err)
		return
	}
	s.pending[job.ID] = PendingJob{Job: job, DueAt: s.now().Add(delay), TimerID: timerID}
	slog.Debug("Scheduler.enqueue: job armed", "id", job.ID, "kind", job.Kind, "delay", delay)
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.running[id] = p.Job.IsCancelable
	exec := s.executors[p.Job.Kind]
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		delete(s.cancelled, id)
		s.mu.Unlock()
	}()

	job := p.Job
	if exec == nil {
		slog.Error("Scheduler.fire: no executor for job kind", "id", id, "kind", job.Kind)
		return
	}

	// Executions are not cancelled by Stop; a fired job runs to completion.
	ctx := context.Background()
	slog.Debug("Scheduler.fire: executing job", "id", id, "kind", job.Kind, "attempt", job.Attempts)
	out, err := exec.ExecuteJob(ctx, job.Job.Message)
	if err == nil && out.Status != models.JobCompletedStatus && out.Status != models.JobSucceededStatus {
		err = fmt.Errorf("unknown job output status %q", out.Status)
	}
	if err != nil {
		s.handleFailure(ctx, job, err)
		return
	}

	for _, o := range out.Outputs {
		s.sink.Deliver(o)
	}
	if s.isCancelled(id) {
		slog.Debug("Scheduler.fire: job cancelled during execution", "id", id, "kind", job.Kind)
		return
	}
	if job.Attempts > 0 {
		job.Attempts = 0
		job.LastError = ""
		s.persist(ctx, job)
	}

	switch out.Status {
	case models.JobCompletedStatus:
		if !job.IsCancelable {
			slog.Warn("Scheduler.fire: long-lived job reported completed, keeping record", "id", id, "kind", job.Kind)
			return
		}
		if isVolatile(id) {
			return
		}
		if err := s.jobs.Delete(ctx, id); err != nil {
			slog.Error("Scheduler.fire: failed to delete completed job", "id", id, "error", err)
			return
		}
		slog.Debug("Scheduler.fire: completed job deleted", "id", id, "kind", job.Kind)
	case models.JobSucceededStatus:
		s.enqueue(job, true)
	}
}

// handleFailure retries with exponential backoff. Once the attempts are used
// up a cancelable job is dead-lettered and a long-lived job resumes its
// normal interval.
func (s *Scheduler) handleFailure(ctx context.Context, job models.ScheduledJob, cause error) {
	slog.Error("Scheduler.fire: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempts, "error", cause)
	if s.retry.MaxAttempts <= 0 || s.isCancelled(job.ID) {
		return
	}

	job.LastError = cause.Error()
	if job.Attempts < s.retry.MaxAttempts {
		backoff := s.retry.Backoff(job.Attempts)
		job.Attempts++
		s.persist(ctx, job)
		slog.Info("Scheduler.fire: retrying job", "id", job.ID, "attempt", job.Attempts, "backoff", backoff)
		s.enqueueAfter(job, backoff)
		return
	}

	if job.IsCancelable {
		job.DeadLetter = true
		s.persist(ctx, job)
		slog.Warn("Scheduler.fire: job dead-lettered", "id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		return
	}
	job.Attempts = 0
	s.persist(ctx, job)
	slog.Warn("Scheduler.fire: retries exhausted, resuming interval", "id", job.ID, "kind", job.Kind)
	s.enqueue(job, true)
}

func (s *Scheduler) persist(ctx context.Context, job models.ScheduledJob) {
	if isVolatile(job.ID) || s.isCancelled(job.ID) {
		return
	}
	if _, err := s.jobs.Save(ctx, job.ID, job); err != nil {
		slog.Error("Scheduler.persist: failed to update job", "id", job.ID, "error", err)
	}
}

func (s *Scheduler) isCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[id]
	return ok
}

func isVolatile(id string) bool {
	return strings.HasPrefix(id, volatilePrefix)
}
