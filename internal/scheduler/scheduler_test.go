package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/store"
	"github.com/BTreeMap/ChannelFlow/internal/testutil"
)

// scriptedExecutor returns results from a script, repeating the last entry.
type scriptedExecutor struct {
	mu       sync.Mutex
	calls    int
	messages []json.RawMessage
	script   []func() (models.BehaviorJobOutput, error)
}

func (e *scriptedExecutor) ExecuteJob(ctx context.Context, message json.RawMessage) (models.BehaviorJobOutput, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	e.messages = append(e.messages, message)
	e.mu.Unlock()
	if i >= len(e.script) {
		i = len(e.script) - 1
	}
	return e.script[i]()
}

func (e *scriptedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func completed(outs ...models.ChannelOutput) func() (models.BehaviorJobOutput, error) {
	return func() (models.BehaviorJobOutput, error) { return models.JobCompleted(outs...), nil }
}

func succeeded(outs ...models.ChannelOutput) func() (models.BehaviorJobOutput, error) {
	return func() (models.BehaviorJobOutput, error) { return models.JobSucceeded(outs...), nil }
}

func failing(msg string) func() (models.BehaviorJobOutput, error) {
	return func() (models.BehaviorJobOutput, error) { return models.BehaviorJobOutput{}, errors.New(msg) }
}

func newTestScheduler(t *testing.T, repo store.Repository, opts ...Option) (*Scheduler, *testutil.RecordingRenderer) {
	t.Helper()
	sink := testutil.NewRecordingRenderer()
	opts = append([]Option{WithRetryPolicy(RetryPolicy{})}, opts...)
	s := New(repo, sink, opts...)
	t.Cleanup(s.Stop)
	return s, sink
}

func mustJob(t *testing.T, iv models.Interval, msg any) models.SchedulableJob {
	t.Helper()
	job, err := models.NewSchedulableJob(iv, msg)
	if err != nil {
		t.Fatalf("NewSchedulableJob failed: %v", err)
	}
	return job
}

func recordExists(t *testing.T, repo store.Repository, id string) bool {
	t.Helper()
	rec, err := repo.Fetch(context.Background(), id)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	return rec != nil
}

func TestCompletedCancelableJobIsDeleted(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, _ := newTestScheduler(t, repo)
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){completed()}}
	if err := s.Bootstrap(ctx, "reminder", exec); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	job, err := s.Schedule(ctx, mustJob(t, models.Every(0), map[string]string{"text": "x"}), "reminder")
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !job.IsCancelable {
		t.Error("scheduled job should be cancelable")
	}

	testutil.Eventually(t, time.Second, func() bool { return !recordExists(t, repo, job.ID) }, "completed job record deleted")
	if exec.Calls() != 1 {
		t.Errorf("expected one execution, got %d", exec.Calls())
	}
	if len(s.Pending()) != 0 {
		t.Errorf("completed job should not be re-enqueued, pending=%v", s.Pending())
	}
}

func TestSucceededJobRecursAndOutputsAreDelivered(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, sink := newTestScheduler(t, repo)
	out := models.ChannelOutput{Output: *models.TextOutput("tick"), Channel: "C1"}
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){
		succeeded(out), succeeded(out), completed(out),
	}}
	if err := s.Bootstrap(ctx, "ticker", exec); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	job, err := s.Schedule(ctx, mustJob(t, models.Every(0), "tick"), "ticker")
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	sink.WaitForCount(t, 3, time.Second)
	testutil.Eventually(t, time.Second, func() bool { return !recordExists(t, repo, job.ID) }, "record deleted after completion")
	if exec.Calls() != 3 {
		t.Errorf("expected 3 executions, got %d", exec.Calls())
	}
	if texts := sink.Texts("C1"); len(texts) != 3 || texts[0] != "tick" {
		t.Errorf("unexpected outputs: %v", texts)
	}
	if string(exec.messages[0]) != `"tick"` {
		t.Errorf("executor received %s", exec.messages[0])
	}
}

func TestCompletedLongLivedJobKeepsRecord(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, _ := newTestScheduler(t, repo)
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){completed()}}
	if err := s.Bootstrap(ctx, "digest", exec); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if err := s.RegisterLongLived(ctx, "digest", []models.SchedulableJob{mustJob(t, models.Every(0), "d")}); err != nil {
		t.Fatalf("RegisterLongLived failed: %v", err)
	}

	testutil.Eventually(t, time.Second, func() bool { return exec.Calls() == 1 }, "long-lived job fired")
	time.Sleep(20 * time.Millisecond)
	if exec.Calls() != 1 {
		t.Errorf("completed long-lived job should not re-run, calls=%d", exec.Calls())
	}
	recs, _ := repo.FetchAll(ctx, JobRecordType)
	if len(recs) != 1 {
		t.Errorf("expected the long-lived record to remain, got %d", len(recs))
	}
}

func TestRegisterLongLivedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	declared := []models.SchedulableJob{mustJob(t, models.EveryDay(models.WallClock{Hour: 9}, "UTC"), map[string]string{"survey": "s1"})}

	for i := 0; i < 2; i++ {
		s, _ := newTestScheduler(t, repo)
		exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){succeeded()}}
		if err := s.Bootstrap(ctx, "checkin", exec); err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
		if err := s.RegisterLongLived(ctx, "checkin", declared); err != nil {
			t.Fatalf("RegisterLongLived failed: %v", err)
		}
		if n := len(s.Pending()); n != 1 {
			t.Errorf("run %d: expected exactly one pending job, got %d", i, n)
		}
		s.Stop()
	}

	recs, err := repo.FetchAll(ctx, JobRecordType)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected a single long-lived record after two registrations, got %d", len(recs))
	}
}

func TestRegisterLongLivedReplacesChangedDeclaration(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	register := func(declared []models.SchedulableJob) *Scheduler {
		t.Helper()
		s, _ := newTestScheduler(t, repo)
		exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){succeeded()}}
		if err := s.Bootstrap(ctx, "checkin", exec); err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
		if err := s.RegisterLongLived(ctx, "checkin", declared); err != nil {
			t.Fatalf("RegisterLongLived failed: %v", err)
		}
		return s
	}
	at := func(hour int) models.SchedulableJob {
		return mustJob(t, models.EveryDay(models.WallClock{Hour: hour}, "UTC"), map[string]string{"survey": "s1"})
	}

	register([]models.SchedulableJob{at(9)}).Stop()
	reminder, err := store.NewCollection[models.ScheduledJob](repo, JobRecordType).Save(ctx, "",
		models.ScheduledJob{Kind: "checkin", IsCancelable: true, Job: mustJob(t, models.Every(3600), "one-off")})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s := register([]models.SchedulableJob{at(10)})
	var longLived []PendingJob
	for _, p := range s.Pending() {
		if !p.Job.IsCancelable {
			longLived = append(longLived, p)
		}
	}
	if len(longLived) != 1 {
		t.Fatalf("expected one long-lived job after redeclaring, got %d", len(longLived))
	}
	if got := longLived[0].Job.Job.Interval.At.Hour; got != 10 {
		t.Errorf("expected the 10:00 job to remain, got %02d:00", got)
	}
	if !recordExists(t, repo, reminder.ID) {
		t.Error("cancelable jobs of the same kind must not be retired")
	}
	s.Stop()

	s = register(nil)
	for _, p := range s.Pending() {
		if !p.Job.IsCancelable {
			t.Errorf("long-lived job %s still pending after its declaration was removed", p.Job.ID)
		}
	}
	recs, err := repo.FetchAll(ctx, JobRecordType)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != reminder.ID {
		t.Errorf("expected only the cancelable record to remain, got %d records", len(recs))
	}
}

func TestCancelWhileExecutingStopsRecurrence(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, sink := newTestScheduler(t, repo)
	release := make(chan struct{})
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){
		func() (models.BehaviorJobOutput, error) {
			<-release
			return models.JobSucceeded(models.ChannelOutput{Output: *models.TextOutput("tick"), Channel: "C1"}), nil
		},
		succeeded(),
	}}
	if err := s.Bootstrap(ctx, "ticker", exec); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	job, err := s.Schedule(ctx, mustJob(t, models.Every(0), "tick"), "ticker")
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	testutil.Eventually(t, time.Second, func() bool { return exec.Calls() == 1 }, "job executing")
	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel during execution failed: %v", err)
	}
	close(release)

	sink.WaitForCount(t, 1, time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := exec.Calls(); n != 1 {
		t.Errorf("cancelled job ran again: %d executions", n)
	}
	if len(s.Pending()) != 0 {
		t.Errorf("cancelled job re-enqueued: %v", s.Pending())
	}
	if recordExists(t, repo, job.ID) {
		t.Error("cancelled job record should stay deleted")
	}
}

func TestBootstrapEnqueuesPersistedJobsAndSkipsDeadLetters(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	jobs := store.NewCollection[models.ScheduledJob](repo, JobRecordType)
	live, _ := jobs.Save(ctx, "", models.ScheduledJob{Kind: "reminder", IsCancelable: true, Job: mustJob(t, models.Every(3600), "a")})
	jobs.Save(ctx, "", models.ScheduledJob{Kind: "reminder", IsCancelable: true, DeadLetter: true, Job: mustJob(t, models.Every(3600), "b")})
	jobs.Save(ctx, "", models.ScheduledJob{Kind: "other", IsCancelable: true, Job: mustJob(t, models.Every(3600), "c")})

	s, _ := newTestScheduler(t, repo)
	if err := s.Bootstrap(ctx, "reminder", &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){completed()}}); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	pending := s.Pending()
	if len(pending) != 1 || pending[0].Job.ID != live.ID {
		t.Fatalf("expected only the live reminder job pending, got %+v", pending)
	}
	if d := time.Until(pending[0].DueAt); d < 59*time.Minute {
		t.Errorf("expected the job due in about an hour, got %v", d)
	}
	if len(s.Timers()) != 1 {
		t.Errorf("expected one armed timer, got %d", len(s.Timers()))
	}
}

// failingRepo fails selected operations of an in-memory store.
type failingRepo struct {
	*store.InMemoryStore
	failSave  bool
	failWhere bool
}

func (r *failingRepo) Save(ctx context.Context, rec store.Record) (store.Record, error) {
	if r.failSave {
		return rec, errors.New("disk full")
	}
	return r.InMemoryStore.Save(ctx, rec)
}

func (r *failingRepo) FetchAllWhere(ctx context.Context, recordType, field, value string) ([]store.Record, error) {
	if r.failWhere {
		return nil, errors.New("connection refused")
	}
	return r.InMemoryStore.FetchAllWhere(ctx, recordType, field, value)
}

func TestBootstrapLoadFailureIsReturned(t *testing.T) {
	s, _ := newTestScheduler(t, &failingRepo{InMemoryStore: store.NewInMemoryStore(), failWhere: true})
	err := s.Bootstrap(context.Background(), "reminder", &scriptedExecutor{})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected load error, got %v", err)
	}
}

func TestScheduleRunsFromMemoryWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	s, sink := newTestScheduler(t, &failingRepo{InMemoryStore: store.NewInMemoryStore(), failSave: true})
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){
		completed(models.ChannelOutput{Output: *models.TextOutput("done"), Channel: "C9"}),
	}}
	if err := s.Bootstrap(ctx, "reminder", exec); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	job, err := s.Schedule(ctx, mustJob(t, models.Every(0), "x"), "reminder")
	if err != nil {
		t.Fatalf("Schedule should swallow persistence errors, got %v", err)
	}
	if !isVolatile(job.ID) {
		t.Errorf("expected a volatile id, got %q", job.ID)
	}
	sink.WaitForCount(t, 1, time.Second)
}

func TestScheduleWithoutExecutor(t *testing.T) {
	s, _ := newTestScheduler(t, store.NewInMemoryStore())
	_, err := s.Schedule(context.Background(), mustJob(t, models.Every(1), "x"), "unknown")
	if !errors.Is(err, ErrNoJobExecutor) {
		t.Errorf("expected ErrNoJobExecutor, got %v", err)
	}
}

func TestFailedJobIsDroppedWithoutRetryPolicy(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, _ := newTestScheduler(t, repo)
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){failing("boom")}}
	s.Bootstrap(ctx, "reminder", exec)
	job, _ := s.Schedule(ctx, mustJob(t, models.Every(0), "x"), "reminder")

	testutil.Eventually(t, time.Second, func() bool { return exec.Calls() == 1 }, "job fired")
	time.Sleep(20 * time.Millisecond)
	if exec.Calls() != 1 {
		t.Errorf("failed job should not be retried, calls=%d", exec.Calls())
	}
	if !recordExists(t, repo, job.ID) {
		t.Error("dropped job record should remain persisted")
	}
}

func TestFailedCancelableJobIsRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, _ := newTestScheduler(t, repo, WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}))
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){failing("upstream 503")}}
	s.Bootstrap(ctx, "reminder", exec)
	job, _ := s.Schedule(ctx, mustJob(t, models.Every(0), "x"), "reminder")

	jobs := store.NewCollection[models.ScheduledJob](repo, JobRecordType)
	testutil.Eventually(t, 2*time.Second, func() bool {
		item, _ := jobs.Get(ctx, job.ID)
		return item != nil && item.Value.DeadLetter
	}, "job dead-lettered")

	if exec.Calls() != 3 {
		t.Errorf("expected initial run plus 2 retries, got %d", exec.Calls())
	}
	item, _ := jobs.Get(ctx, job.ID)
	if item.Value.LastError != "upstream 503" || item.Value.Attempts != 2 {
		t.Errorf("unexpected dead letter record: %+v", item.Value)
	}

	// Dead letters are not revived on restart.
	s2, _ := newTestScheduler(t, repo)
	s2.Bootstrap(ctx, "reminder", exec)
	if len(s2.Pending()) != 0 {
		t.Errorf("dead-lettered job was bootstrapped: %+v", s2.Pending())
	}
}

func TestRetrySuccessResetsAttempts(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, _ := newTestScheduler(t, repo, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){
		failing("flaky"), succeeded(),
	}}
	s.Bootstrap(ctx, "poll", exec)
	if err := s.RegisterLongLived(ctx, "poll", []models.SchedulableJob{mustJob(t, models.Every(3600), "p")}); err != nil {
		t.Fatalf("RegisterLongLived failed: %v", err)
	}
	pending := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending job, got %d", len(pending))
	}
	id := pending[0].Job.ID

	// Fire the hourly job now instead of waiting.
	s.mu.Lock()
	p := s.pending[id]
	s.mu.Unlock()
	s.timer.Cancel(p.TimerID)
	s.fire(id)

	testutil.Eventually(t, time.Second, func() bool { return exec.Calls() == 2 }, "retry ran")
	jobs := store.NewCollection[models.ScheduledJob](repo, JobRecordType)
	testutil.Eventually(t, time.Second, func() bool {
		item, _ := jobs.Get(ctx, id)
		return item != nil && item.Value.Attempts == 0 && item.Value.LastError == ""
	}, "attempts reset after success")
	testutil.Eventually(t, time.Second, func() bool {
		ps := s.Pending()
		return len(ps) == 1 && time.Until(ps[0].DueAt) > 59*time.Minute
	}, "job back on its hourly interval")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemoryStore()
	s, _ := newTestScheduler(t, repo)
	exec := &scriptedExecutor{script: []func() (models.BehaviorJobOutput, error){completed()}}
	s.Bootstrap(ctx, "reminder", exec)
	job, _ := s.Schedule(ctx, mustJob(t, models.Every(3600), "x"), "reminder")
	s.RegisterLongLived(ctx, "reminder", []models.SchedulableJob{mustJob(t, models.Every(3600), "ll")})

	if err := s.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if recordExists(t, repo, job.ID) {
		t.Error("cancelled job record should be deleted")
	}
	if err := s.Cancel(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	for _, p := range s.Pending() {
		if !p.Job.IsCancelable {
			if err := s.Cancel(ctx, p.Job.ID); !errors.Is(err, ErrNotCancelable) {
				t.Errorf("expected ErrNotCancelable, got %v", err)
			}
		}
	}
}

func TestSimpleTimer(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan string, 2)
	if _, err := timer.ScheduleAfter(0, "now", func() { fired <- "now" }); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	id, _ := timer.ScheduleAfter(time.Hour, "later", func() { fired <- "later" })

	select {
	case got := <-fired:
		if got != "now" {
			t.Errorf("unexpected timer fired: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("zero-delay timer did not fire")
	}

	active := timer.ListActive()
	if len(active) != 1 || active[0].ID != id || active[0].Description != "later" {
		t.Errorf("unexpected active timers: %+v", active)
	}
	timer.Cancel(id)
	if len(timer.ListActive()) != 0 {
		t.Error("cancelled timer still listed")
	}
	timer.Stop()
	if _, err := timer.ScheduleAfter(0, "x", func() {}); err == nil {
		t.Error("expected error scheduling on a stopped timer")
	}
}
