package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/testutil"
)

const waitTimeout = 2 * time.Second

// step is a generic test state: a name plus a counter.
type step struct {
	Name  string
	Count int
	Final bool
}

func (s step) IsFinal() bool { return s.Final }

// testBehavior is configured per test through function fields.
type testBehavior struct {
	name      string
	cancelled string
	create    func(models.Message) *behavior.TransitionOutput
	update    func(behavior.State, behavior.Event) behavior.TransitionOutput
	performer behavior.EffectPerformer

	jobs     []models.SchedulableJob
	executor behavior.JobExecutor
}

func (b *testBehavior) Name() string                    { return b.name }
func (b *testBehavior) CancellationDescription() string { return b.cancelled }

func (b *testBehavior) Create(msg models.Message) *behavior.TransitionOutput {
	if b.create == nil {
		return nil
	}
	return b.create(msg)
}

func (b *testBehavior) Update(state behavior.State, ev behavior.Event) behavior.TransitionOutput {
	if b.update == nil {
		return behavior.Stay(state)
	}
	return b.update(state, ev)
}

func (b *testBehavior) NewEffectPerformer(behavior.Dependencies) behavior.EffectPerformer {
	if b.performer == nil {
		return behavior.PerformerFunc(func(ctx context.Context, e behavior.Effect, ch models.ChannelID) behavior.EffectOutcome {
			return behavior.EffectOutcome{Result: behavior.Succeeded(e)}
		})
	}
	return b.performer
}

// jobBehavior adds job support to a testBehavior.
type jobBehavior struct{ *testBehavior }

func (b jobBehavior) SchedulableJobs() []models.SchedulableJob { return b.jobs }
func (b jobBehavior) NewJobExecutor(behavior.Dependencies) behavior.JobExecutor {
	return b.executor
}

// matchText starts a conversation on an exact text with the given reply.
func matchText(text, reply string) func(models.Message) *behavior.TransitionOutput {
	return func(m models.Message) *behavior.TransitionOutput {
		if m.NormalizedText() != text {
			return nil
		}
		t := behavior.Reply(step{Name: "S0"}, models.TextOutput(reply))
		return &t
	}
}

// echoUntil echoes messages and finishes on the given text.
func echoUntil(final string) func(behavior.State, behavior.Event) behavior.TransitionOutput {
	return func(state behavior.State, ev behavior.Event) behavior.TransitionOutput {
		s := state.(step)
		if ev.Kind != behavior.EventMessage {
			return behavior.Stay(s)
		}
		s.Count++
		if ev.Message.NormalizedText() == final {
			s.Final = true
			return behavior.Reply(s, models.TextOutput("bye"))
		}
		return behavior.Reply(s, models.TextOutput("echo "+ev.Message.Text))
	}
}

// manualPerformer hands out one result channel per effect for the test to fill.
type manualPerformer struct {
	mu      sync.Mutex
	pending []chan behavior.EffectOutcome
	ctxs    []context.Context
	effects []behavior.Effect
	started chan struct{}
}

func newManualPerformer() *manualPerformer {
	return &manualPerformer{started: make(chan struct{}, 16)}
}

func (p *manualPerformer) Perform(ctx context.Context, effect behavior.Effect, ch models.ChannelID) <-chan behavior.EffectOutcome {
	out := make(chan behavior.EffectOutcome, 1)
	p.mu.Lock()
	p.pending = append(p.pending, out)
	p.ctxs = append(p.ctxs, ctx)
	p.effects = append(p.effects, effect)
	p.mu.Unlock()
	p.started <- struct{}{}
	return out
}

func (p *manualPerformer) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(waitTimeout):
		t.Fatal("effect was not started")
	}
}

func (p *manualPerformer) complete(i int, outcome behavior.EffectOutcome) {
	p.mu.Lock()
	ch := p.pending[i]
	p.mu.Unlock()
	ch <- outcome
	close(ch)
}

func (p *manualPerformer) ctx(i int) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctxs[i]
}

// recordingSink records jobs handed to it.
type recordingSink struct {
	mu    sync.Mutex
	jobs  []models.SchedulableJob
	kinds []string
	err   error
}

func (s *recordingSink) Schedule(ctx context.Context, job models.SchedulableJob, kind string) (models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.ScheduledJob{}, s.err
	}
	s.jobs = append(s.jobs, job)
	s.kinds = append(s.kinds, kind)
	return models.ScheduledJob{ID: "job-1", Kind: kind, IsCancelable: true, Job: job}, nil
}

func (s *recordingSink) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

// funcExecutor adapts a function to behavior.JobExecutor.
type funcExecutor func(ctx context.Context, msg json.RawMessage) (models.BehaviorJobOutput, error)

func (f funcExecutor) ExecuteJob(ctx context.Context, msg json.RawMessage) (models.BehaviorJobOutput, error) {
	return f(ctx, msg)
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *testutil.RecordingRenderer) {
	t.Helper()
	rec := testutil.NewRecordingRenderer()
	d := New(rec, opts...)
	t.Cleanup(d.Stop)
	return d, rec
}

func register(t *testing.T, d *Dispatcher, b behavior.Behavior) {
	t.Helper()
	if err := d.Register(context.Background(), b); err != nil {
		t.Fatalf("Register(%s) failed: %v", b.Name(), err)
	}
}

func send(t *testing.T, d *Dispatcher, channel models.ChannelID, text string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return d.Handle(ctx, models.MessageInput(models.NewMessage(channel, "U1", text)))
}

func lastText(rec *testutil.RecordingRenderer, channel models.ChannelID) string {
	texts := rec.Texts(channel)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
