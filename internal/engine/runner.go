package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// Renderer shows an output on a channel. Rendering is fire-and-forget;
// delivery failures are the renderer's concern.
type Renderer interface {
	Render(output models.Output, channel models.ChannelID)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(output models.Output, channel models.ChannelID)

// Render calls f(output, channel).
func (f RendererFunc) Render(output models.Output, channel models.ChannelID) { f(output, channel) }

// JobSink accepts jobs produced by effects. The scheduler implements it.
type JobSink interface {
	Schedule(ctx context.Context, job models.SchedulableJob, kind string) (models.ScheduledJob, error)
}

// MountConfig carries what a runner needs once it is bound to a channel.
type MountConfig struct {
	Channel      models.ChannelID
	Dependencies behavior.Dependencies
	Output       Renderer
	Jobs         JobSink
	// Post serializes effect results with the channel's other inputs and
	// reports whether the task was accepted. When nil, results are applied on
	// the goroutine that received them.
	Post func(task func()) bool
	// OnFinal is called once when the conversation reaches a final state.
	OnFinal func(*Runner)
}

// Runner drives one mounted behavior instance bound to one channel.
// It owns the behavior's current state.
type Runner struct {
	behavior  behavior.Behavior
	initial   behavior.TransitionOutput
	startedAt time.Time

	mu         sync.Mutex
	mounted    bool
	finished   bool
	cfg        MountConfig
	state      behavior.State
	performer  behavior.EffectPerformer
	ctx        context.Context
	effects    map[uint64]context.CancelFunc
	nextEffect uint64
	done       chan struct{}
}

// NewRunner returns an unmounted runner that will apply initial on mount.
func NewRunner(b behavior.Behavior, initial behavior.TransitionOutput) *Runner {
	return &Runner{
		behavior:  b,
		initial:   initial,
		startedAt: time.Now(),
		effects:   make(map[uint64]context.CancelFunc),
		done:      make(chan struct{}),
	}
}

// Mount binds the runner to a channel and applies the initial transition.
// A runner can be mounted only once.
func (r *Runner) Mount(ctx context.Context, cfg MountConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mounted {
		return violation("mount", cfg.Channel, ErrAlreadyMounted)
	}
	if cfg.Post == nil {
		cfg.Post = func(task func()) bool {
			task()
			return true
		}
	}
	if cfg.Output == nil {
		cfg.Output = RendererFunc(func(models.Output, models.ChannelID) {})
	}
	r.mounted = true
	r.cfg = cfg
	r.ctx = context.WithoutCancel(ctx)
	r.performer = r.behavior.NewEffectPerformer(cfg.Dependencies)
	slog.Debug("Runner.Mount", "behavior", r.behavior.Name(), "channel", cfg.Channel)
	r.apply(r.initial)
	return nil
}

// Handle applies one input to the conversation.
func (r *Runner) Handle(ctx context.Context, in models.Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.mounted {
		return violation("handle", in.Channel(), ErrNotMounted)
	}
	if r.finished {
		return violation("handle", r.cfg.Channel, ErrRunnerFinished)
	}
	r.apply(r.behavior.Update(r.state, behavior.EventFromInput(in)))
	return nil
}

// apply commits a transition. Callers hold r.mu.
func (r *Runner) apply(t behavior.TransitionOutput) {
	r.state = t.State
	if t.Output != nil {
		r.cfg.Output.Render(*t.Output, r.cfg.Channel)
	}
	if t.Effect != nil {
		r.dispatch(t.Effect)
	}
	if r.state != nil && r.state.IsFinal() && !r.finished {
		r.finished = true
		close(r.done)
		slog.Debug("Runner: conversation finished", "behavior", r.behavior.Name(), "channel", r.cfg.Channel)
		if r.cfg.OnFinal != nil {
			r.cfg.OnFinal(r)
		}
	}
}

func (r *Runner) dispatch(effect behavior.Effect) {
	switch e := effect.(type) {
	case behavior.CancelAllRunningEffects, *behavior.CancelAllRunningEffects:
		r.cancelEffects()
	case behavior.StartConversation:
		r.cfg.Output.Render(e.Output, e.Channel)
	case *behavior.StartConversation:
		r.cfg.Output.Render(e.Output, e.Channel)
	default:
		r.perform(effect)
	}
}

func (r *Runner) perform(effect behavior.Effect) {
	r.nextEffect++
	id := r.nextEffect
	ctx, cancel := context.WithCancel(r.ctx)
	r.effects[id] = cancel

	results := r.performer.Perform(ctx, effect, r.cfg.Channel)
	post := r.cfg.Post
	go func() {
		select {
		case outcome, ok := <-results:
			var posted bool
			if ok {
				posted = post(func() { r.deliver(id, outcome) })
			} else {
				posted = post(func() { r.release(id) })
			}
			if !posted {
				slog.Debug("Runner: effect result not posted, releasing", "behavior", r.behavior.Name(), "channel", r.cfg.Channel)
				r.release(id)
			}
		case <-ctx.Done():
		}
	}()
}

// deliver feeds an effect outcome back into the conversation unless the
// effect was cancelled in the meantime.
func (r *Runner) deliver(id uint64, outcome behavior.EffectOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, live := r.effects[id]
	if !live {
		slog.Debug("Runner: dropping result of cancelled effect", "behavior", r.behavior.Name(), "channel", r.cfg.Channel)
		return
	}
	delete(r.effects, id)
	cancel()

	if outcome.Job != nil {
		r.scheduleJob(*outcome.Job)
	}
	if r.finished {
		return
	}
	r.apply(r.behavior.Update(r.state, behavior.ResultEvent(outcome.Result)))
}

func (r *Runner) scheduleJob(job models.SchedulableJob) {
	if r.cfg.Jobs == nil {
		slog.Error("Runner: effect produced a job but no job sink is mounted",
			"error", violation("schedule", r.cfg.Channel, ErrNoJobExecutor), "behavior", r.behavior.Name())
		return
	}
	scheduled, err := r.cfg.Jobs.Schedule(r.ctx, job, r.behavior.Name())
	if err != nil {
		slog.Error("Runner: failed to schedule job",
			"error", violation("schedule", r.cfg.Channel, err), "behavior", r.behavior.Name())
		return
	}
	slog.Debug("Runner: job scheduled", "id", scheduled.ID, "behavior", r.behavior.Name(), "channel", r.cfg.Channel)
}

func (r *Runner) release(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.effects[id]; ok {
		cancel()
		delete(r.effects, id)
	}
}

// cancelEffects disposes every pending result subscription. Callers hold r.mu.
func (r *Runner) cancelEffects() {
	for id, cancel := range r.effects {
		cancel()
		delete(r.effects, id)
	}
}

// CancelAll disposes every in-flight effect. Calling it with nothing in
// flight is a no-op.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelEffects()
}

// Terminate ends the conversation without a transition and drops its
// in-flight effects. Used when the user cancels.
func (r *Runner) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelEffects()
	if !r.finished {
		r.finished = true
		close(r.done)
	}
}

// Done is closed when the conversation is over.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Behavior returns the behavior the runner drives.
func (r *Runner) Behavior() behavior.Behavior { return r.behavior }

// StartedAt returns when the conversation was created.
func (r *Runner) StartedAt() time.Time { return r.startedAt }

// State returns the current behavior state.
func (r *Runner) State() behavior.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Finished reports whether the conversation reached a final state.
func (r *Runner) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// InFlight returns the number of effects awaiting a result.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.effects)
}
