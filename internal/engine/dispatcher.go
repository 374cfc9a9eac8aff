// Package engine routes inputs to per-channel behavior runners.
//
// The Dispatcher owns the active conversation of every channel, the ordered
// list of registered behaviors, the response transform registry and the job
// scheduler. All inputs of a channel are funneled through a single-consumer
// mailbox, so a runner never sees two inputs at once.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/scheduler"
	"github.com/BTreeMap/ChannelFlow/internal/store"
)

// DefaultCancelKeyword ends the active conversation of a channel.
const DefaultCancelKeyword = "cancel"

// Texts are the replies the dispatcher itself sends.
type Texts struct {
	NotUnderstood   string `yaml:"not_understood"`
	NothingToCancel string `yaml:"nothing_to_cancel"`
	// Cancelled is a format string receiving the behavior's cancellation description.
	Cancelled string `yaml:"cancelled"`
}

// DefaultTexts returns the built-in English replies.
func DefaultTexts() Texts {
	return Texts{
		NotUnderstood:   "Sorry, I don't understand.",
		NothingToCancel: "There is nothing to cancel.",
		Cancelled:       "Cancelled %s.",
	}
}

// UserDirectory resolves user ids mentioned in messages.
type UserDirectory interface {
	LookupUser(ctx context.Context, id models.UserID) (models.UserInfo, bool)
}

// Opts configures a Dispatcher.
type Opts struct {
	Dependencies  behavior.Dependencies
	CancelKeyword string
	Texts         Texts
	Users         UserDirectory
	Scheduler     []scheduler.Option
}

// Option is a functional option for New.
type Option func(*Opts)

// WithDependencies sets the services handed to performers and executors.
func WithDependencies(deps behavior.Dependencies) Option {
	return func(o *Opts) { o.Dependencies = deps }
}

// WithCancelKeyword overrides the cancel keyword.
func WithCancelKeyword(keyword string) Option {
	return func(o *Opts) { o.CancelKeyword = keyword }
}

// WithTexts overrides the dispatcher replies. Empty fields keep their default.
func WithTexts(t Texts) Option {
	return func(o *Opts) {
		if t.NotUnderstood != "" {
			o.Texts.NotUnderstood = t.NotUnderstood
		}
		if t.NothingToCancel != "" {
			o.Texts.NothingToCancel = t.NothingToCancel
		}
		if t.Cancelled != "" {
			o.Texts.Cancelled = t.Cancelled
		}
	}
}

// WithUserDirectory resolves message mentions into Message.Context.
func WithUserDirectory(users UserDirectory) Option {
	return func(o *Opts) { o.Users = users }
}

// WithSchedulerOptions passes options to the job scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *Opts) { o.Scheduler = append(o.Scheduler, opts...) }
}

// Dispatcher routes inputs to conversations and starts new ones.
type Dispatcher struct {
	renderer   Renderer
	deps       behavior.Dependencies
	keyword    string
	texts      Texts
	users      UserDirectory
	transforms *TransformRegistry
	scheduler  *scheduler.Scheduler
	queue      *channelQueue

	mu        sync.RWMutex
	behaviors []behavior.Behavior
	active    map[models.ChannelID]*Runner
	feeds     []<-chan models.Input
	runCtx    context.Context
	// consumers counts running feed consumers; idle is closed when it drops
	// to zero during Run.
	consumers int
	idle      chan struct{}
}

// New creates a Dispatcher rendering through renderer. Jobs are persisted in
// the dependencies' repository, or in memory when none is set.
func New(renderer Renderer, opts ...Option) *Dispatcher {
	cfg := Opts{CancelKeyword: DefaultCancelKeyword, Texts: DefaultTexts()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dependencies.Repo == nil {
		cfg.Dependencies.Repo = store.NewInMemoryStore()
	}
	d := &Dispatcher{
		renderer:   renderer,
		deps:       cfg.Dependencies,
		keyword:    strings.ToLower(strings.TrimSpace(cfg.CancelKeyword)),
		texts:      cfg.Texts,
		users:      cfg.Users,
		transforms: NewTransformRegistry(),
		queue:      newChannelQueue(),
		active:     make(map[models.ChannelID]*Runner),
	}
	d.scheduler = scheduler.New(cfg.Dependencies.Repo, d, cfg.Scheduler...)
	return d
}

// Register appends b to the behaviors tried for unmatched messages, in
// registration order. Behaviors with jobs get their persisted jobs
// bootstrapped and their declared long-lived jobs registered; a persistence
// failure here is returned since the engine cannot run without its jobs.
func (d *Dispatcher) Register(ctx context.Context, b behavior.Behavior) error {
	d.mu.Lock()
	for _, existing := range d.behaviors {
		if existing.Name() == b.Name() {
			d.mu.Unlock()
			return fmt.Errorf("behavior %q already registered", b.Name())
		}
	}
	d.behaviors = append(d.behaviors, b)
	d.mu.Unlock()

	if jb, ok := b.(behavior.JobBehavior); ok {
		if err := d.scheduler.Bootstrap(ctx, b.Name(), jb.NewJobExecutor(d.deps)); err != nil {
			return fmt.Errorf("failed to bootstrap %s jobs: %w", b.Name(), err)
		}
		if err := d.scheduler.RegisterLongLived(ctx, b.Name(), jb.SchedulableJobs()); err != nil {
			return fmt.Errorf("failed to register %s jobs: %w", b.Name(), err)
		}
	}
	if src, ok := b.(behavior.InputSource); ok {
		d.addFeed(src.Inputs())
	}
	slog.Info("Dispatcher.Register: behavior registered", "behavior", b.Name())
	return nil
}

// Submit queues in for processing on its channel and returns immediately.
// Malformed inputs are rejected with a ProtocolViolation.
func (d *Dispatcher) Submit(ctx context.Context, in models.Input) error {
	_, err := d.submit(ctx, in, nil)
	return err
}

// Handle processes in and waits until its channel has handled it.
func (d *Dispatcher) Handle(ctx context.Context, in models.Input) error {
	result := make(chan error, 1)
	if _, err := d.submit(ctx, in, result); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) submit(ctx context.Context, in models.Input, result chan<- error) (models.ChannelID, error) {
	if err := in.Validate(); err != nil {
		return "", violation("submit", in.Channel(), err)
	}
	if transformed, ok := d.transforms.Apply(in); ok {
		in = transformed
		if err := in.Validate(); err != nil {
			return "", violation("transform", in.Channel(), err)
		}
	}
	d.resolveMentions(ctx, &in)

	channel := in.Channel()
	ok := d.queue.Post(channel, func() {
		err := d.handle(ctx, in)
		if err != nil && result == nil {
			slog.Warn("Dispatcher: input dropped", "channel", channel, "error", err)
		}
		if result != nil {
			result <- err
		}
	})
	if !ok {
		return channel, ErrDispatcherStopped
	}
	return channel, nil
}

func (d *Dispatcher) resolveMentions(ctx context.Context, in *models.Input) {
	if d.users == nil || in.Message == nil || len(in.Message.Entities) == 0 {
		return
	}
	msg := *in.Message
	for _, id := range msg.MentionedUsers() {
		if _, known := msg.Context[id]; known {
			continue
		}
		info, ok := d.users.LookupUser(ctx, id)
		if !ok {
			continue
		}
		ctxCopy := make(models.MessageContext, len(msg.Context)+1)
		for k, v := range msg.Context {
			ctxCopy[k] = v
		}
		ctxCopy[id] = info
		msg.Context = ctxCopy
	}
	in.Message = &msg
}

// handle runs on the channel's consumer goroutine.
func (d *Dispatcher) handle(ctx context.Context, in models.Input) error {
	channel := in.Channel()

	if in.Kind == models.InputKindMessage && d.keyword != "" && in.Message.NormalizedText() == d.keyword {
		d.cancel(channel)
		return nil
	}

	if r := d.runnerFor(channel); r != nil {
		return r.Handle(ctx, in)
	}

	if in.Kind == models.InputKindInteractiveAnswer {
		return violation("handle", channel, ErrNoActiveBehavior)
	}

	d.mu.RLock()
	behaviors := append([]behavior.Behavior(nil), d.behaviors...)
	d.mu.RUnlock()

	for _, b := range behaviors {
		initial := b.Create(*in.Message)
		if initial == nil {
			continue
		}
		return d.start(ctx, b, *initial, channel)
	}

	slog.Debug("Dispatcher.handle: no behavior matched", "channel", channel)
	d.renderer.Render(*models.TextOutput(d.texts.NotUnderstood), channel)
	return nil
}

func (d *Dispatcher) start(ctx context.Context, b behavior.Behavior, initial behavior.TransitionOutput, channel models.ChannelID) error {
	r := NewRunner(b, initial)
	err := r.Mount(ctx, MountConfig{
		Channel:      channel,
		Dependencies: d.deps,
		Output:       d.renderer,
		Jobs:         d.scheduler,
		Post:         func(task func()) bool { return d.queue.Post(channel, task) },
		OnFinal:      func(r *Runner) { d.unregister(channel, r) },
	})
	if err != nil {
		return err
	}
	if r.Finished() {
		slog.Debug("Dispatcher.start: conversation finished immediately", "behavior", b.Name(), "channel", channel)
		return nil
	}
	d.mu.Lock()
	d.active[channel] = r
	d.mu.Unlock()
	slog.Info("Dispatcher: conversation started", "behavior", b.Name(), "channel", channel)
	return nil
}

func (d *Dispatcher) cancel(channel models.ChannelID) {
	d.mu.Lock()
	r := d.active[channel]
	delete(d.active, channel)
	d.mu.Unlock()

	if r == nil {
		d.renderer.Render(*models.TextOutput(d.texts.NothingToCancel), channel)
		return
	}
	r.Terminate()
	slog.Info("Dispatcher: conversation cancelled", "behavior", r.Behavior().Name(), "channel", channel)
	d.renderer.Render(*models.TextOutput(fmt.Sprintf(d.texts.Cancelled, r.Behavior().CancellationDescription())), channel)
}

func (d *Dispatcher) unregister(channel models.ChannelID, r *Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[channel] == r {
		delete(d.active, channel)
		slog.Info("Dispatcher: conversation finished", "behavior", r.Behavior().Name(), "channel", channel)
	}
}

func (d *Dispatcher) runnerFor(channel models.ChannelID) *Runner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active[channel]
}

// Deliver renders a job output after registering its response transforms.
func (d *Dispatcher) Deliver(out models.ChannelOutput) {
	for sender, transforms := range out.Transforms {
		d.transforms.Register(sender, transforms)
	}
	d.renderer.Render(out.Output, out.Channel)
}

// ActiveBehavior returns the name of the channel's active behavior.
func (d *Dispatcher) ActiveBehavior(channel models.ChannelID) (string, bool) {
	r := d.runnerFor(channel)
	if r == nil {
		return "", false
	}
	return r.Behavior().Name(), true
}

// Conversations lists the active conversations ordered by channel.
func (d *Dispatcher) Conversations() []models.ConversationInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.ConversationInfo, 0, len(d.active))
	for ch, r := range d.active {
		out = append(out, models.ConversationInfo{Channel: ch, Behavior: r.Behavior().Name(), StartedAt: r.StartedAt()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Scheduler returns the job scheduler.
func (d *Dispatcher) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Transforms returns the response transform registry.
func (d *Dispatcher) Transforms() *TransformRegistry { return d.transforms }

func (d *Dispatcher) addFeed(feed <-chan models.Input) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feeds = append(d.feeds, feed)
	if d.runCtx != nil && d.idle != nil {
		d.consumers++
		go d.consume(d.runCtx, feed)
	}
}

// Run submits every input of feeds and of the registered behaviors' own
// feeds until ctx is cancelled or all feeds are closed.
func (d *Dispatcher) Run(ctx context.Context, feeds ...<-chan models.Input) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	all := append(append([]<-chan models.Input(nil), d.feeds...), feeds...)
	idle := make(chan struct{})
	d.runCtx = ctx
	d.consumers += len(all)
	if d.consumers == 0 {
		close(idle)
	} else {
		d.idle = idle
	}
	for _, feed := range all {
		go d.consume(ctx, feed)
	}
	d.mu.Unlock()
	slog.Info("Dispatcher.Run: consuming inputs", "feeds", len(all))

	select {
	case <-ctx.Done():
	case <-idle:
	}

	d.mu.Lock()
	d.runCtx = nil
	d.idle = nil
	d.mu.Unlock()
	slog.Info("Dispatcher.Run: stopped consuming inputs")
	return nil
}

func (d *Dispatcher) consumerDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers--
	if d.consumers == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

func (d *Dispatcher) consume(ctx context.Context, feed <-chan models.Input) {
	defer d.consumerDone()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-feed:
			if !ok {
				return
			}
			if err := d.Submit(ctx, in); err != nil {
				slog.Warn("Dispatcher.Run: input rejected", "error", err, "channel", in.Channel())
			}
		}
	}
}

// Stop stops the scheduler, drains queued inputs and ends every conversation.
func (d *Dispatcher) Stop() {
	d.scheduler.Stop()
	d.queue.Close()
	d.mu.Lock()
	runners := make([]*Runner, 0, len(d.active))
	for _, r := range d.active {
		runners = append(runners, r)
	}
	d.active = make(map[models.ChannelID]*Runner)
	d.mu.Unlock()
	for _, r := range runners {
		r.Terminate()
	}
	slog.Info("Dispatcher stopped")
}
