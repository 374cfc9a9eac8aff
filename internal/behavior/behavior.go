// Package behavior defines the contract every conversation behavior
// implements: a pure create/update transition model, the effects a
// transition may request, and the performers and job executors that carry
// out external work on the behavior's behalf.
package behavior

import (
	"context"
	"encoding/json"

	"github.com/BTreeMap/ChannelFlow/internal/genai"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/store"
)

// State is a behavior's conversation state. Final states end the conversation.
type State interface {
	IsFinal() bool
}

// EventKind distinguishes the inputs of Update.
type EventKind string

const (
	EventMessage           EventKind = "message"
	EventEffectResult      EventKind = "effect_result"
	EventInteractiveAnswer EventKind = "interactive_answer"
)

// Event is the input of a state transition.
type Event struct {
	Kind    EventKind
	Message *models.Message
	Result  *EffectResult
	Answer  *models.InteractiveAnswer
}

// MessageEvent wraps a message as a transition event.
func MessageEvent(m models.Message) Event {
	return Event{Kind: EventMessage, Message: &m}
}

// ResultEvent wraps an effect result as a transition event.
func ResultEvent(r EffectResult) Event {
	return Event{Kind: EventEffectResult, Result: &r}
}

// AnswerEvent wraps an interactive answer as a transition event.
func AnswerEvent(a models.InteractiveAnswer) Event {
	return Event{Kind: EventInteractiveAnswer, Answer: &a}
}

// EventFromInput converts an engine input into a transition event.
func EventFromInput(in models.Input) Event {
	if in.Kind == models.InputKindInteractiveAnswer && in.Answer != nil {
		return AnswerEvent(*in.Answer)
	}
	if in.Message != nil {
		return MessageEvent(*in.Message)
	}
	return Event{Kind: EventMessage, Message: &models.Message{}}
}

// Effect describes one unit of external work. Besides behavior-specific
// values, the engine understands CancelAllRunningEffects and StartConversation.
type Effect any

// CancelAllRunningEffects drops every in-flight effect result of the runner.
type CancelAllRunningEffects struct{}

// StartConversation sends an output to another channel without touching the
// current conversation state.
type StartConversation struct {
	Output  models.Output
	Channel models.ChannelID
}

// TransitionOutput is the sole return value of every transition.
type TransitionOutput struct {
	State  State
	Output *models.Output
	Effect Effect
}

// Stay re-emits state with no output or effect.
func Stay(state State) TransitionOutput {
	return TransitionOutput{State: state}
}

// Reply moves to state and shows output.
func Reply(state State, output *models.Output) TransitionOutput {
	return TransitionOutput{State: state, Output: output}
}

// EffectResult is the outcome of performing an effect. Err is nil on success.
type EffectResult struct {
	Response any
	Err      error
}

// Succeeded returns a successful effect result.
func Succeeded(response any) EffectResult {
	return EffectResult{Response: response}
}

// Failed returns a failed effect result.
func Failed(err error) EffectResult {
	return EffectResult{Err: err}
}

// OK reports whether the effect succeeded.
func (r EffectResult) OK() bool {
	return r.Err == nil
}

// EffectOutcome pairs an effect result with an optional job to schedule.
type EffectOutcome struct {
	Result EffectResult
	Job    *models.SchedulableJob
}

// EffectPerformer executes effects. Perform returns a channel that yields at
// most one outcome and is then closed. Cancelling ctx abandons the result.
type EffectPerformer interface {
	Perform(ctx context.Context, effect Effect, channel models.ChannelID) <-chan EffectOutcome
}

// PerformerFunc adapts a blocking function into an EffectPerformer that runs
// off the calling goroutine.
type PerformerFunc func(ctx context.Context, effect Effect, channel models.ChannelID) EffectOutcome

// Perform runs f in a goroutine and delivers its outcome unless ctx is done first.
func (f PerformerFunc) Perform(ctx context.Context, effect Effect, channel models.ChannelID) <-chan EffectOutcome {
	out := make(chan EffectOutcome, 1)
	go func() {
		defer close(out)
		outcome := f(ctx, effect, channel)
		if ctx.Err() != nil {
			return
		}
		out <- outcome
	}()
	return out
}

// Dependencies are the shared services handed to performers and executors.
type Dependencies struct {
	Repo  store.Repository
	GenAI genai.Generator
	Env   map[string]string
}

// Behavior is a reusable conversation definition.
type Behavior interface {
	// Name identifies the behavior; it is also the kind of its persisted jobs.
	Name() string

	// CancellationDescription completes "Cancelled ..." when the user cancels.
	CancellationDescription() string

	// Create decides whether msg starts a new conversation of this behavior.
	// It returns nil when the message is not recognized.
	Create(msg models.Message) *TransitionOutput

	// Update is the transition function. It must handle every (state, event) pair.
	Update(state State, event Event) TransitionOutput

	// NewEffectPerformer builds the performer for one conversation.
	NewEffectPerformer(deps Dependencies) EffectPerformer
}

// JobExecutor runs a behavior's background jobs.
type JobExecutor interface {
	ExecuteJob(ctx context.Context, message json.RawMessage) (models.BehaviorJobOutput, error)
}

// JobBehavior is implemented by behaviors that run background jobs. Jobs
// returned by SchedulableJobs are registered once as long-lived jobs.
type JobBehavior interface {
	Behavior
	SchedulableJobs() []models.SchedulableJob
	NewJobExecutor(deps Dependencies) JobExecutor
}

// InputSource is implemented by behaviors that feed their own inputs into
// the dispatcher, such as answers collected out of band.
type InputSource interface {
	Inputs() <-chan models.Input
}
