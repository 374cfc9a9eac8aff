// Package ask answers "ask <question>" messages with a generated reply.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// Name is the behavior name.
const Name = "ask"

const (
	prefix          = "ask "
	nevermindPhrase = "nevermind"
)

// ErrNoGenerator is reported when no text generator is configured.
var ErrNoGenerator = errors.New("text generation is not configured")

// Phase is the step of an ask conversation.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseAnswered  Phase = "answered"
	PhaseAbandoned Phase = "abandoned"
)

// State is the state of an ask conversation.
type State struct {
	Phase    Phase
	Question string
}

func (s State) IsFinal() bool { return s.Phase != PhaseWaiting }

// Question is the effect asking the generator for an answer.
type Question struct {
	Text string
}

// Behavior answers questions through a genai.Generator.
type Behavior struct {
	systemPrompt string
}

var _ behavior.Behavior = (*Behavior)(nil)

// New returns the ask behavior using systemPrompt for every question.
func New(systemPrompt string) *Behavior {
	return &Behavior{systemPrompt: systemPrompt}
}

func (b *Behavior) Name() string { return Name }

func (b *Behavior) CancellationDescription() string { return "your question" }

func (b *Behavior) Create(msg models.Message) *behavior.TransitionOutput {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(strings.ToLower(text), prefix) {
		return nil
	}
	q := strings.TrimSpace(text[len(prefix):])
	if q == "" {
		return nil
	}
	return &behavior.TransitionOutput{
		State:  State{Phase: PhaseWaiting, Question: q},
		Output: models.TextOutput("Let me think about that..."),
		Effect: Question{Text: q},
	}
}

func (b *Behavior) Update(state behavior.State, ev behavior.Event) behavior.TransitionOutput {
	s, ok := state.(State)
	if !ok || s.IsFinal() {
		return behavior.Stay(state)
	}

	switch ev.Kind {
	case behavior.EventEffectResult:
		if !ev.Result.OK() {
			return behavior.Reply(State{Phase: PhaseAnswered, Question: s.Question},
				models.TextOutput(fmt.Sprintf("Sorry, I couldn't answer that: %v", ev.Result.Err)))
		}
		answer, _ := ev.Result.Response.(string)
		return behavior.Reply(State{Phase: PhaseAnswered, Question: s.Question}, models.TextOutput(answer))

	case behavior.EventMessage:
		if ev.Message.NormalizedText() == nevermindPhrase {
			return behavior.TransitionOutput{
				State:  State{Phase: PhaseAbandoned, Question: s.Question},
				Output: models.TextOutput("Okay, never mind."),
				Effect: behavior.CancelAllRunningEffects{},
			}
		}
		return behavior.Reply(s, models.TextOutput("Still thinking about \""+s.Question+"\". Say nevermind to stop."))
	}
	return behavior.Stay(s)
}

func (b *Behavior) NewEffectPerformer(deps behavior.Dependencies) behavior.EffectPerformer {
	gen := deps.GenAI
	return behavior.PerformerFunc(func(ctx context.Context, effect behavior.Effect, channel models.ChannelID) behavior.EffectOutcome {
		q, ok := effect.(Question)
		if !ok {
			return behavior.EffectOutcome{Result: behavior.Failed(fmt.Errorf("unexpected effect %T", effect))}
		}
		if gen == nil {
			return behavior.EffectOutcome{Result: behavior.Failed(ErrNoGenerator)}
		}
		answer, err := gen.GeneratePromptWithContext(ctx, b.systemPrompt, q.Text)
		if err != nil {
			slog.Warn("Ask.Perform: generation failed", "error", err, "channel", channel)
			return behavior.EffectOutcome{Result: behavior.Failed(err)}
		}
		return behavior.EffectOutcome{Result: behavior.Succeeded(answer)}
	})
}
