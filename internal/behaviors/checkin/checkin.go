// Package checkin runs a daily check-in: a long-lived job invites each
// participant, and accepting the invitation starts a short conversation
// that records a 1 to 5 score. Low scores are forwarded to an escalation
// channel.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/store"
	"github.com/BTreeMap/ChannelFlow/internal/util"
)

const (
	// Name is the behavior name and the kind of its jobs.
	Name = "checkin"
	// EntryType is the record type of saved check-in entries.
	EntryType = "checkin_entry"

	trigger    = "checkin"
	minScore   = 1
	maxScore   = 5
	confirmID  = "checkin_confirm"
	invitation = "checkin_invite"
)

var ErrNoRepository = errors.New("checkin requires a repository")

// Participant is a user invited to the daily check-in on a channel.
type Participant struct {
	User    models.UserID    `json:"user"`
	Channel models.ChannelID `json:"channel"`
}

// Options configures the behavior.
type Options struct {
	Interval          models.Interval
	Question          string
	Participants      []Participant
	EscalationChannel models.ChannelID
	LowScoreThreshold int
}

// Entry is a saved check-in score.
type Entry struct {
	Channel models.ChannelID `json:"channel"`
	User    models.UserID    `json:"user"`
	Score   int              `json:"score"`
	Date    string           `json:"date"`
}

// Phase is the step of a check-in conversation.
type Phase string

const (
	PhaseScore   Phase = "score"
	PhaseConfirm Phase = "confirm"
	PhaseSaving  Phase = "saving"
	PhaseDone    Phase = "done"
)

// State is the state of a check-in conversation.
type State struct {
	Phase Phase
	User  models.UserID
	Score int
}

func (s State) IsFinal() bool { return s.Phase == PhaseDone }

// Save is the effect persisting the score.
type Save struct {
	User  models.UserID
	Score int
}

type invite struct {
	Question     string        `json:"question"`
	Participants []Participant `json:"participants"`
}

// Behavior implements behavior.JobBehavior.
type Behavior struct {
	opts Options
	now  func() time.Time
}

var _ behavior.JobBehavior = (*Behavior)(nil)

// New returns the check-in behavior.
func New(opts Options) (*Behavior, error) {
	if err := opts.Interval.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkin interval: %w", err)
	}
	return &Behavior{opts: opts, now: time.Now}, nil
}

func (b *Behavior) Name() string { return Name }

func (b *Behavior) CancellationDescription() string { return "today's check-in" }

func (b *Behavior) Create(msg models.Message) *behavior.TransitionOutput {
	if msg.NormalizedText() != trigger {
		return nil
	}
	out := askScore(msg.SenderID)
	return &out
}

func askScore(user models.UserID) behavior.TransitionOutput {
	return behavior.Reply(State{Phase: PhaseScore, User: user},
		models.TextOutput(fmt.Sprintf("On a scale of %d to %d, how are you feeling today?", minScore, maxScore)))
}

func confirm(s State) behavior.TransitionOutput {
	return behavior.Reply(s, models.ConfirmationOutput(
		fmt.Sprintf("You rated today %d.", s.Score),
		models.ConfirmationQuestion{ID: confirmID, Text: "Save this score?"},
	))
}

// reply extracts the user's text from a message or an interactive answer.
func reply(ev behavior.Event) (string, bool) {
	switch ev.Kind {
	case behavior.EventMessage:
		return ev.Message.NormalizedText(), true
	case behavior.EventInteractiveAnswer:
		return ev.Answer.Value, true
	}
	return "", false
}

func (b *Behavior) Update(state behavior.State, ev behavior.Event) behavior.TransitionOutput {
	s, ok := state.(State)
	if !ok || s.IsFinal() {
		return behavior.Stay(state)
	}

	switch s.Phase {
	case PhaseScore:
		text, ok := reply(ev)
		if !ok {
			return behavior.Stay(s)
		}
		score, err := strconv.Atoi(text)
		if err != nil || score < minScore || score > maxScore {
			return behavior.Reply(s, models.TextOutput(fmt.Sprintf("Please answer with a number from %d to %d.", minScore, maxScore)))
		}
		return confirm(State{Phase: PhaseConfirm, User: s.User, Score: score})

	case PhaseConfirm:
		text, ok := reply(ev)
		if !ok {
			return behavior.Stay(s)
		}
		switch text {
		case models.ConfirmValue:
			return behavior.TransitionOutput{
				State:  State{Phase: PhaseSaving, User: s.User, Score: s.Score},
				Effect: Save{User: s.User, Score: s.Score},
			}
		case models.DismissValue:
			return askScore(s.User)
		}
		return confirm(s)

	case PhaseSaving:
		if ev.Kind != behavior.EventEffectResult {
			return behavior.Reply(s, models.TextOutput("Saving your check-in, one moment."))
		}
		done := State{Phase: PhaseDone, User: s.User, Score: s.Score}
		if !ev.Result.OK() {
			return behavior.Reply(done, models.TextOutput(fmt.Sprintf("Sorry, I couldn't save your check-in: %v", ev.Result.Err)))
		}
		out := behavior.Reply(done, models.TextOutput("Thanks, your check-in is saved."))
		if b.opts.EscalationChannel != "" && s.Score <= b.opts.LowScoreThreshold {
			out.Effect = behavior.StartConversation{
				Output:  *models.TextOutput(fmt.Sprintf("<@%s> reported a low check-in score of %d.", s.User, s.Score)),
				Channel: b.opts.EscalationChannel,
			}
		}
		return out
	}
	return behavior.Stay(s)
}

func (b *Behavior) NewEffectPerformer(deps behavior.Dependencies) behavior.EffectPerformer {
	return behavior.PerformerFunc(func(ctx context.Context, effect behavior.Effect, channel models.ChannelID) behavior.EffectOutcome {
		save, ok := effect.(Save)
		if !ok {
			return behavior.EffectOutcome{Result: behavior.Failed(fmt.Errorf("unexpected effect %T", effect))}
		}
		if deps.Repo == nil {
			return behavior.EffectOutcome{Result: behavior.Failed(ErrNoRepository)}
		}
		entry := Entry{Channel: channel, User: save.User, Score: save.Score, Date: b.now().UTC().Format(time.DateOnly)}
		item, err := store.NewCollection[Entry](deps.Repo, EntryType).Save(ctx, "", entry)
		if err != nil {
			return behavior.EffectOutcome{Result: behavior.Failed(err)}
		}
		return behavior.EffectOutcome{Result: behavior.Succeeded(item.ID)}
	})
}

// SchedulableJobs declares the daily invitation. Without participants
// there is nothing to schedule.
func (b *Behavior) SchedulableJobs() []models.SchedulableJob {
	if len(b.opts.Participants) == 0 {
		return nil
	}
	job, err := models.NewSchedulableJob(b.opts.Interval, invite{Question: b.opts.Question, Participants: b.opts.Participants})
	if err != nil {
		return nil
	}
	return []models.SchedulableJob{job}
}

func (b *Behavior) NewJobExecutor(behavior.Dependencies) behavior.JobExecutor { return executor{} }

type executor struct{}

// ExecuteJob invites every participant. A "yes" to the invitation is
// rewritten into the message that starts the check-in conversation.
func (executor) ExecuteJob(ctx context.Context, message json.RawMessage) (models.BehaviorJobOutput, error) {
	var inv invite
	if err := json.Unmarshal(message, &inv); err != nil {
		return models.BehaviorJobOutput{}, fmt.Errorf("invalid checkin job: %w", err)
	}
	outputs := make([]models.ChannelOutput, 0, len(inv.Participants))
	for _, p := range inv.Participants {
		outputs = append(outputs, models.ChannelOutput{
			Output:  *models.ConfirmationOutput(inv.Question, models.ConfirmationQuestion{ID: util.RandomID(invitation+"_", 8), Text: "Start now?"}),
			Channel: p.Channel,
			Transforms: map[models.UserID][]models.ResponseTransform{
				p.User: {{
					ExpectedInput:    models.AnswerInput(models.ConfirmValue, p.Channel, p.User),
					TransformedInput: models.MessageInput(models.NewMessage(p.Channel, p.User, trigger)),
				}},
			},
		})
	}
	return models.JobSucceeded(outputs...), nil
}
