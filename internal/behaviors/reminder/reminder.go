// Package reminder sets one-off reminders: "remind me" asks what and when,
// then schedules a cancelable job that posts the reminder once.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/models"
)

// Name is the behavior name and the kind of its jobs.
const Name = "reminder"

const trigger = "remind me"

// Phase is the step of a reminder conversation.
type Phase string

const (
	PhaseAskingWhat Phase = "asking_what"
	PhaseAskingWhen Phase = "asking_when"
	PhaseScheduling Phase = "scheduling"
	PhaseDone       Phase = "done"
)

// State is the state of a reminder conversation.
type State struct {
	Phase   Phase
	What    string
	Minutes int
}

func (s State) IsFinal() bool { return s.Phase == PhaseDone }

// Schedule is the effect creating the reminder job.
type Schedule struct {
	What    string
	Minutes int
}

// Job is the persisted message of a reminder job.
type Job struct {
	Channel models.ChannelID `json:"channel"`
	Text    string           `json:"text"`
}

// Behavior implements behavior.JobBehavior.
type Behavior struct {
	maxMinutes int
}

var _ behavior.JobBehavior = (*Behavior)(nil)

// New returns the reminder behavior accepting delays up to maxMinutes.
func New(maxMinutes int) *Behavior {
	if maxMinutes <= 0 {
		maxMinutes = 7 * 24 * 60
	}
	return &Behavior{maxMinutes: maxMinutes}
}

func (b *Behavior) Name() string { return Name }

func (b *Behavior) CancellationDescription() string { return "the reminder" }

func (b *Behavior) Create(msg models.Message) *behavior.TransitionOutput {
	raw := strings.TrimSpace(msg.Text)
	if len(raw) < len(trigger) || !strings.EqualFold(raw[:len(trigger)], trigger) {
		return nil
	}
	// "remind me to water the plants" skips the first question.
	rest := strings.TrimSpace(raw[len(trigger):])
	if what, ok := strings.CutPrefix(rest, "to "); ok && strings.TrimSpace(what) != "" {
		out := askWhen(strings.TrimSpace(what))
		return &out
	}
	if rest != "" {
		return nil
	}
	return &behavior.TransitionOutput{
		State:  State{Phase: PhaseAskingWhat},
		Output: models.TextOutput("What should I remind you about?"),
	}
}

func askWhen(what string) behavior.TransitionOutput {
	return behavior.Reply(State{Phase: PhaseAskingWhen, What: what}, models.TextOutput("In how many minutes?"))
}

func (b *Behavior) Update(state behavior.State, ev behavior.Event) behavior.TransitionOutput {
	s, ok := state.(State)
	if !ok || s.IsFinal() {
		return behavior.Stay(state)
	}

	switch s.Phase {
	case PhaseAskingWhat:
		if ev.Kind != behavior.EventMessage || strings.TrimSpace(ev.Message.Text) == "" {
			return behavior.Stay(s)
		}
		return askWhen(strings.TrimSpace(ev.Message.Text))

	case PhaseAskingWhen:
		if ev.Kind != behavior.EventMessage {
			return behavior.Stay(s)
		}
		minutes, err := strconv.Atoi(ev.Message.NormalizedText())
		if err != nil || minutes < 1 || minutes > b.maxMinutes {
			return behavior.Reply(s, models.TextOutput(fmt.Sprintf("Please send a number of minutes between 1 and %d.", b.maxMinutes)))
		}
		return behavior.TransitionOutput{
			State:  State{Phase: PhaseScheduling, What: s.What, Minutes: minutes},
			Effect: Schedule{What: s.What, Minutes: minutes},
		}

	case PhaseScheduling:
		if ev.Kind != behavior.EventEffectResult {
			return behavior.Reply(s, models.TextOutput("One moment, setting up your reminder."))
		}
		if !ev.Result.OK() {
			return behavior.Reply(State{Phase: PhaseDone}, models.TextOutput(fmt.Sprintf("Sorry, I couldn't set the reminder: %v", ev.Result.Err)))
		}
		return behavior.Reply(State{Phase: PhaseDone, What: s.What, Minutes: s.Minutes},
			models.TextOutput(fmt.Sprintf("Okay, I'll remind you to %s in %d minutes.", s.What, s.Minutes)))
	}
	return behavior.Stay(s)
}

func (b *Behavior) NewEffectPerformer(behavior.Dependencies) behavior.EffectPerformer {
	return behavior.PerformerFunc(func(ctx context.Context, effect behavior.Effect, channel models.ChannelID) behavior.EffectOutcome {
		sched, ok := effect.(Schedule)
		if !ok {
			return behavior.EffectOutcome{Result: behavior.Failed(fmt.Errorf("unexpected effect %T", effect))}
		}
		job, err := models.NewSchedulableJob(models.Every(sched.Minutes*60), Job{Channel: channel, Text: sched.What})
		if err != nil {
			return behavior.EffectOutcome{Result: behavior.Failed(err)}
		}
		return behavior.EffectOutcome{Result: behavior.Succeeded(sched.Minutes), Job: &job}
	})
}

// SchedulableJobs returns nil: reminders are created by conversations only.
func (b *Behavior) SchedulableJobs() []models.SchedulableJob { return nil }

func (b *Behavior) NewJobExecutor(behavior.Dependencies) behavior.JobExecutor { return executor{} }

type executor struct{}

// ExecuteJob posts the reminder and retires the job.
func (executor) ExecuteJob(ctx context.Context, message json.RawMessage) (models.BehaviorJobOutput, error) {
	var job Job
	if err := json.Unmarshal(message, &job); err != nil {
		return models.BehaviorJobOutput{}, fmt.Errorf("invalid reminder job: %w", err)
	}
	if job.Channel == "" {
		return models.BehaviorJobOutput{}, fmt.Errorf("invalid reminder job: %w", models.ErrMissingChannel)
	}
	return models.JobCompleted(models.ChannelOutput{
		Output:  *models.TextOutput("Reminder: " + job.Text),
		Channel: job.Channel,
	}), nil
}
