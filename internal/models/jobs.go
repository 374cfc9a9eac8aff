package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// IntervalKind distinguishes how often a job fires.
type IntervalKind string

const (
	// IntervalEvery fires after a fixed number of seconds.
	IntervalEvery IntervalKind = "every"
	// IntervalEveryDay fires once a day at a wall-clock time in a time zone.
	IntervalEveryDay IntervalKind = "every_day"
	// IntervalCron fires on a standard five-field cron expression.
	IntervalCron IntervalKind = "cron"
)

var (
	ErrInvalidWallClock = errors.New("invalid wall-clock time")
	ErrInvalidInterval  = errors.New("invalid interval")
)

// WallClock is a time of day without a date.
type WallClock struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second,omitempty"`
}

// ParseWallClock parses "HH:MM" or "HH:MM:SS".
func ParseWallClock(s string) (WallClock, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return WallClock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return WallClock{}, fmt.Errorf("%w: %q", ErrInvalidWallClock, s)
}

func (w WallClock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", w.Hour, w.Minute, w.Second)
}

// Interval describes when a job fires next.
type Interval struct {
	Kind     IntervalKind `json:"kind"`
	Seconds  int          `json:"seconds,omitempty"`
	At       *WallClock   `json:"at,omitempty"`
	TimeZone string       `json:"time_zone,omitempty"`
	Expr     string       `json:"expr,omitempty"`
}

// Every returns an interval firing every given number of seconds.
func Every(seconds int) Interval {
	return Interval{Kind: IntervalEvery, Seconds: seconds}
}

// EveryDay returns an interval firing daily at the given time in timeZone
// (an IANA name; empty means UTC).
func EveryDay(at WallClock, timeZone string) Interval {
	return Interval{Kind: IntervalEveryDay, At: &at, TimeZone: timeZone}
}

// Cron returns an interval driven by a five-field cron expression.
func Cron(expr, timeZone string) Interval {
	return Interval{Kind: IntervalCron, Expr: expr, TimeZone: timeZone}
}

// Validate checks the interval fields required by its kind.
func (i Interval) Validate() error {
	switch i.Kind {
	case IntervalEvery:
		if i.Seconds < 0 {
			return fmt.Errorf("%w: negative seconds %d", ErrInvalidInterval, i.Seconds)
		}
	case IntervalEveryDay:
		if i.At == nil {
			return fmt.Errorf("%w: every_day requires a time", ErrInvalidInterval)
		}
		if i.At.Hour < 0 || i.At.Hour > 23 || i.At.Minute < 0 || i.At.Minute > 59 || i.At.Second < 0 || i.At.Second > 59 {
			return fmt.Errorf("%w: %s", ErrInvalidWallClock, i.At)
		}
	case IntervalCron:
		if i.Expr == "" {
			return fmt.Errorf("%w: cron requires an expression", ErrInvalidInterval)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInterval, i.Kind)
	}
	return nil
}

// SchedulableJob is background work produced by a behavior: what to run
// (Message, opaque to the scheduler) and when (Interval).
type SchedulableJob struct {
	Interval Interval        `json:"interval"`
	Message  json.RawMessage `json:"message"`
}

// NewSchedulableJob marshals msg as the job message.
func NewSchedulableJob(interval Interval, msg any) (SchedulableJob, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return SchedulableJob{}, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return SchedulableJob{Interval: interval, Message: data}, nil
}

// DecodeMessage unmarshals the job message into v.
func (j SchedulableJob) DecodeMessage(v any) error {
	if err := json.Unmarshal(j.Message, v); err != nil {
		return fmt.Errorf("failed to decode job message: %w", err)
	}
	return nil
}

// Equal reports whether two jobs have the same interval and message.
func (j SchedulableJob) Equal(other SchedulableJob) bool {
	a, errA := json.Marshal(j.Interval)
	b, errB := json.Marshal(other.Interval)
	if errA != nil || errB != nil || !bytes.Equal(a, b) {
		return false
	}
	var ma, mb bytes.Buffer
	if json.Compact(&ma, j.Message) != nil || json.Compact(&mb, other.Message) != nil {
		return bytes.Equal(j.Message, other.Message)
	}
	return bytes.Equal(ma.Bytes(), mb.Bytes())
}

// ScheduledJob is the persisted wrapper of a SchedulableJob. Long-lived jobs
// (IsCancelable false) are declared by behaviors and never deleted;
// cancelable jobs are created by conversations and deleted once completed.
type ScheduledJob struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	IsCancelable bool           `json:"is_cancelable"`
	Job          SchedulableJob `json:"job"`
	Attempts     int            `json:"attempts,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	DeadLetter   bool           `json:"dead_letter,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// JobOutputStatus tells the scheduler what to do after a job ran.
type JobOutputStatus string

const (
	// JobCompletedStatus retires the job.
	JobCompletedStatus JobOutputStatus = "completed"
	// JobSucceededStatus re-enqueues the job for its next interval.
	JobSucceededStatus JobOutputStatus = "success"
)

// BehaviorJobOutput is the result of executing a job.
type BehaviorJobOutput struct {
	Status  JobOutputStatus `json:"status"`
	Outputs []ChannelOutput `json:"outputs,omitempty"`
}

// JobCompleted reports a finished job with outputs to render.
func JobCompleted(outputs ...ChannelOutput) BehaviorJobOutput {
	return BehaviorJobOutput{Status: JobCompletedStatus, Outputs: outputs}
}

// JobSucceeded reports a recurring job run with outputs to render.
func JobSucceeded(outputs ...ChannelOutput) BehaviorJobOutput {
	return BehaviorJobOutput{Status: JobSucceededStatus, Outputs: outputs}
}
