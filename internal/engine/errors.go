package engine

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/scheduler"
)

var (
	// ErrAlreadyMounted is returned when a runner is mounted a second time.
	ErrAlreadyMounted = errors.New("runner already mounted")
	// ErrNotMounted is returned when a runner handles input before mount.
	ErrNotMounted = errors.New("runner not mounted")
	// ErrRunnerFinished is returned when a finished runner receives input.
	ErrRunnerFinished = errors.New("runner reached a final state")
	// ErrNoActiveBehavior is returned for an interactive answer on a channel
	// without an active conversation.
	ErrNoActiveBehavior = errors.New("no active behavior for channel")
	// ErrNoJobExecutor is returned when a job's behavior has no executor.
	ErrNoJobExecutor = scheduler.ErrNoJobExecutor
	// ErrDispatcherStopped is returned by Submit after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// ProtocolViolation reports misuse of the engine API, such as mounting a
// runner twice or answering on a channel with no conversation. It is
// returned to the caller instead of aborting the process.
type ProtocolViolation struct {
	Op      string
	Channel models.ChannelID
	Err     error
}

func (e *ProtocolViolation) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("protocol violation in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol violation in %s on channel %s: %v", e.Op, e.Channel, e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

func violation(op string, channel models.ChannelID, err error) error {
	return &ProtocolViolation{Op: op, Channel: channel, Err: err}
}

// IsProtocolViolation reports whether err is or wraps a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}
