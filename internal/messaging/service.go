// Package messaging connects the engine to chat transports. Each Service
// renders engine outputs as text on its platform and turns what users send
// back into engine inputs.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
)

const (
	// DefaultChannelBufferSize is the input buffer of every service.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an input waits for buffer space.
	DefaultChannelTimeout = 1 * time.Second
	// DefaultSendTimeout bounds a single outgoing send.
	DefaultSendTimeout = 30 * time.Second
)

var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a chat transport. Render satisfies engine.Renderer.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Render(output models.Output, channel models.ChannelID)
	Inputs() <-chan models.Input
}

// inbox is the buffered input feed shared by the services. Emitting after
// close is a silent drop.
type inbox struct {
	name    string
	mu      sync.RWMutex
	ch      chan models.Input
	stopped bool
	answers answerTracker
}

func newInbox(name string) *inbox {
	return &inbox{
		name:    name,
		ch:      make(chan models.Input, DefaultChannelBufferSize),
		answers: answerTracker{open: make(map[models.ChannelID]string)},
	}
}

func (b *inbox) Inputs() <-chan models.Input { return b.ch }

// receive turns a line of user text into an input and emits it.
func (b *inbox) receive(channel models.ChannelID, sender models.UserID, text string) bool {
	return b.emit(b.answers.input(channel, sender, text))
}

// answer emits a button press, which settles any open question on channel.
func (b *inbox) answer(channel models.ChannelID, sender models.UserID, value string) bool {
	b.answers.clear(channel)
	return b.emit(models.AnswerInput(value, channel, sender))
}

func (b *inbox) emit(in models.Input) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("messaging: dropping input after stop", "service", b.name, "channel", in.Channel())
		return false
	}
	select {
	case b.ch <- in:
		slog.Debug("messaging: input received", "service", b.name, "channel", in.Channel(), "kind", in.Kind)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: input buffer full, dropping input", "service", b.name, "channel", in.Channel(), "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}

// rendered notes outputs that expect an interactive answer.
func (b *inbox) rendered(output models.Output, channel models.ChannelID) {
	if output.Kind == models.OutputKindConfirmation && output.Question != nil {
		b.answers.ask(channel, output.Question.ID)
	}
}

// answerTracker remembers which channels were last shown a confirmation
// question, so a typed yes or no on a text-only transport can be delivered
// as an interactive answer.
type answerTracker struct {
	mu   sync.Mutex
	open map[models.ChannelID]string
}

func (a *answerTracker) ask(channel models.ChannelID, questionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open[channel] = questionID
}

func (a *answerTracker) clear(channel models.ChannelID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.open, channel)
}

func (a *answerTracker) input(channel models.ChannelID, sender models.UserID, text string) models.Input {
	value := strings.ToLower(strings.TrimSpace(text))
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.open[channel]; ok && (value == models.ConfirmValue || value == models.DismissValue) {
		delete(a.open, channel)
		return models.AnswerInput(value, channel, sender)
	}
	return models.MessageInput(models.NewMessage(channel, sender, text))
}
