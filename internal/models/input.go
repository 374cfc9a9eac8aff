package models

import (
	"errors"
	"fmt"
)

// InputKind distinguishes the variants of Input.
type InputKind string

const (
	// InputKindMessage is a plain text message.
	InputKindMessage InputKind = "message"
	// InputKindInteractiveAnswer is a button press or similar interactive reply.
	InputKindInteractiveAnswer InputKind = "interactive_answer"
)

var (
	ErrInvalidInputKind = errors.New("invalid input kind")
	ErrMissingMessage   = errors.New("message input requires a message")
	ErrMissingAnswer    = errors.New("interactive answer input requires an answer")
	ErrMissingChannel   = errors.New("input channel cannot be empty")
)

// InteractiveAnswer is the value a user picked on an interactive output.
type InteractiveAnswer struct {
	Value    string    `json:"value"`
	Channel  ChannelID `json:"channel"`
	SenderID UserID    `json:"sender_id"`
}

// Input is a single event fed into the engine: either a message or an
// interactive answer.
type Input struct {
	Kind    InputKind          `json:"kind"`
	Message *Message           `json:"message,omitempty"`
	Answer  *InteractiveAnswer `json:"answer,omitempty"`
}

// MessageInput wraps a message as an Input.
func MessageInput(m Message) Input {
	return Input{Kind: InputKindMessage, Message: &m}
}

// AnswerInput wraps an interactive answer as an Input.
func AnswerInput(value string, channel ChannelID, sender UserID) Input {
	return Input{Kind: InputKindInteractiveAnswer, Answer: &InteractiveAnswer{Value: value, Channel: channel, SenderID: sender}}
}

// Channel returns the channel the input was received on.
func (in Input) Channel() ChannelID {
	switch in.Kind {
	case InputKindMessage:
		if in.Message != nil {
			return in.Message.Channel
		}
	case InputKindInteractiveAnswer:
		if in.Answer != nil {
			return in.Answer.Channel
		}
	}
	return ""
}

// Sender returns the user that produced the input.
func (in Input) Sender() UserID {
	switch in.Kind {
	case InputKindMessage:
		if in.Message != nil {
			return in.Message.SenderID
		}
	case InputKindInteractiveAnswer:
		if in.Answer != nil {
			return in.Answer.SenderID
		}
	}
	return ""
}

// Validate checks that the input is well formed.
func (in Input) Validate() error {
	switch in.Kind {
	case InputKindMessage:
		if in.Message == nil {
			return ErrMissingMessage
		}
	case InputKindInteractiveAnswer:
		if in.Answer == nil {
			return ErrMissingAnswer
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidInputKind, in.Kind)
	}
	if in.Channel() == "" {
		return ErrMissingChannel
	}
	return nil
}

// Matches reports whether in is value-equal to expected on the fields that
// identify a reply: kind, channel, sender and either the message text or the
// answer value.
func (in Input) Matches(expected Input) bool {
	if in.Kind != expected.Kind || in.Channel() != expected.Channel() || in.Sender() != expected.Sender() {
		return false
	}
	switch in.Kind {
	case InputKindMessage:
		return in.Message != nil && expected.Message != nil && in.Message.Text == expected.Message.Text
	case InputKindInteractiveAnswer:
		return in.Answer != nil && expected.Answer != nil && in.Answer.Value == expected.Answer.Value
	}
	return false
}

// ResponseTransform remaps the next input matching ExpectedInput into
// TransformedInput. It is consumed on first match.
type ResponseTransform struct {
	ExpectedInput    Input `json:"expected_input"`
	TransformedInput Input `json:"transformed_input"`
}
