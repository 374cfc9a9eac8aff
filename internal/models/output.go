package models

// OutputKind distinguishes the renderable outputs.
type OutputKind string

const (
	// OutputKindText is a plain text message.
	OutputKindText OutputKind = "text"
	// OutputKindConfirmation is a message with a yes/no interactive question.
	OutputKindConfirmation OutputKind = "confirmation"
)

// Default values carried by the buttons of a confirmation question.
const (
	ConfirmValue = "yes"
	DismissValue = "no"
)

// ConfirmationQuestion is an interactive yes/no question.
type ConfirmationQuestion struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	ConfirmLabel string `json:"confirm_label,omitempty"`
	DismissLabel string `json:"dismiss_label,omitempty"`
}

// Output is something a conversation or a job wants shown to users.
type Output struct {
	Kind     OutputKind            `json:"kind"`
	Text     string                `json:"text"`
	Question *ConfirmationQuestion `json:"question,omitempty"`
}

// TextOutput returns a plain text output.
func TextOutput(text string) *Output {
	return &Output{Kind: OutputKindText, Text: text}
}

// ConfirmationOutput returns a message followed by a yes/no question.
func ConfirmationOutput(message string, question ConfirmationQuestion) *Output {
	if question.ConfirmLabel == "" {
		question.ConfirmLabel = "Yes"
	}
	if question.DismissLabel == "" {
		question.DismissLabel = "No"
	}
	return &Output{Kind: OutputKindConfirmation, Text: message, Question: &question}
}

// PlainText flattens the output for transports without interactive elements.
func (o Output) PlainText() string {
	if o.Kind != OutputKindConfirmation || o.Question == nil {
		return o.Text
	}
	text := o.Text
	if o.Question.Text != "" {
		if text != "" {
			text += "\n"
		}
		text += o.Question.Text
	}
	return text + " (" + ConfirmValue + "/" + DismissValue + ")"
}

// ChannelOutput is an output addressed to a channel, optionally carrying
// response transforms to register for the recipients' next replies.
type ChannelOutput struct {
	Output     Output                         `json:"output"`
	Channel    ChannelID                      `json:"channel"`
	Transforms map[UserID][]ResponseTransform `json:"transforms,omitempty"`
}
