package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/twiliowhatsapp"
)

// TwilioService is a Service sending through the Twilio REST API and
// receiving through its inbound webhook.
type TwilioService struct {
	client twiliowhatsapp.Sender
	*inbox
}

var _ Service = (*TwilioService)(nil)

func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox("twilio")}
}

// Start is a no-op; inputs arrive through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

func (s *TwilioService) Stop() error {
	s.close()
	slog.Info("TwilioService.Stop: stopped")
	return nil
}

func (s *TwilioService) Render(output models.Output, channel models.ChannelID) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()
	if err := s.client.SendText(ctx, string(channel), output.PlainText()); err != nil {
		slog.Error("TwilioService.Render: send failed", "error", err, "channel", channel)
		return
	}
	s.rendered(output, channel)
}

// WebhookHandler accepts Twilio's inbound message callback. A ButtonPayload
// is delivered as an interactive answer, a Body as a message.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	from := twiliowhatsapp.Number(r.FormValue("From"))
	body := r.FormValue("Body")
	payload := r.FormValue("ButtonPayload")
	if from == "" || (body == "" && payload == "") {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	channel := models.ChannelID(from)
	sender := models.UserID(from)
	var ok bool
	if payload != "" {
		ok = s.answer(channel, sender, payload)
	} else {
		ok = s.receive(channel, sender, body)
	}
	if !ok {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
