package messaging

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/whatsapp"
)

// WhatsAppService is a Service over a whatsmeow connection. Channels and
// users are both the peer's phone number.
type WhatsAppService struct {
	client whatsapp.Transport
	*inbox
}

var _ Service = (*WhatsAppService)(nil)

func NewWhatsAppService(client whatsapp.Transport) *WhatsAppService {
	return &WhatsAppService{client: client, inbox: newInbox("whatsapp")}
}

// Start subscribes to incoming messages.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.client.Subscribe(s.handleIncoming)
	slog.Info("WhatsAppService.Start: listening for messages")
	return nil
}

func (s *WhatsAppService) Stop() error {
	s.close()
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

func (s *WhatsAppService) handleIncoming(msg whatsapp.IncomingMessage) {
	channel := models.ChannelID(strings.TrimPrefix(msg.From, "+"))
	sender := models.UserID(channel)
	if msg.ButtonID != "" {
		s.answer(channel, sender, msg.ButtonID)
		return
	}
	s.receive(channel, sender, msg.Text)
}

// Render sends the output as plain text to the channel's phone number.
func (s *WhatsAppService) Render(output models.Output, channel models.ChannelID) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()
	if err := s.client.SendText(ctx, string(channel), output.PlainText()); err != nil {
		slog.Error("WhatsAppService.Render: send failed", "error", err, "channel", channel)
		return
	}
	s.rendered(output, channel)
}
