package messaging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChannelFlow/internal/whatsapp"
)

func next(t *testing.T, s Service) models.Input {
	t.Helper()
	select {
	case in, ok := <-s.Inputs():
		if !ok {
			t.Fatal("input feed closed")
		}
		return in
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for input")
	}
	return models.Input{}
}

var question = *models.ConfirmationOutput("Ready?", models.ConfirmationQuestion{ID: "q1", Text: "Start now?"})

func TestConsoleService(t *testing.T) {
	var out bytes.Buffer
	s := NewConsoleService(strings.NewReader("yes\n\n  hello there \n"), &out)
	s.Render(question, DefaultConsoleChannel)
	s.Render(*models.TextOutput("elsewhere"), "ops")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := next(t, s)
	if first.Kind != models.InputKindInteractiveAnswer || first.Answer.Value != models.ConfirmValue {
		t.Errorf("expected a yes answer, got %+v", first)
	}
	second := next(t, s)
	if second.Kind != models.InputKindMessage || second.Message.Text != "hello there" || second.Message.SenderID != DefaultConsoleUser {
		t.Errorf("unexpected message %+v", second)
	}
	if _, ok := <-s.Inputs(); ok {
		t.Error("feed should close at end of input")
	}

	printed := out.String()
	if !strings.Contains(printed, "bot> Ready?\nStart now? (yes/no)") {
		t.Errorf("confirmation not printed as text: %q", printed)
	}
	if !strings.Contains(printed, "[ops] bot> elsewhere") {
		t.Errorf("other channel not labelled: %q", printed)
	}
}

func TestYesWithoutQuestionIsAMessage(t *testing.T) {
	s := NewConsoleService(strings.NewReader("yes\n"), &bytes.Buffer{}, WithConsoleIdentity("C9", "U9"))
	s.Start(context.Background())
	in := next(t, s)
	if in.Kind != models.InputKindMessage || in.Channel() != "C9" || in.Sender() != "U9" {
		t.Errorf("expected a plain message, got %+v", in)
	}
}

func TestWhatsAppService(t *testing.T) {
	client := whatsapp.NewMockClient()
	s := NewWhatsAppService(client)
	s.Start(context.Background())
	defer s.Stop()

	client.Receive(whatsapp.IncomingMessage{From: "15551234567", Text: "hi"})
	in := next(t, s)
	if in.Kind != models.InputKindMessage || in.Channel() != "15551234567" || in.Message.Text != "hi" {
		t.Errorf("unexpected input %+v", in)
	}

	s.Render(question, "15551234567")
	sent := client.Messages()
	if len(sent) != 1 || sent[0].To != "15551234567" || !strings.HasSuffix(sent[0].Body, "(yes/no)") {
		t.Fatalf("unexpected sends %+v", sent)
	}

	client.Receive(whatsapp.IncomingMessage{From: "15551234567", Text: " No "})
	if in := next(t, s); in.Kind != models.InputKindInteractiveAnswer || in.Answer.Value != models.DismissValue {
		t.Errorf("expected a no answer, got %+v", in)
	}

	client.Receive(whatsapp.IncomingMessage{From: "15551234567", ButtonID: "yes"})
	if in := next(t, s); in.Kind != models.InputKindInteractiveAnswer || in.Answer.Value != "yes" {
		t.Errorf("expected a button answer, got %+v", in)
	}
}

func TestWhatsAppRenderFailureKeepsNoQuestion(t *testing.T) {
	client := whatsapp.NewMockClient()
	client.Err = errors.New("offline")
	s := NewWhatsAppService(client)
	s.Start(context.Background())
	s.Render(question, "1")

	client.Receive(whatsapp.IncomingMessage{From: "1", Text: "yes"})
	if in := next(t, s); in.Kind != models.InputKindMessage {
		t.Errorf("unsent question should not capture answers, got %+v", in)
	}
}

func postForm(h http.HandlerFunc, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioWebhook(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(client)

	rec := postForm(s.WebhookHandler, url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if in := next(t, s); in.Channel() != "15551234567" || in.Message.Text != "hello" {
		t.Errorf("unexpected input %+v", in)
	}

	rec = postForm(s.WebhookHandler, url.Values{"From": {"whatsapp:+15551234567"}, "ButtonPayload": {"yes"}, "Body": {"Yes"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if in := next(t, s); in.Kind != models.InputKindInteractiveAnswer || in.Answer.Value != "yes" {
		t.Errorf("expected button answer, got %+v", in)
	}

	if rec := postForm(s.WebhookHandler, url.Values{"From": {"whatsapp:+1"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}

	s.Render(*models.TextOutput("hi back"), "15551234567")
	if sent := client.Messages(); len(sent) != 1 || sent[0].Body != "hi back" {
		t.Errorf("unexpected sends %+v", sent)
	}

	s.Stop()
	if rec := postForm(s.WebhookHandler, url.Values{"From": {"whatsapp:+1"}, "Body": {"late"}}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}
