package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestMailerAppliesDefaultFrom(t *testing.T) {
	provider := &recordingMailProvider{}
	mailer := NewMailer(provider, "noreply@example.com")

	if _, err := mailer.Send(MailMessage{To: []string{"ops@example.com"}, Subject: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(provider.sent))
	}
	if provider.sent[0].From != "noreply@example.com" {
		t.Fatalf("unexpected from: %s", provider.sent[0].From)
	}
}

func TestMailerKeepsExplicitFrom(t *testing.T) {
	provider := &recordingMailProvider{}
	mailer := NewMailer(provider, "noreply@example.com")

	if _, err := mailer.Send(MailMessage{From: "alerts@example.com", To: []string{"ops@example.com"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if provider.sent[0].From != "alerts@example.com" {
		t.Fatalf("unexpected from: %s", provider.sent[0].From)
	}
}

func TestLogProviderReturnsMessageID(t *testing.T) {
	provider := NewLogProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))

	result, err := provider.Send(MailMessage{To: []string{"ops@example.com"}, Subject: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(result.ProviderMessageID, "log-") {
		t.Fatalf("unexpected message id: %s", result.ProviderMessageID)
	}
}
