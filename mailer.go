package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
)

type MailMessage struct {
	From    string
	To      []string
	Subject string
	HTML    string
	Text    string
}

type MailSendResult struct {
	ProviderMessageID string
}

// MailProvider sends mail through a specific backend.
type MailProvider interface {
	Name() string
	Send(msg MailMessage) (MailSendResult, error)
}

// Mailer fills in the default sender and hands the message to its provider.
type Mailer struct {
	provider    MailProvider
	fromAddress string
}

func NewMailer(provider MailProvider, fromAddress string) *Mailer {
	return &Mailer{
		provider:    provider,
		fromAddress: fromAddress,
	}
}

func (m *Mailer) Send(msg MailMessage) (MailSendResult, error) {
	if msg.From == "" {
		msg.From = m.fromAddress
	}
	return m.provider.Send(msg)
}

// ResendProvider sends through the Resend API.
type ResendProvider struct {
	client *resend.Client
}

func NewResendProvider(apiKey string) *ResendProvider {
	return &ResendProvider{
		client: resend.NewClient(apiKey),
	}
}

func (r *ResendProvider) Name() string {
	return "resend"
}

func (r *ResendProvider) Send(msg MailMessage) (MailSendResult, error) {
	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	if msg.Text != "" {
		params.Text = msg.Text
	}

	sent, err := r.client.Emails.Send(params)
	if err != nil {
		return MailSendResult{}, fmt.Errorf("resend send failed: %w", err)
	}

	return MailSendResult{ProviderMessageID: sent.Id}, nil
}

// LogProvider logs mail instead of sending it, used when no Resend API key is
// configured.
type LogProvider struct {
	Logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{Logger: logger}
}

func (l *LogProvider) Name() string {
	return "log"
}

func (l *LogProvider) Send(msg MailMessage) (MailSendResult, error) {
	l.Logger.Info("email logged, not sent",
		"from", msg.From,
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
		"html_length", len(msg.HTML),
	)
	return MailSendResult{ProviderMessageID: "log-" + uuid.NewString()}, nil
}
