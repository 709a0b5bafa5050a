package senders

import (
	"context"
	"time"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

// EmailSender delivers incident notices through an email gateway.
type EmailSender struct {
	provider *providerClient
}

func NewEmailSender(url, token string, timeout time.Duration) *EmailSender {
	return &EmailSender{provider: newProviderClient(url, token, timeout)}
}

func (s *EmailSender) Channel() string { return db.ChannelEmail }

type emailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *EmailSender) Send(ctx context.Context, contact string, payload db.Payload) (db.SendResult, error) {
	if contact == "" {
		return db.SendResult{}, services.NewEngineError(services.CodeInvalidContact, "empty email address")
	}
	return s.provider.post(ctx, db.ChannelEmail, emailRequest{
		To:      contact,
		Subject: payload.Subject,
		Body:    payload.Body,
	})
}
