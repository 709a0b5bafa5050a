package senders

import (
	"context"
	"time"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

// SMSSender delivers incident notices as text messages.
type SMSSender struct {
	provider *providerClient
}

func NewSMSSender(url, token string, timeout time.Duration) *SMSSender {
	return &SMSSender{provider: newProviderClient(url, token, timeout)}
}

func (s *SMSSender) Channel() string { return db.ChannelSMS }

type phoneRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *SMSSender) Send(ctx context.Context, contact string, payload db.Payload) (db.SendResult, error) {
	if contact == "" {
		return db.SendResult{}, services.NewEngineError(services.CodeInvalidContact, "empty phone number")
	}
	return s.provider.post(ctx, db.ChannelSMS, phoneRequest{To: contact, Body: payload.Body})
}

// VoiceSender places automated calls that read the notice out loud.
type VoiceSender struct {
	provider *providerClient
}

func NewVoiceSender(url, token string, timeout time.Duration) *VoiceSender {
	return &VoiceSender{provider: newProviderClient(url, token, timeout)}
}

func (s *VoiceSender) Channel() string { return db.ChannelVoice }

func (s *VoiceSender) Send(ctx context.Context, contact string, payload db.Payload) (db.SendResult, error) {
	if contact == "" {
		return db.SendResult{}, services.NewEngineError(services.CodeInvalidContact, "empty phone number")
	}
	return s.provider.post(ctx, db.ChannelVoice, phoneRequest{To: contact, Body: payload.Body})
}
