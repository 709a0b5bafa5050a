package senders

import (
	"context"
	"time"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

// WhatsAppSender delivers through a WhatsApp Business gateway. Template
// sends carry the template name and positional parameters; free-form
// sends carry only the body. Compliance (24h window, template category)
// is decided upstream by the template gate, never here.
type WhatsAppSender struct {
	provider *providerClient
}

func NewWhatsAppSender(url, token string, timeout time.Duration) *WhatsAppSender {
	return &WhatsAppSender{provider: newProviderClient(url, token, timeout)}
}

func (s *WhatsAppSender) Channel() string { return db.ChannelWhatsApp }

type whatsAppRequest struct {
	To           string   `json:"to"`
	Body         string   `json:"body,omitempty"`
	TemplateName string   `json:"template_name,omitempty"`
	Parameters   []string `json:"parameters,omitempty"`
}

func (s *WhatsAppSender) Send(ctx context.Context, contact string, payload db.Payload) (db.SendResult, error) {
	if contact == "" {
		return db.SendResult{}, services.NewEngineError(services.CodeInvalidContact, "empty whatsapp contact")
	}

	req := whatsAppRequest{To: contact}
	if payload.TemplateName != "" {
		req.TemplateName = payload.TemplateName
		req.Parameters = payload.Parameters
	} else {
		req.Body = payload.Body
	}

	return s.provider.post(ctx, db.ChannelWhatsApp, req)
}
