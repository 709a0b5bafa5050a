// Package senders implements the channel-sender capability: one
// implementation per notification transport behind a single interface.
// The engine depends only on this interface; which transports run per
// escalation step is policy data, never sender logic.
package senders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

// Sender dispatches one payload to one contact over one transport.
// Implementations must bound their own latency via the context.
type Sender interface {
	Channel() string
	Send(ctx context.Context, contact string, payload db.Payload) (db.SendResult, error)
}

// Registry maps channel names to their sender.
type Registry struct {
	senders map[string]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender)}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// Get returns the sender for a channel.
func (r *Registry) Get(channel string) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, services.NewEngineError(services.CodeValidation, "no sender registered for channel %q", channel)
	}
	return s, nil
}

// Channels lists the registered channel names.
func (r *Registry) Channels() []string {
	channels := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		channels = append(channels, ch)
	}
	return channels
}

// providerClient posts JSON requests to a notification gateway endpoint.
// Providers are reached through plain HTTP gateways; wire-level provider
// SDKs stay outside the engine.
type providerClient struct {
	url    string
	token  string
	client *http.Client
}

func newProviderClient(url, token string, timeout time.Duration) *providerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &providerClient{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type providerResponse struct {
	DeliveredID string `json:"delivered_id"`
	Status      string `json:"status"`
	Error       string `json:"error"`
}

// post sends the request body and maps gateway status codes onto the
// engine's error taxonomy.
func (p *providerClient) post(ctx context.Context, channel string, body interface{}) (db.SendResult, error) {
	var result db.SendResult

	if p.url == "" {
		return result, services.NewEngineError(services.CodeProviderError, "no provider endpoint configured for channel %s", channel)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return result, fmt.Errorf("failed to marshal %s provider request: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return result, fmt.Errorf("failed to build %s provider request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return result, services.NewEngineError(services.CodeProviderError, "%s provider unreachable: %v", channel, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return result, services.NewEngineError(services.CodeRateLimited, "%s provider rate limited", channel)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return result, services.NewEngineError(services.CodeInvalidContact, "%s provider rejected contact: %s", channel, string(respBody))
	case resp.StatusCode >= 300:
		return result, services.NewEngineError(services.CodeProviderError, "%s provider returned %d: %s", channel, resp.StatusCode, string(respBody))
	}

	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		log.Printf("senders: %s provider returned unparseable body, treating as delivered", channel)
		return db.SendResult{Status: "delivered"}, nil
	}

	result.DeliveredID = parsed.DeliveredID
	result.Status = parsed.Status
	if result.Status == "" {
		result.Status = "delivered"
	}
	return result, nil
}
