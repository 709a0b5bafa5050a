package senders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

func gatewayStub(t *testing.T, status int, response string, captured *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmailSender_Send(t *testing.T) {
	var body map[string]interface{}
	srv := gatewayStub(t, http.StatusOK, `{"delivered_id":"em-1","status":"delivered"}`, &body)

	sender := NewEmailSender(srv.URL, "secret", time.Second)
	result, err := sender.Send(context.Background(), "oncall@example.com", db.Payload{
		Subject: "disk_full",
		Body:    "db-3 at 97%",
	})

	require.NoError(t, err)
	assert.Equal(t, "em-1", result.DeliveredID)
	assert.Equal(t, "oncall@example.com", body["to"])
	assert.Equal(t, "disk_full", body["subject"])
}

func TestWhatsAppSender_TemplateSend(t *testing.T) {
	var body map[string]interface{}
	srv := gatewayStub(t, http.StatusOK, `{"delivered_id":"wa-1"}`, &body)

	sender := NewWhatsAppSender(srv.URL, "secret", time.Second)
	_, err := sender.Send(context.Background(), "+4915550001", db.Payload{
		TemplateName: "payment_failure",
		Parameters:   []string{"checkout", "2"},
		Body:         "rendered body",
	})

	require.NoError(t, err)
	assert.Equal(t, "payment_failure", body["template_name"])
	assert.Equal(t, []interface{}{"checkout", "2"}, body["parameters"])
	assert.Nil(t, body["body"], "template sends must not carry free-form body")
}

func TestWhatsAppSender_FreeFormSend(t *testing.T) {
	var body map[string]interface{}
	srv := gatewayStub(t, http.StatusOK, `{}`, &body)

	sender := NewWhatsAppSender(srv.URL, "", time.Second)
	_, err := sender.Send(context.Background(), "+4915550001", db.Payload{Body: "checkout is failing"})

	require.NoError(t, err)
	assert.Equal(t, "checkout is failing", body["body"])
	assert.Nil(t, body["template_name"])
}

func TestProviderClient_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
	}{
		{"RateLimited", http.StatusTooManyRequests, services.CodeRateLimited},
		{"BadRequest", http.StatusBadRequest, services.CodeInvalidContact},
		{"Unprocessable", http.StatusUnprocessableEntity, services.CodeInvalidContact},
		{"ServerError", http.StatusInternalServerError, services.CodeProviderError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := gatewayStub(t, tc.status, `{"error":"nope"}`, nil)
			sender := NewSMSSender(srv.URL, "", time.Second)

			_, err := sender.Send(context.Background(), "+4915550001", db.Payload{Body: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.code, services.CodeOf(err))
		})
	}
}

func TestProviderClient_NoEndpointConfigured(t *testing.T) {
	sender := NewVoiceSender("", "", time.Second)

	_, err := sender.Send(context.Background(), "+4915550001", db.Payload{Body: "x"})
	require.Error(t, err)
	assert.Equal(t, services.CodeProviderError, services.CodeOf(err))
}

func TestProviderClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	sender := NewSMSSender(srv.URL, "", time.Second)
	_, err := sender.Send(context.Background(), "+4915550001", db.Payload{Body: "x"})
	require.Error(t, err)
	assert.Equal(t, services.CodeProviderError, services.CodeOf(err))
}

func TestSend_EmptyContact(t *testing.T) {
	sender := NewEmailSender("http://unused", "", time.Second)

	_, err := sender.Send(context.Background(), "", db.Payload{})
	require.Error(t, err)
	assert.Equal(t, services.CodeInvalidContact, services.CodeOf(err))
}

func TestRegistry(t *testing.T) {
	email := NewEmailSender("http://unused", "", time.Second)
	sms := NewSMSSender("http://unused", "", time.Second)
	registry := NewRegistry(email, sms)

	got, err := registry.Get(db.ChannelEmail)
	require.NoError(t, err)
	assert.Same(t, Sender(email), got)

	_, err = registry.Get(db.ChannelWhatsApp)
	require.Error(t, err)
	assert.Equal(t, services.CodeValidation, services.CodeOf(err))

	assert.ElementsMatch(t, []string{"email", "sms"}, registry.Channels())
}
