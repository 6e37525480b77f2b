package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/config"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

func newWebhookServer(t *testing.T, fx *pipelineFixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("POST /integration/webhook/{provider}", NewHandler(fx.pipeline))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postWebhook(t *testing.T, srv *httptest.Server, providerKind string, body []byte, headers http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/integration/webhook/"+providerKind, bytes.NewReader(body))
	require.NoError(t, err)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerAcceptsValidWebhook(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	srv := newWebhookServer(t, fx)

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","chat_id":"628111@s.whatsapp.net","type":"text","text":{"body":"hi"},"timestamp":1700000000}]}`)
	resp := postWebhook(t, srv, model.ProviderWhapi, body, signedHeaders(body, "sekrit"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Success bool   `json:"success"`
		Data    Result `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, 1, envelope.Data.Accepted)
}

func TestHandlerReturns200OnDuplicate(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	srv := newWebhookServer(t, fx)

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","chat_id":"628111@s.whatsapp.net","type":"text","text":{"body":"hi"},"timestamp":1700000000}]}`)
	headers := signedHeaders(body, "sekrit")

	resp := postWebhook(t, srv, model.ProviderWhapi, body, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postWebhook(t, srv, model.ProviderWhapi, body, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "duplicates must be acknowledged so the provider stops redelivering")
}

func TestHandlerRejectsForgedSignature(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	srv := newWebhookServer(t, fx)

	body := []byte(`{"channel_id":"CHAN-1","messages":[{"id":"msg-1","type":"text","text":{"body":"hi"}}]}`)
	resp := postWebhook(t, srv, model.ProviderWhapi, body, signedHeaders(body, "forged"))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.False(t, envelope.Success)
	assert.Equal(t, "InvalidSignature", envelope.Error.Code)
}

func TestHandlerUnknownChannel(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	srv := newWebhookServer(t, fx)

	body := []byte(`{"channel_id":"SOMEONE-ELSE"}`)
	resp := postWebhook(t, srv, model.ProviderWhapi, body, http.Header{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerUnknownProviderKind(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	srv := newWebhookServer(t, fx)

	body := []byte(`{"channel_id":"CHAN-1"}`)
	resp := postWebhook(t, srv, "telegram", body, http.Header{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerOversizedBody(t *testing.T) {
	fx := newPipelineFixture(t, config.WebhookConfig{SeenTTL: time.Minute})
	srv := newWebhookServer(t, fx)

	body := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	resp := postWebhook(t, srv, model.ProviderWhapi, body, http.Header{})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
