package replicate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/genbroker/internal/backend/domain"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchStyleTransferUsesVersionedEndpoint(t *testing.T) {
	var (
		gotPath   string
		gotAuth   string
		gotPrefer string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotPrefer = r.Header.Get("Prefer")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred_1","status":"starting"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIToken: "r8_test", PreferWait: true}, srv.Client(), nil)
	status, err := client.Dispatch(context.Background(), domain.DispatchRequest{
		JobID:          42,
		SourceImageURL: "https://cdn.example/room.jpg",
		WebhookURL:     "https://broker.example/api/backends/replicate/webhooks",
		Request: resolverdomain.GenerationRequest{
			Family:       resolverdomain.FamilyStyleTransfer,
			ModelID:      "adirik/interior-design",
			ModelVersion: "abc123",
			Prompt:       "modern living room",
			Seed:         7,
			Params:       resolverdomain.Params{Strength: 0.8, Scale: 9, Steps: 30, Resolution: 768},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/predictions", gotPath)
	assert.Equal(t, "Token r8_test", gotAuth)
	assert.Equal(t, "wait", gotPrefer)
	assert.Equal(t, "abc123", gotBody["version"])
	assert.NotEmpty(t, gotBody["webhook"])

	input := gotBody["input"].(map[string]any)
	assert.Equal(t, "https://cdn.example/room.jpg", input["image"])
	assert.Equal(t, 0.8, input["strength"])
	assert.Equal(t, float64(30), input["ddim_steps"])

	assert.Equal(t, "pred_1", status.ExternalRef)
	assert.Equal(t, domain.PhaseQueued, status.Phase)
}

func TestDispatchStructurePreservingUsesModelEndpoint(t *testing.T) {
	var (
		gotPath string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"id":"pred_2","status":"succeeded","output":["https://out.example/a.jpg"]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIToken: "tok"}, srv.Client(), nil)
	status, err := client.Dispatch(context.Background(), domain.DispatchRequest{
		JobID:          1,
		SourceImageURL: "https://cdn.example/building.jpg",
		Request: resolverdomain.GenerationRequest{
			Family:  resolverdomain.FamilyStructurePreserving,
			ModelID: "black-forest-labs/flux-canny-pro",
			Prompt:  "steel construction",
			Params:  resolverdomain.Params{Guidance: 35, Steps: 35},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/black-forest-labs/flux-canny-pro/predictions", gotPath)
	input := gotBody["input"].(map[string]any)
	assert.Equal(t, "https://cdn.example/building.jpg", input["control_image"])
	assert.Equal(t, float64(35), input["guidance"])

	assert.Equal(t, domain.PhaseSucceeded, status.Phase)
	assert.Equal(t, "https://out.example/a.jpg", status.OutputURL)
}

func TestDispatchClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`, want: domain.ErrUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{}`, want: domain.ErrUnavailable},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"detail":"bad input"}`, want: domain.ErrRejected},
		{name: "malformed", status: http.StatusOK, body: `not json`, want: domain.ErrMalformedResponse},
		{name: "missing id", status: http.StatusOK, body: `{"status":"starting"}`, want: domain.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := New(Config{BaseURL: srv.URL, APIToken: "tok"}, srv.Client(), nil)
			_, err := client.Poll(context.Background(), "pred_1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDispatchWithoutTokenIsNotConfigured(t *testing.T) {
	client := New(Config{}, nil, nil)
	_, err := client.Dispatch(context.Background(), domain.DispatchRequest{SourceImageURL: "x"})
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
	assert.True(t, domain.IsPermanent(err))
}

func TestParseWebhookStatuses(t *testing.T) {
	client := New(Config{APIToken: "tok"}, nil, nil)

	status, err := client.ParseWebhook([]byte(`{"id":"p","status":"processing","logs":"step 1\n 40%|####\n 65%|######"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseProcessing, status.Phase)
	assert.Equal(t, 65, status.Progress)

	status, err = client.ParseWebhook([]byte(`{"id":"p","status":"failed","error":"NSFW content detected"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, status.Phase)
	assert.Equal(t, "NSFW content detected", status.Error)

	status, err = client.ParseWebhook([]byte(`{"id":"p","status":"canceled"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, status.Phase)

	_, err = client.ParseWebhook([]byte(`{"id":"p","status":"succeeded","output":null}`))
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)

	_, err = client.ParseWebhook([]byte(`{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestVerifyWebhookSignature(t *testing.T) {
	key := []byte("super-secret-key")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	client := New(Config{APIToken: "tok", WebhookSecret: secret}, nil, nil)
	payload := []byte(`{"id":"p","status":"succeeded","output":"https://x"}`)

	headers := http.Header{}
	headers.Set("Webhook-Id", "msg_1")
	headers.Set("Webhook-Timestamp", "1700000000")
	headers.Set("Webhook-Signature", "v1,bogus v1,"+SignWebhook(key, "msg_1", "1700000000", payload))
	require.NoError(t, client.VerifyWebhook(payload, headers))

	headers.Set("Webhook-Signature", "v1,"+SignWebhook([]byte("other"), "msg_1", "1700000000", payload))
	assert.ErrorIs(t, client.VerifyWebhook(payload, headers), domain.ErrInvalidSignature)

	open := New(Config{APIToken: "tok"}, nil, nil)
	assert.NoError(t, open.VerifyWebhook(payload, http.Header{}))
}
