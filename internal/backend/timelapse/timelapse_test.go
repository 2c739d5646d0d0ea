package timelapse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/genbroker/internal/backend/domain"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCreatesPipelineJob(t *testing.T) {
	var (
		gotKey  string
		gotBody createJobRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"id":"tl_1","status":"generating_keyframes","progress":12}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "key"}, srv.Client(), nil)
	status, err := client.Dispatch(context.Background(), domain.DispatchRequest{
		JobID:             99,
		SourceImageURL:    "https://cdn.example/before.jpg",
		SecondaryImageURL: "https://cdn.example/after.jpg",
		DurationSeconds:   30,
		AspectRatio:       "9:16",
		Request:           resolverdomain.GenerationRequest{Prompt: "renovation timelapse", Seed: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "99", gotBody.Reference)
	assert.Equal(t, 30, gotBody.DurationSeconds)
	assert.Equal(t, "9:16", gotBody.AspectRatio)

	assert.Equal(t, "tl_1", status.ExternalRef)
	assert.Equal(t, domain.PhaseGeneratingKeyframes, status.Phase)
	assert.Equal(t, 12, status.Progress)
	assert.Equal(t, "generating keyframes", status.ProgressLabel)
}

func TestDispatchRequiresDuration(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", APIKey: "key"}, nil, nil)
	_, err := client.Dispatch(context.Background(), domain.DispatchRequest{SourceImageURL: "x"})
	assert.ErrorIs(t, err, domain.ErrRejected)
}

func TestPollStages(t *testing.T) {
	bodies := map[string]domain.Phase{
		`{"id":"a","status":"generating_clips","progress":40}`:    domain.PhaseGeneratingClips,
		`{"id":"a","status":"merging","progress":70}`:             domain.PhaseMerging,
		`{"id":"a","status":"post_processing","progress":90}`:     domain.PhasePostProcessing,
		`{"id":"a","status":"completed","video_url":"https://v"}`: domain.PhaseSucceeded,
		`{"id":"a","status":"failed","error":"render crashed"}`:   domain.PhaseFailed,
	}
	for body, want := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		client := New(Config{BaseURL: srv.URL, APIKey: "key"}, srv.Client(), nil)
		status, err := client.Poll(context.Background(), "a")
		srv.Close()
		require.NoError(t, err, body)
		assert.Equal(t, want, status.Phase, body)
	}
}

func TestCompletedWithoutVideoIsMalformed(t *testing.T) {
	client := New(Config{}, nil, nil)
	_, err := client.ParseWebhook([]byte(`{"id":"a","status":"completed"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestVerifyWebhook(t *testing.T) {
	client := New(Config{WebhookSecret: "s3cret"}, nil, nil)
	payload := []byte(`{"id":"a","status":"merging"}`)

	headers := http.Header{}
	headers.Set(signatureHeader, "sha256="+Sign("s3cret", payload))
	require.NoError(t, client.VerifyWebhook(payload, headers))

	headers.Set(signatureHeader, "sha256="+Sign("nope", payload))
	assert.ErrorIs(t, client.VerifyWebhook(payload, headers), domain.ErrInvalidSignature)
}
