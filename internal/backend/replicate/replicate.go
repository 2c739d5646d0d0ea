package replicate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/smallbiznis/genbroker/internal/backend/domain"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
	"go.uber.org/zap"
)

const (
	defaultBaseURL   = "https://api.replicate.com/v1"
	maxResponseBytes = 1 << 20

	positivePrompt = "best quality, extremely detailed, photo realistic, 8k uhd, professional photography, natural lighting, accurate proportions, coherent design"
	negativePrompt = "longbody, lowres, bad anatomy, bad proportions, cropped, worst quality, low quality, blurry, black image, dark image, unrealistic, mixed room types, inconsistent style"
)

type Config struct {
	BaseURL       string
	APIToken      string
	PreferWait    bool
	WebhookSecret string
}

// Client talks to the Replicate predictions API.
type Client struct {
	baseURL       string
	token         string
	preferWait    bool
	webhookSecret string
	http          *http.Client
	log           *zap.Logger
}

func New(cfg Config, httpClient *http.Client, log *zap.Logger) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.APIToken),
		preferWait:    cfg.PreferWait,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		http:          httpClient,
		log:           log.Named("replicate"),
	}
}

func (c *Client) Name() string {
	return "replicate"
}

type predictionRequest struct {
	Version             string         `json:"version,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	Logs   string          `json:"logs"`
}

func (c *Client) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.Status, error) {
	if c.token == "" {
		return nil, domain.ErrNotConfigured
	}
	if strings.TrimSpace(req.SourceImageURL) == "" {
		return nil, fmt.Errorf("%w: source image is required", domain.ErrRejected)
	}

	body, endpoint := c.buildPrediction(req)
	if req.WebhookURL != "" {
		body.Webhook = req.WebhookURL
		body.WebhookEventsFilter = []string{"start", "completed"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.preferWait {
		httpReq.Header.Set("Prefer", "wait")
	}

	var pred prediction
	if err := c.do(httpReq, &pred); err != nil {
		return nil, err
	}
	status, err := toStatus(pred)
	if err != nil {
		return nil, err
	}
	c.log.Debug("prediction created",
		zap.String("job_id", req.JobID.String()),
		zap.String("prediction_id", pred.ID),
		zap.String("status", pred.Status),
	)
	return status, nil
}

// buildPrediction shapes the input for the model family. Versioned models go
// through /predictions, official models through /models/{owner}/{name}.
func (c *Client) buildPrediction(req domain.DispatchRequest) (predictionRequest, string) {
	gen := req.Request
	var input map[string]any

	switch gen.Family {
	case resolverdomain.FamilyStructurePreserving:
		input = map[string]any{
			"prompt":              gen.Prompt,
			"control_image":       req.SourceImageURL,
			"num_outputs":         1,
			"num_inference_steps": stepsOr(gen.Params.Steps, 35),
			"guidance":            gen.Params.Guidance,
			"output_format":       "jpg",
			"output_quality":      90,
			"seed":                gen.Seed,
		}
	default:
		resolution := gen.Params.Resolution
		if resolution <= 0 {
			resolution = 768
		}
		scale := gen.Params.Scale
		if scale <= 0 {
			scale = 9
		}
		input = map[string]any{
			"image":             req.SourceImageURL,
			"prompt":            gen.Prompt,
			"a_prompt":          positivePrompt,
			"n_prompt":          negativePrompt,
			"num_samples":       1,
			"image_resolution":  resolution,
			"detect_resolution": resolution,
			"ddim_steps":        stepsOr(gen.Params.Steps, 30),
			"guess_mode":        false,
			"strength":          gen.Params.Strength,
			"scale":             scale,
			"seed":              gen.Seed,
			"eta":               0.0,
		}
	}

	body := predictionRequest{Input: input}
	if gen.ModelVersion != "" {
		body.Version = gen.ModelVersion
		return body, c.baseURL + "/predictions"
	}
	return body, c.baseURL + "/models/" + strings.Trim(gen.ModelID, "/") + "/predictions"
}

func (c *Client) Poll(ctx context.Context, externalRef string) (*domain.Status, error) {
	if c.token == "" {
		return nil, domain.ErrNotConfigured
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, fmt.Errorf("%w: missing prediction id", domain.ErrRejected)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+externalRef, nil)
	if err != nil {
		return nil, err
	}
	var pred prediction
	if err := c.do(httpReq, &pred); err != nil {
		return nil, err
	}
	return toStatus(pred)
}

// VerifyWebhook checks the webhook-signature header. Verification is skipped
// when no secret is configured.
func (c *Client) VerifyWebhook(payload []byte, headers http.Header) error {
	if c.webhookSecret == "" {
		return nil
	}
	id := strings.TrimSpace(headers.Get("Webhook-Id"))
	timestamp := strings.TrimSpace(headers.Get("Webhook-Timestamp"))
	signatures := strings.TrimSpace(headers.Get("Webhook-Signature"))
	if id == "" || timestamp == "" || signatures == "" {
		return domain.ErrInvalidSignature
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(c.webhookSecret, "whsec_"))
	if err != nil {
		return domain.ErrInvalidSignature
	}
	expected := SignWebhook(key, id, timestamp, payload)
	for _, candidate := range strings.Fields(signatures) {
		_, sig, ok := strings.Cut(candidate, ",")
		if !ok {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// SignWebhook computes the base64 HMAC-SHA256 over "id.timestamp.body".
func SignWebhook(key []byte, id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(id + "." + timestamp + "."))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) ParseWebhook(payload []byte) (*domain.Status, error) {
	var pred prediction
	if err := json.Unmarshal(payload, &pred); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return toStatus(pred)
}

func (c *Client) do(req *http.Request, out *prediction) error {
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", domain.ErrRejected, resp.StatusCode, errorDetail(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

func toStatus(pred prediction) (*domain.Status, error) {
	if strings.TrimSpace(pred.ID) == "" {
		return nil, fmt.Errorf("%w: prediction id missing", domain.ErrMalformedResponse)
	}
	status := &domain.Status{ExternalRef: pred.ID}

	switch strings.ToLower(strings.TrimSpace(pred.Status)) {
	case "starting":
		status.Phase = domain.PhaseQueued
		status.Progress = 5
		status.ProgressLabel = "starting"
	case "processing":
		status.Phase = domain.PhaseProcessing
		status.Progress = progressFromLogs(pred.Logs)
		status.ProgressLabel = "processing"
	case "succeeded":
		output, err := firstOutput(pred.Output)
		if err != nil {
			return nil, err
		}
		status.Phase = domain.PhaseSucceeded
		status.Progress = 100
		status.OutputURL = output
	case "failed":
		status.Phase = domain.PhaseFailed
		status.Error = errorText(pred.Error, "generation failed")
	case "canceled":
		status.Phase = domain.PhaseFailed
		status.Error = "generation was canceled"
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrMalformedResponse, pred.Status)
	}
	return status, nil
}

func firstOutput(raw json.RawMessage) (string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && strings.TrimSpace(single) != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, item := range many {
			if strings.TrimSpace(item) != "" {
				return item, nil
			}
		}
	}
	return "", fmt.Errorf("%w: succeeded without output", domain.ErrMalformedResponse)
}

// progressFromLogs picks the last "NN%" marker a sampler printed.
func progressFromLogs(logs string) int {
	progress := 10
	for _, line := range strings.Split(logs, "\n") {
		idx := strings.LastIndex(line, "%")
		if idx <= 0 {
			continue
		}
		start := idx
		for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
			start--
		}
		if n, err := strconv.Atoi(line[start:idx]); err == nil && n >= 0 && n <= 100 {
			progress = n
		}
	}
	if progress >= 100 {
		progress = 99
	}
	return progress
}

func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return fallback
		}
		return text
	}
	return string(raw)
}

func errorDetail(raw []byte) string {
	var body struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Title != "" {
			return body.Title
		}
	}
	return strings.TrimSpace(string(raw))
}

func stepsOr(steps, fallback int) int {
	if steps > 0 {
		return steps
	}
	return fallback
}

var _ domain.Dispatcher = (*Client)(nil)
