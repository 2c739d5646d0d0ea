package timelapse

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/genbroker/internal/backend/domain"
	"go.uber.org/zap"
)

const (
	maxResponseBytes = 1 << 20
	signatureHeader  = "X-Timelapse-Signature"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Client drives the before/after video pipeline.
type Client struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	http          *http.Client
	log           *zap.Logger
}

func New(cfg Config, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:        strings.TrimSpace(cfg.APIKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		http:          httpClient,
		log:           log.Named("timelapse"),
	}
}

func (c *Client) Name() string {
	return "timelapse"
}

type createJobRequest struct {
	Reference       string `json:"reference"`
	BeforeImageURL  string `json:"before_image_url"`
	AfterImageURL   string `json:"after_image_url,omitempty"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	Seed            int64  `json:"seed"`
	WebhookURL      string `json:"webhook_url,omitempty"`
}

type pipelineJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress"`
	StageLabel string `json:"stage_label"`
	VideoURL   string `json:"video_url"`
	Error      string `json:"error"`
}

func (c *Client) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.Status, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, domain.ErrNotConfigured
	}
	if strings.TrimSpace(req.SourceImageURL) == "" {
		return nil, fmt.Errorf("%w: before image is required", domain.ErrRejected)
	}
	if req.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration is required", domain.ErrRejected)
	}

	payload, err := json.Marshal(createJobRequest{
		Reference:       req.JobID.String(),
		BeforeImageURL:  req.SourceImageURL,
		AfterImageURL:   req.SecondaryImageURL,
		Prompt:          req.Request.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		Seed:            req.Request.Seed,
		WebhookURL:      req.WebhookURL,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var job pipelineJob
	if err := c.do(httpReq, &job); err != nil {
		return nil, err
	}
	c.log.Debug("pipeline job created",
		zap.String("job_id", req.JobID.String()),
		zap.String("pipeline_id", job.ID),
		zap.String("status", job.Status),
	)
	return toStatus(job)
}

func (c *Client) Poll(ctx context.Context, externalRef string) (*domain.Status, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, domain.ErrNotConfigured
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, fmt.Errorf("%w: missing pipeline id", domain.ErrRejected)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+externalRef, nil)
	if err != nil {
		return nil, err
	}
	var job pipelineJob
	if err := c.do(httpReq, &job); err != nil {
		return nil, err
	}
	return toStatus(job)
}

func (c *Client) VerifyWebhook(payload []byte, headers http.Header) error {
	if c.webhookSecret == "" {
		return nil
	}
	header := strings.TrimSpace(headers.Get(signatureHeader))
	signature := strings.TrimPrefix(header, "sha256=")
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	expected := Sign(c.webhookSecret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) ParseWebhook(payload []byte) (*domain.Status, error) {
	var job pipelineJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	return toStatus(job)
}

func (c *Client) do(req *http.Request, out *pipelineJob) error {
	req.Header.Set("X-API-Key", c.apiKey)
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
		return fmt.Errorf("%w: status %d: %s", domain.ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

var stageLabels = map[domain.Phase]string{
	domain.PhaseQueued:              "queued",
	domain.PhaseGeneratingKeyframes: "generating keyframes",
	domain.PhaseGeneratingClips:     "generating clips",
	domain.PhaseMerging:             "merging clips",
	domain.PhasePostProcessing:      "adding music and overlays",
}

func toStatus(job pipelineJob) (*domain.Status, error) {
	if strings.TrimSpace(job.ID) == "" {
		return nil, fmt.Errorf("%w: pipeline id missing", domain.ErrMalformedResponse)
	}
	status := &domain.Status{ExternalRef: job.ID}

	switch strings.ToLower(strings.TrimSpace(job.Status)) {
	case "queued", "pending":
		status.Phase = domain.PhaseQueued
	case "generating_keyframes":
		status.Phase = domain.PhaseGeneratingKeyframes
	case "generating_clips":
		status.Phase = domain.PhaseGeneratingClips
	case "merging":
		status.Phase = domain.PhaseMerging
	case "post_processing":
		status.Phase = domain.PhasePostProcessing
	case "completed":
		if strings.TrimSpace(job.VideoURL) == "" {
			return nil, fmt.Errorf("%w: completed without video", domain.ErrMalformedResponse)
		}
		status.Phase = domain.PhaseSucceeded
		status.Progress = 100
		status.OutputURL = job.VideoURL
		return status, nil
	case "failed":
		status.Phase = domain.PhaseFailed
		status.Error = strings.TrimSpace(job.Error)
		if status.Error == "" {
			status.Error = "video pipeline failed"
		}
		return status, nil
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrMalformedResponse, job.Status)
	}

	if job.Progress != nil {
		status.Progress = min(max(*job.Progress, 0), 99)
	}
	status.ProgressLabel = strings.TrimSpace(job.StageLabel)
	if status.ProgressLabel == "" {
		status.ProgressLabel = stageLabels[status.Phase]
	}
	return status, nil
}

var _ domain.Dispatcher = (*Client)(nil)
