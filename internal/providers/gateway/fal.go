package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"server/internal/domain"
	"server/internal/infra"
)

// ErrMissingFalKey indicates that the fal client was configured without
// credentials.
var ErrMissingFalKey = errors.New("fal: api key is required")

// FalOptions configures the fal.ai queue client.
type FalOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// FalClient submits jobs to fal.ai's async queue API and reads their status
// back. Completions may also arrive as webhook pushes, parsed by
// ParseWebhook; both paths normalize into the same StatusResult.
type FalClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type falSubmitRequest struct {
	Prompt    string        `json:"prompt"`
	ImageURLs []string      `json:"image_urls,omitempty"`
	ImageSize *falImageSize `json:"image_size,omitempty"`
	NumImages int           `json:"num_images"`
}

type falImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type falSubmitResponse struct {
	RequestID string `json:"request_id"`
	Detail    string `json:"detail,omitempty"`
}

type falStatusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type falResultResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Detail string `json:"detail,omitempty"`
}

// falWebhookPayload is the push shape: status OK carries the result payload,
// status ERROR carries the error detail.
type falWebhookPayload struct {
	RequestID string            `json:"request_id"`
	Status    string            `json:"status"`
	Payload   falResultResponse `json:"payload"`
	Error     string            `json:"error,omitempty"`
}

// NewFalClient constructs a client with sane defaults and injected
// dependencies.
func NewFalClient(opts FalOptions) (*FalClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingFalKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://queue.fal.run"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "fal-ai/flux/dev"
	}
	return &FalClient{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// Submit enqueues one generation job and returns the provider request id.
func (c *FalClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload := falSubmitRequest{
		Prompt:    req.Prompt,
		ImageURLs: req.AssetURLs,
		NumImages: 1,
	}
	if req.Width > 0 && req.Height > 0 {
		payload.ImageSize = &falImageSize{Width: req.Width, Height: req.Height}
	}
	endpoint := c.baseURL + "/" + c.model
	if req.WebhookURL != "" {
		endpoint += "?" + url.Values{"fal_webhook": {req.WebhookURL}}.Encode()
	}
	var out falSubmitResponse
	if err := c.postJSON(ctx, endpoint, payload, &out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("%w: fal returned no request id", domain.ErrProviderFailure)
	}
	if c.logger != nil {
		c.logger.Debug().Str("request_id", out.RequestID).Msg("fal: job submitted")
	}
	return out.RequestID, nil
}

// CheckStatus polls the queue. A job reported COMPLETED requires a second
// call to fetch the result body with the output URL.
func (c *FalClient) CheckStatus(ctx context.Context, jobID string) (StatusResult, error) {
	statusEndpoint := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, c.model, url.PathEscape(jobID))
	var status falStatusResponse
	if err := c.getJSON(ctx, statusEndpoint, &status); err != nil {
		return StatusResult{}, err
	}
	switch strings.ToUpper(status.Status) {
	case "IN_QUEUE", "IN_PROGRESS":
		return StatusResult{State: StatePending}, nil
	case "COMPLETED":
	case "FAILED", "ERROR":
		return StatusResult{State: StateFailed, Reason: nonEmpty(status.Detail, "job failed")}, nil
	default:
		return StatusResult{State: StatePending}, nil
	}

	resultEndpoint := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, c.model, url.PathEscape(jobID))
	var result falResultResponse
	if err := c.getJSON(ctx, resultEndpoint, &result); err != nil {
		return StatusResult{}, err
	}
	return normalizeFalResult(result)
}

// ParseWebhook normalizes a queue webhook delivery.
func (c *FalClient) ParseWebhook(body []byte) (string, StatusResult, error) {
	var payload falWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", StatusResult{}, fmt.Errorf("fal: decode webhook: %w", err)
	}
	if payload.RequestID == "" {
		return "", StatusResult{}, fmt.Errorf("fal: webhook missing request_id")
	}
	switch strings.ToUpper(payload.Status) {
	case "OK":
		result, err := normalizeFalResult(payload.Payload)
		return payload.RequestID, result, err
	case "ERROR":
		return payload.RequestID, StatusResult{State: StateFailed, Reason: nonEmpty(payload.Error, "job failed")}, nil
	default:
		return payload.RequestID, StatusResult{State: StatePending}, nil
	}
}

func normalizeFalResult(result falResultResponse) (StatusResult, error) {
	if len(result.Images) == 0 || result.Images[0].URL == "" {
		return StatusResult{State: StateFailed, Reason: nonEmpty(result.Detail, "completed without images")}, nil
	}
	return StatusResult{State: StateCompleted, OutputURL: result.Images[0].URL}, nil
}

func (c *FalClient) postJSON(ctx context.Context, endpoint string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fal: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *FalClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *FalClient) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Key "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fal: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fal: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(string(raw))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return fmt.Errorf("%w: fal status %d: %s", domain.ErrProviderFailure, resp.StatusCode, detail)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("fal: decode response: %w", err)
	}
	return nil
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

var _ Gateway = (*FalClient)(nil)
