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

// ErrMissingReplicateToken indicates that the replicate client was configured
// without credentials.
var ErrMissingReplicateToken = errors.New("replicate: api token is required")

// ReplicateOptions configures the Replicate predictions client.
type ReplicateOptions struct {
	APIToken       string
	BaseURL        string
	Version        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// ReplicateClient drives the predictions API. Webhook deliveries carry the
// same prediction object the status endpoint returns, so push and pull share
// one normalization path.
type ReplicateClient struct {
	apiToken   string
	baseURL    string
	version    string
	httpClient *http.Client
	logger     *infra.Logger
}

type replicatePredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
	Webhook string         `json:"webhook,omitempty"`

	// Replicate retries each filtered event at least once; completion events
	// are all the reconciliation path needs.
	WebhookEventsFilter []string `json:"webhook_events_filter,omitempty"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// NewReplicateClient constructs a client with sane defaults and injected
// dependencies.
func NewReplicateClient(opts ReplicateOptions) (*ReplicateClient, error) {
	if strings.TrimSpace(opts.APIToken) == "" {
		return nil, ErrMissingReplicateToken
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
		baseURL = "https://api.replicate.com/v1"
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "black-forest-labs/flux-dev"
	}
	return &ReplicateClient{
		apiToken:   opts.APIToken,
		baseURL:    baseURL,
		version:    version,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// Submit creates a prediction and returns its id.
func (c *ReplicateClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	input := map[string]any{"prompt": req.Prompt}
	if req.Width > 0 && req.Height > 0 {
		input["width"] = req.Width
		input["height"] = req.Height
	}
	if len(req.AssetURLs) > 0 {
		input["image"] = req.AssetURLs[0]
	}
	payload := replicatePredictionRequest{
		Version: c.version,
		Input:   input,
	}
	if req.WebhookURL != "" {
		payload.Webhook = req.WebhookURL
		payload.WebhookEventsFilter = []string{"completed"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("replicate: encode payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	var prediction replicatePrediction
	if err := c.send(httpReq, &prediction); err != nil {
		return "", err
	}
	if prediction.ID == "" {
		return "", fmt.Errorf("%w: replicate returned no prediction id", domain.ErrProviderFailure)
	}
	if c.logger != nil {
		c.logger.Debug().Str("prediction_id", prediction.ID).Msg("replicate: job submitted")
	}
	return prediction.ID, nil
}

// CheckStatus fetches the prediction and normalizes it.
func (c *ReplicateClient) CheckStatus(ctx context.Context, jobID string) (StatusResult, error) {
	endpoint := c.baseURL + "/predictions/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusResult{}, err
	}
	var prediction replicatePrediction
	if err := c.send(req, &prediction); err != nil {
		return StatusResult{}, err
	}
	return normalizePrediction(prediction), nil
}

// ParseWebhook normalizes a webhook delivery, which is a prediction object.
func (c *ReplicateClient) ParseWebhook(body []byte) (string, StatusResult, error) {
	var prediction replicatePrediction
	if err := json.Unmarshal(body, &prediction); err != nil {
		return "", StatusResult{}, fmt.Errorf("replicate: decode webhook: %w", err)
	}
	if prediction.ID == "" {
		return "", StatusResult{}, fmt.Errorf("replicate: webhook missing prediction id")
	}
	return prediction.ID, normalizePrediction(prediction), nil
}

func normalizePrediction(p replicatePrediction) StatusResult {
	switch strings.ToLower(p.Status) {
	case "succeeded":
		u := firstOutputURL(p.Output)
		if u == "" {
			return StatusResult{State: StateFailed, Reason: "succeeded without output"}
		}
		return StatusResult{State: StateCompleted, OutputURL: u}
	case "failed", "canceled":
		return StatusResult{State: StateFailed, Reason: nonEmpty(p.Error, p.Status)}
	default:
		// starting, processing, or anything unrecognized: nothing learned.
		return StatusResult{State: StatePending}
	}
}

// Output is either a single URL string or a list of them depending on the
// model.
func firstOutputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func (c *ReplicateClient) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr replicatePrediction
		if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil && apiErr.Detail != "" {
			return fmt.Errorf("%w: replicate status %d: %s", domain.ErrProviderFailure, resp.StatusCode, apiErr.Detail)
		}
		return fmt.Errorf("%w: replicate status %d", domain.ErrProviderFailure, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("replicate: decode response: %w", err)
	}
	return nil
}

var _ Gateway = (*ReplicateClient)(nil)
