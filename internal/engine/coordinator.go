package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/gateway"
	"server/internal/store"
)

// Coordinator creates batch records and fans out job submissions.
type Coordinator struct {
	store         store.RecordStore
	gateways      map[domain.Provider]gateway.Gateway
	publicBaseURL string
	logger        zerolog.Logger
	now           func() time.Time
}

func NewCoordinator(st store.RecordStore, gateways map[domain.Provider]gateway.Gateway, publicBaseURL string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:         st,
		gateways:      gateways,
		publicBaseURL: publicBaseURL,
		logger:        logger,
		now:           time.Now,
	}
}

// SubmitBatchRequest carries the caller's batch parameters.
type SubmitBatchRequest struct {
	Prompt    string
	Provider  string
	AssetURLs []string
	Width     int
	Height    int
	Count     int
}

// SubmitResult reports how the fan-out settled. Accepted+Failed always equals
// the requested count; there is no guarantee every job was accepted.
type SubmitResult struct {
	RecordID string
	Status   domain.BatchStatus
	Accepted int
	Failed   int
}

// SubmitBatch creates the record and submits count jobs concurrently. Each
// submission settles on its own: one provider rejection never aborts the
// rest. The record ends up processing when at least one job was accepted and
// failed otherwise.
func (c *Coordinator) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*SubmitResult, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("%w: count %d", domain.ErrInvalidQuantity, req.Count)
	}
	provider, err := domain.ParseProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	gw, ok := c.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q not configured", domain.ErrInvalidProvider, provider)
	}

	now := c.now().UTC()
	recordID, err := c.store.Create(ctx, &domain.BatchRecord{
		Provider:   provider,
		Prompt:     req.Prompt,
		Status:     domain.BatchStatusPending,
		CreatedAt:  now,
		LastUpdate: now,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch record: %w", err)
	}

	submitReq := gateway.SubmitRequest{
		Prompt:     req.Prompt,
		AssetURLs:  req.AssetURLs,
		Width:      req.Width,
		Height:     req.Height,
		WebhookURL: c.webhookURL(provider, recordID),
	}

	type outcome struct {
		jobID string
		err   error
	}
	outcomes := make([]outcome, req.Count)
	var wg sync.WaitGroup
	for i := 0; i < req.Count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID, err := gw.Submit(ctx, submitReq)
			outcomes[i] = outcome{jobID: jobID, err: err}
		}(i)
	}
	wg.Wait()

	var (
		requestIDs []string
		failures   []string
	)
	for _, out := range outcomes {
		if out.err != nil {
			failures = append(failures, out.err.Error())
			c.logger.Warn().Err(out.err).Str("record_id", recordID).Msg("coordinator: submission failed")
			continue
		}
		requestIDs = append(requestIDs, out.jobID)
	}

	status := domain.BatchStatusProcessing
	if len(requestIDs) == 0 {
		status = domain.BatchStatusFailed
	}
	updated := c.now().UTC()
	note := fmt.Sprintf("submitted %d of %d", len(requestIDs), req.Count)
	patch := domain.BatchPatch{
		RequestIDs: &requestIDs,
		Status:     &status,
		Note:       &note,
		LastUpdate: &updated,
	}
	if len(failures) > 0 {
		patch.FailedSubmissions = &failures
	}
	if err := c.store.Patch(ctx, recordID, patch); err != nil {
		return nil, fmt.Errorf("record submissions for batch %s: %w", recordID, err)
	}

	c.logger.Info().
		Str("record_id", recordID).
		Str("provider", string(provider)).
		Int("accepted", len(requestIDs)).
		Int("failed", len(failures)).
		Msg("coordinator: batch submitted")

	return &SubmitResult{
		RecordID: recordID,
		Status:   status,
		Accepted: len(requestIDs),
		Failed:   len(failures),
	}, nil
}

func (c *Coordinator) webhookURL(provider domain.Provider, recordID string) string {
	if c.publicBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/webhooks/%s?%s",
		c.publicBaseURL, provider, url.Values{"record_id": {recordID}}.Encode())
}
