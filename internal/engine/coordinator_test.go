package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/gateway"
	"server/internal/store"
)

// fakeGateway scripts submissions and status checks for engine tests.
type fakeGateway struct {
	mu       sync.Mutex
	submits  []gateway.SubmitRequest
	submitFn func(n int, req gateway.SubmitRequest) (string, error)

	statuses  map[string]gateway.StatusResult
	statusErr map[string]error
}

func (g *fakeGateway) Submit(ctx context.Context, req gateway.SubmitRequest) (string, error) {
	g.mu.Lock()
	n := len(g.submits)
	g.submits = append(g.submits, req)
	fn := g.submitFn
	g.mu.Unlock()
	if fn != nil {
		return fn(n, req)
	}
	return fmt.Sprintf("job-%d", n), nil
}

func (g *fakeGateway) CheckStatus(ctx context.Context, jobID string) (gateway.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.statusErr[jobID]; ok {
		return gateway.StatusResult{}, err
	}
	if result, ok := g.statuses[jobID]; ok {
		return result, nil
	}
	return gateway.StatusResult{State: gateway.StatePending}, nil
}

func (g *fakeGateway) ParseWebhook(body []byte) (string, gateway.StatusResult, error) {
	return "", gateway.StatusResult{}, errors.New("not used in engine tests")
}

func newTestCoordinator(st store.RecordStore, gw gateway.Gateway) *Coordinator {
	return NewCoordinator(st, map[domain.Provider]gateway.Gateway{domain.ProviderFal: gw}, "https://batches.example.com", zerolog.Nop())
}

func TestSubmitBatchRejectsBadInput(t *testing.T) {
	st := store.NewMemoryStore()
	coord := newTestCoordinator(st, &fakeGateway{})

	_, err := coord.SubmitBatch(context.Background(), SubmitBatchRequest{Prompt: "p", Provider: "fal", Count: 0})
	if !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("count 0 should fail with ErrInvalidQuantity, got %v", err)
	}

	_, err = coord.SubmitBatch(context.Background(), SubmitBatchRequest{Prompt: "p", Provider: "dalle", Count: 1})
	if !errors.Is(err, domain.ErrInvalidProvider) {
		t.Fatalf("unknown provider should fail with ErrInvalidProvider, got %v", err)
	}
}

func TestSubmitBatchFansOutAllJobs(t *testing.T) {
	st := store.NewMemoryStore()
	gw := &fakeGateway{}
	coord := newTestCoordinator(st, gw)

	result, err := coord.SubmitBatch(context.Background(), SubmitBatchRequest{
		Prompt:   "neon koi pond",
		Provider: "fal",
		Width:    1024,
		Height:   768,
		Count:    4,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 4 || result.Failed != 0 {
		t.Fatalf("accepted/failed = %d/%d, want 4/0", result.Accepted, result.Failed)
	}

	rec, err := st.Get(context.Background(), result.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want processing", rec.Status)
	}
	if len(rec.RequestIDs) != 4 {
		t.Fatalf("request ids = %v, want 4 entries", rec.RequestIDs)
	}
	if len(gw.submits) != 4 {
		t.Fatalf("gateway saw %d submits, want 4", len(gw.submits))
	}
	for _, req := range gw.submits {
		if !strings.HasPrefix(req.WebhookURL, "https://batches.example.com/webhooks/fal?") {
			t.Fatalf("webhook url = %q", req.WebhookURL)
		}
		if !strings.Contains(req.WebhookURL, "record_id="+result.RecordID) {
			t.Fatalf("webhook url %q missing record id", req.WebhookURL)
		}
	}
}

func TestSubmitBatchSettlesPartialFailure(t *testing.T) {
	st := store.NewMemoryStore()
	gw := &fakeGateway{
		submitFn: func(n int, req gateway.SubmitRequest) (string, error) {
			if n == 2 {
				return "", fmt.Errorf("%w: connection reset", domain.ErrProviderFailure)
			}
			return fmt.Sprintf("job-%d", n), nil
		},
	}
	coord := newTestCoordinator(st, gw)

	result, err := coord.SubmitBatch(context.Background(), SubmitBatchRequest{Prompt: "p", Provider: "fal", Count: 4})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted != 3 || result.Failed != 1 {
		t.Fatalf("accepted/failed = %d/%d, want 3/1", result.Accepted, result.Failed)
	}

	rec, err := st.Get(context.Background(), result.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want processing despite one rejection", rec.Status)
	}
	if len(rec.RequestIDs) != 3 {
		t.Fatalf("request ids = %v, want 3 entries", rec.RequestIDs)
	}
	if len(rec.FailedSubmissions) != 1 || !strings.Contains(rec.FailedSubmissions[0], "connection reset") {
		t.Fatalf("failed submissions = %v", rec.FailedSubmissions)
	}
}

func TestSubmitBatchAllRejectedMarksFailed(t *testing.T) {
	st := store.NewMemoryStore()
	gw := &fakeGateway{
		submitFn: func(n int, req gateway.SubmitRequest) (string, error) {
			return "", errors.New("quota exhausted")
		},
	}
	coord := newTestCoordinator(st, gw)

	result, err := coord.SubmitBatch(context.Background(), SubmitBatchRequest{Prompt: "p", Provider: "fal", Count: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != domain.BatchStatusFailed || result.Accepted != 0 {
		t.Fatalf("result = %+v, want failed with no accepted jobs", result)
	}

	rec, err := st.Get(context.Background(), result.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if len(rec.FailedSubmissions) != 2 {
		t.Fatalf("failed submissions = %v, want 2 entries", rec.FailedSubmissions)
	}
}
