package gateway

import "context"

// JobState is the normalized lifecycle of one provider job. Every provider's
// loose payload shape is reduced to this at the gateway boundary so the
// reconciliation code never sees provider-specific vocabulary.
type JobState string

const (
	StatePending   JobState = "pending"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// StatusResult carries a job's normalized state plus whichever of the two
// payload fields applies: OutputURL when completed, Reason when failed.
type StatusResult struct {
	State     JobState
	OutputURL string
	Reason    string
}

// SubmitRequest describes one job submission, already provider-agnostic.
type SubmitRequest struct {
	Prompt     string
	AssetURLs  []string
	Width      int
	Height     int
	WebhookURL string
}

// Gateway is the contract implemented by all providers: fire-and-forget
// submission plus the two ways a completion can reach us afterwards.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	CheckStatus(ctx context.Context, jobID string) (StatusResult, error)

	// ParseWebhook extracts the job id and normalized outcome from a push
	// delivery body. It performs no I/O.
	ParseWebhook(body []byte) (string, StatusResult, error)
}
