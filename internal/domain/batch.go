package domain

import (
	"fmt"
	"time"
)

// Provider enumerates the image-generation backends a batch can target.
type Provider string

const (
	ProviderFal       Provider = "fal"
	ProviderReplicate Provider = "replicate"
)

// ParseProvider validates free-form input against the known provider set.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderFal, ProviderReplicate:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, s)
	}
}

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Terminal reports whether no further transitions may leave the status.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Output is one generated result, recorded in completion-observation order.
type Output struct {
	URL string `json:"url"`
}

// BatchRecord is the durable row tracking one submitted batch. RequestIDs is
// fixed once submission fan-out resolves; SeenIDs grows monotonically and is
// the dedup ledger for completion signals arriving over webhook and poll.
type BatchRecord struct {
	ID                string      `json:"id"`
	Provider          Provider    `json:"provider"`
	Prompt            string      `json:"prompt"`
	RequestIDs        []string    `json:"request_ids"`
	SeenIDs           []string    `json:"seen_ids"`
	FailedJobIDs      []string    `json:"failed_job_ids,omitempty"`
	Outputs           []Output    `json:"outputs"`
	FailedSubmissions []string    `json:"failed_submissions,omitempty"`
	Note              string      `json:"note,omitempty"`
	Status            BatchStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	LastUpdate        time.Time   `json:"last_update"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

// Requested reports whether jobID was assigned to this batch at submission.
func (r *BatchRecord) Requested(jobID string) bool {
	return contains(r.RequestIDs, jobID)
}

// Seen reports whether a completion signal for jobID has already been merged.
func (r *BatchRecord) Seen(jobID string) bool {
	return contains(r.SeenIDs, jobID)
}

// Pending returns the request ids with no merged completion signal yet,
// preserving submission order.
func (r *BatchRecord) Pending() []string {
	var pending []string
	for _, id := range r.RequestIDs {
		if !contains(r.SeenIDs, id) {
			pending = append(pending, id)
		}
	}
	return pending
}

// Covered reports whether every submitted job has been accounted for. An
// empty batch is never covered.
func (r *BatchRecord) Covered() bool {
	return len(r.RequestIDs) > 0 && len(r.Pending()) == 0
}

// Validate checks the structural invariants that must hold after every
// mutation: seen ids are a duplicate-free subset of request ids, and every
// seen id is accounted for by exactly one output or one failed-job entry.
func (r *BatchRecord) Validate() error {
	seen := make(map[string]struct{}, len(r.SeenIDs))
	for _, id := range r.SeenIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("batch %s: job %s occurs twice in seen ids", r.ID, id)
		}
		seen[id] = struct{}{}
		if !r.Requested(id) {
			return fmt.Errorf("batch %s: seen id %s was never requested", r.ID, id)
		}
	}
	if got, want := len(r.Outputs)+len(r.FailedJobIDs), len(r.SeenIDs); got != want {
		return fmt.Errorf("batch %s: %d outputs + %d failures for %d seen ids", r.ID, len(r.Outputs), len(r.FailedJobIDs), want)
	}
	if r.Status == BatchStatusCompleted && !r.Covered() {
		return fmt.Errorf("batch %s: completed without full coverage", r.ID)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// BatchPatch names the fields a partial update overwrites. Nil fields are
// left untouched by the store, mirroring a field-masked PATCH.
type BatchPatch struct {
	RequestIDs        *[]string
	SeenIDs           *[]string
	FailedJobIDs      *[]string
	Outputs           *[]Output
	FailedSubmissions *[]string
	Note              *string
	Status            *BatchStatus
	LastUpdate        *time.Time
	CompletedAt       *time.Time
}
