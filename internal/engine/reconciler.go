package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/gateway"
	"server/internal/store"
)

// FailurePolicy controls what one failed job does to its batch.
type FailurePolicy string

const (
	// FailFast marks the whole batch failed on the first job failure.
	FailFast FailurePolicy = "fail_fast"

	// Tolerant records the failure and keeps waiting for the other jobs;
	// the batch completes once every job is accounted for, provided at
	// least one produced an output.
	Tolerant FailurePolicy = "tolerant"
)

// ParseFailurePolicy validates configuration input.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case FailFast, Tolerant:
		return FailurePolicy(s), nil
	case "":
		return FailFast, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// Reconciler merges completion signals into batch records. The same merge
// runs whether a signal arrived by webhook push or scanner pull, and it is
// idempotent: replayed deliveries are absorbed by the seen-id ledger.
type Reconciler struct {
	store  store.RecordStore
	locks  *recordLocks
	policy FailurePolicy
	logger zerolog.Logger
	now    func() time.Time
}

func NewReconciler(st store.RecordStore, policy FailurePolicy, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		locks:  newRecordLocks(),
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// MergeCompletion folds one job outcome into its batch record. Pending
// outcomes carry no information and are dropped. The whole read-merge-patch
// sequence holds the record's lock: the store offers no atomic
// read-modify-write, so this is the only thing standing between two
// concurrent signals and a lost update.
func (r *Reconciler) MergeCompletion(ctx context.Context, recordID, jobID string, outcome gateway.StatusResult) error {
	if outcome.State == gateway.StatePending {
		return nil
	}

	rl := r.locks.acquire(recordID)
	defer r.locks.release(recordID, rl)

	rec, err := r.store.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", recordID, jobID, err)
	}
	if rec.Status.Terminal() {
		return nil
	}
	if rec.Seen(jobID) {
		r.logger.Debug().Str("record_id", recordID).Str("job_id", jobID).Msg("reconcile: duplicate delivery ignored")
		return nil
	}
	if !rec.Requested(jobID) {
		r.logger.Warn().Str("record_id", recordID).Str("job_id", jobID).Msg("reconcile: job id not in batch, ignoring")
		return nil
	}

	now := r.now().UTC()
	patch := domain.BatchPatch{LastUpdate: &now}

	switch outcome.State {
	case gateway.StateFailed:
		r.mergeFailure(rec, jobID, outcome.Reason, now, &patch)
	case gateway.StateCompleted:
		r.mergeSuccess(rec, jobID, outcome.OutputURL, now, &patch)
	}

	if err := r.store.Patch(ctx, recordID, patch); err != nil {
		return fmt.Errorf("merge %s/%s: %w", recordID, jobID, err)
	}
	if patch.Status != nil {
		r.logger.Info().
			Str("record_id", recordID).
			Str("job_id", jobID).
			Str("status", string(*patch.Status)).
			Msg("reconcile: batch status changed")
	}
	return nil
}

func (r *Reconciler) mergeSuccess(rec *domain.BatchRecord, jobID, outputURL string, now time.Time, patch *domain.BatchPatch) {
	seen := append(append([]string(nil), rec.SeenIDs...), jobID)
	outputs := append(append([]domain.Output(nil), rec.Outputs...), domain.Output{URL: outputURL})
	patch.SeenIDs = &seen
	patch.Outputs = &outputs

	rec.SeenIDs = seen
	rec.Outputs = outputs
	r.settle(rec, now, patch)
}

func (r *Reconciler) mergeFailure(rec *domain.BatchRecord, jobID, reason string, now time.Time, patch *domain.BatchPatch) {
	note := appendNote(stripProgress(rec.Note), fmt.Sprintf("job %s failed: %s", jobID, reason))
	if r.policy == FailFast {
		status := domain.BatchStatusFailed
		patch.Status = &status
		patch.Note = &note
		return
	}

	seen := append(append([]string(nil), rec.SeenIDs...), jobID)
	failed := append(append([]string(nil), rec.FailedJobIDs...), jobID)
	patch.SeenIDs = &seen
	patch.FailedJobIDs = &failed
	patch.Note = &note

	rec.SeenIDs = seen
	rec.FailedJobIDs = failed
	rec.Note = note
	r.settle(rec, now, patch)
}

// settle evaluates coverage after a merge and decides whether the batch is
// done. Under the tolerant policy a fully-covered batch with zero outputs has
// nothing to show for itself and counts as failed.
func (r *Reconciler) settle(rec *domain.BatchRecord, now time.Time, patch *domain.BatchPatch) {
	progress := fmt.Sprintf("received %d of %d", len(rec.SeenIDs), len(rec.RequestIDs))
	note := appendNote(stripProgress(rec.Note), progress)
	patch.Note = &note

	if !rec.Covered() {
		status := domain.BatchStatusProcessing
		patch.Status = &status
		return
	}
	status := domain.BatchStatusCompleted
	if len(rec.Outputs) == 0 {
		status = domain.BatchStatusFailed
	} else {
		patch.CompletedAt = &now
	}
	patch.Status = &status
}

func appendNote(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}

// stripProgress drops the "received k of n" segment this code appends on
// every merge, so the next merge replaces it instead of stacking them up.
func stripProgress(note string) string {
	if strings.HasPrefix(note, "received ") {
		return ""
	}
	if i := strings.LastIndex(note, "; received "); i >= 0 {
		return note[:i]
	}
	return note
}
