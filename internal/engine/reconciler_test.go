package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers/gateway"
	"server/internal/store"
)

func newProcessingBatch(t *testing.T, st *store.MemoryStore, jobIDs ...string) string {
	t.Helper()
	now := time.Now().UTC()
	id, err := st.Create(context.Background(), &domain.BatchRecord{
		Provider:   domain.ProviderFal,
		Prompt:     "a lighthouse at dusk",
		RequestIDs: jobIDs,
		Status:     domain.BatchStatusProcessing,
		CreatedAt:  now,
		LastUpdate: now,
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return id
}

func mustGet(t *testing.T, st *store.MemoryStore, id string) *domain.BatchRecord {
	t.Helper()
	rec, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
	return rec
}

func completed(url string) gateway.StatusResult {
	return gateway.StatusResult{State: gateway.StateCompleted, OutputURL: url}
}

func failed(reason string) gateway.StatusResult {
	return gateway.StatusResult{State: gateway.StateFailed, Reason: reason}
}

func TestMergeRecordsOutputsInArrivalOrder(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1", "j2", "j3")

	if err := rec.MergeCompletion(context.Background(), id, "j2", completed("https://cdn/2.png")); err != nil {
		t.Fatalf("merge j2: %v", err)
	}
	if err := rec.MergeCompletion(context.Background(), id, "j1", completed("https://cdn/1.png")); err != nil {
		t.Fatalf("merge j1: %v", err)
	}

	got := mustGet(t, st, id)
	if got.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if len(got.SeenIDs) != 2 {
		t.Fatalf("seen ids = %v, want 2 entries", got.SeenIDs)
	}
	if len(got.Outputs) != 2 || got.Outputs[0].URL != "https://cdn/2.png" || got.Outputs[1].URL != "https://cdn/1.png" {
		t.Fatalf("outputs = %v, want arrival order 2.png then 1.png", got.Outputs)
	}
	if got.Note != "received 2 of 3" {
		t.Fatalf("note = %q, want progress note", got.Note)
	}
}

func TestMergeCompletesBatchOnFullCoverage(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1", "j2", "j3")

	for i, job := range []string{"j1", "j2", "j3"} {
		if err := rec.MergeCompletion(context.Background(), id, job, completed(fmt.Sprintf("https://cdn/%d.png", i))); err != nil {
			t.Fatalf("merge %s: %v", job, err)
		}
	}

	got := mustGet(t, st, id)
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed batch must have CompletedAt")
	}
	if len(got.Outputs) != 3 {
		t.Fatalf("outputs = %v, want 3 entries", got.Outputs)
	}
	if got.Note != "received 3 of 3" {
		t.Fatalf("note = %q, want final progress note", got.Note)
	}
}

func TestMergeDuplicateDeliveryIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1", "j2")

	if err := rec.MergeCompletion(context.Background(), id, "j1", completed("https://cdn/1.png")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	before := mustGet(t, st, id)

	if err := rec.MergeCompletion(context.Background(), id, "j1", completed("https://cdn/other.png")); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	after := mustGet(t, st, id)

	if len(after.Outputs) != 1 || after.Outputs[0].URL != "https://cdn/1.png" {
		t.Fatalf("outputs changed on duplicate delivery: %v", after.Outputs)
	}
	if len(after.SeenIDs) != len(before.SeenIDs) || after.Status != before.Status {
		t.Fatalf("record changed on duplicate delivery: %+v vs %+v", after, before)
	}
	if !after.LastUpdate.Equal(before.LastUpdate) {
		t.Fatalf("duplicate delivery must not touch the record")
	}
}

func TestMergeFailFastFailsWholeBatch(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1", "j2", "j3")

	if err := rec.MergeCompletion(context.Background(), id, "j2", failed("NSFW content detected")); err != nil {
		t.Fatalf("merge failure: %v", err)
	}

	got := mustGet(t, st, id)
	if got.Status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Note, "NSFW content detected") {
		t.Fatalf("note = %q, want failure reason", got.Note)
	}

	// Terminal: a straggler completion must not revive the batch.
	if err := rec.MergeCompletion(context.Background(), id, "j1", completed("https://cdn/late.png")); err != nil {
		t.Fatalf("late merge: %v", err)
	}
	after := mustGet(t, st, id)
	if after.Status != domain.BatchStatusFailed || len(after.Outputs) != 0 {
		t.Fatalf("terminal record mutated: %+v", after)
	}
}

func TestMergeTolerantPolicyKeepsBatchAlive(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, Tolerant, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1", "j2", "j3")

	if err := rec.MergeCompletion(context.Background(), id, "j2", failed("timeout")); err != nil {
		t.Fatalf("merge failure: %v", err)
	}
	got := mustGet(t, st, id)
	if got.Status != domain.BatchStatusProcessing {
		t.Fatalf("status = %s, want processing under tolerant policy", got.Status)
	}
	if !strings.Contains(got.Note, "job j2 failed: timeout") {
		t.Fatalf("note = %q, want failure reason", got.Note)
	}

	if err := rec.MergeCompletion(context.Background(), id, "j1", completed("https://cdn/1.png")); err != nil {
		t.Fatalf("merge j1: %v", err)
	}
	if err := rec.MergeCompletion(context.Background(), id, "j3", completed("https://cdn/3.png")); err != nil {
		t.Fatalf("merge j3: %v", err)
	}

	final := mustGet(t, st, id)
	if final.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if len(final.Outputs) != 2 {
		t.Fatalf("outputs = %v, want the two successful jobs", final.Outputs)
	}
	if len(final.FailedJobIDs) != 1 || final.FailedJobIDs[0] != "j2" {
		t.Fatalf("failed job ids = %v, want [j2]", final.FailedJobIDs)
	}
	if !strings.Contains(final.Note, "job j2 failed: timeout") {
		t.Fatalf("note lost the failure reason: %q", final.Note)
	}
}

func TestMergeTolerantAllFailedEndsFailed(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, Tolerant, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1", "j2")

	if err := rec.MergeCompletion(context.Background(), id, "j1", failed("boom")); err != nil {
		t.Fatalf("merge j1: %v", err)
	}
	if err := rec.MergeCompletion(context.Background(), id, "j2", failed("boom again")); err != nil {
		t.Fatalf("merge j2: %v", err)
	}

	got := mustGet(t, st, id)
	if got.Status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want failed when no job produced output", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatalf("failed batch must not have CompletedAt")
	}
}

func TestMergePendingOutcomeIsDropped(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1")
	before := mustGet(t, st, id)

	if err := rec.MergeCompletion(context.Background(), id, "j1", gateway.StatusResult{State: gateway.StatePending}); err != nil {
		t.Fatalf("merge pending: %v", err)
	}
	after := mustGet(t, st, id)
	if !after.LastUpdate.Equal(before.LastUpdate) || len(after.SeenIDs) != 0 {
		t.Fatalf("pending outcome mutated the record: %+v", after)
	}
}

func TestMergeIgnoresUnknownJobID(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())
	id := newProcessingBatch(t, st, "j1")

	if err := rec.MergeCompletion(context.Background(), id, "forged", completed("https://cdn/x.png")); err != nil {
		t.Fatalf("merge unknown job: %v", err)
	}
	got := mustGet(t, st, id)
	if len(got.SeenIDs) != 0 || len(got.Outputs) != 0 {
		t.Fatalf("unknown job id must not be merged: %+v", got)
	}
}

func TestMergeReturnsStoreErrors(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())

	err := rec.MergeCompletion(context.Background(), "missing", "j1", completed("https://cdn/x.png"))
	if err == nil {
		t.Fatalf("expected error for unknown record")
	}
}

func TestMergeConcurrentDistinctJobsLosesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewReconciler(st, FailFast, zerolog.Nop())

	const jobs = 32
	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = fmt.Sprintf("job-%02d", i)
	}
	id := newProcessingBatch(t, st, ids...)

	var wg sync.WaitGroup
	for _, job := range ids {
		wg.Add(1)
		go func(job string) {
			defer wg.Done()
			if err := rec.MergeCompletion(context.Background(), id, job, completed("https://cdn/"+job+".png")); err != nil {
				t.Errorf("merge %s: %v", job, err)
			}
		}(job)
	}
	wg.Wait()

	got := mustGet(t, st, id)
	if len(got.SeenIDs) != jobs || len(got.Outputs) != jobs {
		t.Fatalf("lost updates: %d seen, %d outputs, want %d", len(got.SeenIDs), len(got.Outputs), jobs)
	}
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if rec.locks.size() != 0 {
		t.Fatalf("lock map holds %d entries after all merges released", rec.locks.size())
	}
}

func TestParseFailurePolicy(t *testing.T) {
	if p, err := ParseFailurePolicy(""); err != nil || p != FailFast {
		t.Fatalf("empty policy should default to fail_fast, got %v %v", p, err)
	}
	if p, err := ParseFailurePolicy("tolerant"); err != nil || p != Tolerant {
		t.Fatalf("tolerant should parse, got %v %v", p, err)
	}
	if _, err := ParseFailurePolicy("lenient"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
