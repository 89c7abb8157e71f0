package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// PostgresStore implements RecordStore on a batches table with jsonb columns
// for the list-valued fields. It intentionally exposes the same plain
// get/patch contract as the hosted store: no row locks, no transactions
// spanning read and write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Create(ctx context.Context, rec *domain.BatchRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
INSERT INTO batches (id, provider, prompt, request_ids, seen_ids, failed_job_ids, outputs, failed_submissions, note, status, created_at, last_update)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err := s.pool.Exec(ctx, query,
		id,
		string(rec.Provider),
		rec.Prompt,
		mustJSON(rec.RequestIDs),
		mustJSON(rec.SeenIDs),
		mustJSON(rec.FailedJobIDs),
		mustJSON(rec.Outputs),
		mustJSON(rec.FailedSubmissions),
		rec.Note,
		string(rec.Status),
		rec.CreatedAt,
		rec.LastUpdate,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert batch: %v", domain.ErrStore, err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.BatchRecord, error) {
	query := `
SELECT id, provider, prompt, request_ids, seen_ids, failed_job_ids, outputs, failed_submissions, note, status, created_at, last_update, completed_at
FROM batches
WHERE id = $1;
`
	rec, err := scanBatch(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: get batch: %v", domain.ErrStore, err)
	}
	return rec, nil
}

func (s *PostgresStore) Patch(ctx context.Context, id string, patch domain.BatchPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.RequestIDs != nil {
		add("request_ids", mustJSON(*patch.RequestIDs))
	}
	if patch.SeenIDs != nil {
		add("seen_ids", mustJSON(*patch.SeenIDs))
	}
	if patch.FailedJobIDs != nil {
		add("failed_job_ids", mustJSON(*patch.FailedJobIDs))
	}
	if patch.Outputs != nil {
		add("outputs", mustJSON(*patch.Outputs))
	}
	if patch.FailedSubmissions != nil {
		add("failed_submissions", mustJSON(*patch.FailedSubmissions))
	}
	if patch.Note != nil {
		add("note", *patch.Note)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.LastUpdate != nil {
		add("last_update", *patch.LastUpdate)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE batches SET %s WHERE id = $%d;", strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: patch batch: %v", domain.ErrStore, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) QueryStale(ctx context.Context, cutoff time.Time) ([]domain.BatchRecord, error) {
	query := `
SELECT id, provider, prompt, request_ids, seen_ids, failed_job_ids, outputs, failed_submissions, note, status, created_at, last_update, completed_at
FROM batches
WHERE status = 'processing' AND last_update < $1
ORDER BY last_update ASC;
`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: query stale batches: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var out []domain.BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan batch: %v", domain.ErrStore, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query stale batches: %v", domain.ErrStore, err)
	}
	return out, nil
}

func scanBatch(row pgx.Row) (*domain.BatchRecord, error) {
	var (
		rec                                                 domain.BatchRecord
		provider, status                                    string
		requestIDs, seenIDs, failedJobIDs, outputs, failSub []byte
		completedAt                                         *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&provider,
		&rec.Prompt,
		&requestIDs,
		&seenIDs,
		&failedJobIDs,
		&outputs,
		&failSub,
		&rec.Note,
		&status,
		&rec.CreatedAt,
		&rec.LastUpdate,
		&completedAt,
	); err != nil {
		return nil, err
	}
	rec.Provider = domain.Provider(provider)
	rec.Status = domain.BatchStatus(status)
	rec.CompletedAt = completedAt
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{requestIDs, &rec.RequestIDs},
		{seenIDs, &rec.SeenIDs},
		{failedJobIDs, &rec.FailedJobIDs},
		{outputs, &rec.Outputs},
		{failSub, &rec.FailedSubmissions},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func mustJSON(v any) []byte {
	switch t := v.(type) {
	case []string:
		if t == nil {
			v = []string{}
		}
	case []domain.Output:
		if t == nil {
			v = []domain.Output{}
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

var _ RecordStore = (*PostgresStore)(nil)
