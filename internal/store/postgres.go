package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"batch-dispatcher/internal/models"
)

// ErrNotFound is returned when a batch id has no row.
var ErrNotFound = errors.New("store: batch not found")

// Store wraps pgxpool for Postgres persistence of batch history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// NewBatchID returns a fresh id for RecordBatch.
func NewBatchID() string {
	return uuid.New().String()
}

// RecordBatch writes the batch row, one row per job result and the audit
// trail in a single transaction.
func (s *Store) RecordBatch(ctx context.Context, batchID string, summary models.BatchSummary) error {
	if _, err := uuid.Parse(batchID); err != nil {
		return fmt.Errorf("invalid batch id %q: %w", batchID, err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, total, successful, failed, total_cost, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, batchID, summary.Total, summary.Successful, summary.Failed, int64(summary.TotalCost), summary.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	rows := make([][]any, 0, len(summary.Results))
	for _, r := range summary.Results {
		var seq, cost *int64
		var confirmation *string
		if r.Receipt != nil {
			sv, cv := int64(r.Receipt.Sequence), int64(r.Receipt.Cost)
			seq, cost = &sv, &cv
			confirmation = emptyToNil(r.Receipt.ConfirmationID)
		}
		rows = append(rows, []any{
			batchID, r.JobID, r.Index, r.Identity, r.Kind, string(r.Status),
			r.Retries, r.Attempts, seq, confirmation, cost, emptyToNil(r.Error),
		})
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"job_results"},
			[]string{"batch_id", "job_id", "idx", "identity", "kind", "status", "retries", "attempts", "sequence", "confirmation_id", "cost", "last_error"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy job results: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, a := range auditEvents(batchID, summary) {
		batch.Queue(`INSERT INTO audit_logs (batch_id, job_id, event, detail, ts) VALUES ($1, $2, $3, $4, NOW())`,
			a.BatchID, a.JobID, a.Event, a.Detail)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert audit rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// auditEvents derives one audit row per job plus a closing batch row.
func auditEvents(batchID string, summary models.BatchSummary) []models.AuditLog {
	out := make([]models.AuditLog, 0, len(summary.Results)+1)
	for _, r := range summary.Results {
		detail := fmt.Sprintf("identity=%s attempts=%d retries=%d", r.Identity, r.Attempts, r.Retries)
		if r.Receipt != nil {
			detail += fmt.Sprintf(" sequence=%d", r.Receipt.Sequence)
		}
		if r.Error != "" {
			detail += " error=" + r.Error
		}
		out = append(out, models.AuditLog{BatchID: batchID, JobID: r.JobID, Event: string(r.Status), Detail: detail})
	}
	out = append(out, models.AuditLog{
		BatchID: batchID,
		JobID:   "-",
		Event:   "batch_finished",
		Detail:  fmt.Sprintf("total=%d successful=%d failed=%d", summary.Total, summary.Successful, summary.Failed),
	})
	return out
}

// GetBatch loads a batch and its job results ordered by index.
func (s *Store) GetBatch(ctx context.Context, id string) (models.BatchRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, total, successful, failed, total_cost, duration_ms, created_at
		FROM batches WHERE id = $1
	`, id)
	rec, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BatchRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.BatchRecord{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, idx, identity, kind, status, retries, attempts, sequence, confirmation_id, cost, last_error
		FROM job_results WHERE batch_id = $1 ORDER BY idx
	`, id)
	if err != nil {
		return models.BatchRecord{}, fmt.Errorf("query job results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.JobResult
		var status string
		var seq, cost pgtype.Int8
		var confirmation, lastErr pgtype.Text
		if err := rows.Scan(&r.JobID, &r.Index, &r.Identity, &r.Kind, &status, &r.Retries, &r.Attempts, &seq, &confirmation, &cost, &lastErr); err != nil {
			return models.BatchRecord{}, fmt.Errorf("scan job result: %w", err)
		}
		r.Status = models.JobStatus(status)
		if seq.Valid {
			r.Receipt = &models.Receipt{Sequence: uint64(seq.Int64)}
			if cost.Valid {
				r.Receipt.Cost = uint64(cost.Int64)
			}
			if p := textPtr(confirmation); p != nil {
				r.Receipt.ConfirmationID = *p
			}
		}
		if p := textPtr(lastErr); p != nil {
			r.Error = *p
		}
		rec.Summary.Results = append(rec.Summary.Results, r)
	}
	if err := rows.Err(); err != nil {
		return models.BatchRecord{}, fmt.Errorf("iterate job results: %w", err)
	}
	return rec, nil
}

// ListBatches returns the most recent batches without their job rows.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]models.BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, total, successful, failed, total_cost, duration_ms, created_at
		FROM batches ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []models.BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

func scanBatch(row pgx.Row) (models.BatchRecord, error) {
	var rec models.BatchRecord
	var cost, durationMS int64
	err := row.Scan(&rec.ID, &rec.Summary.Total, &rec.Summary.Successful, &rec.Summary.Failed, &cost, &durationMS, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan batch: %w", err)
	}
	rec.Summary.TotalCost = uint64(cost)
	rec.Summary.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
