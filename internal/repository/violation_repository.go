package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ArchivedViolation is one row of attempt_violations.
type ArchivedViolation struct {
	ID         int64     `json:"id"`
	LearnerID  int       `json:"learner_id"`
	TestSlug   string    `json:"test_slug"`
	AttemptID  string    `json:"attempt_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ViolationCount is the per-attempt tally used by the monitor snapshot.
type ViolationCount struct {
	LearnerID int    `json:"learner_id"`
	AttemptID string `json:"attempt_id"`
	Count     int64  `json:"count"`
}

// ViolationRepository provides data access for the violation archive.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

var violationColumns = []string{"learner_id", "test_slug", "attempt_id", "violation_type", "occurred_at"}

// CopyBatch bulk inserts records with COPY.
func (r *ViolationRepository) CopyBatch(ctx context.Context, batch []ViolationRecord) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, []interface{}{
			v.LearnerID, v.TestSlug, v.AttemptID, v.Type, time.UnixMilli(v.Timestamp).UTC(),
		})
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"attempt_violations"}, violationColumns, pgx.CopyFromRows(rows))
	return err
}

// Insert writes one record. Duplicates of an already archived violation are ignored.
func (r *ViolationRepository) Insert(ctx context.Context, v ViolationRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (learner_id, test_slug, attempt_id, violation_type, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (attempt_id, violation_type, occurred_at) DO NOTHING`,
		v.LearnerID, v.TestSlug, v.AttemptID, v.Type, time.UnixMilli(v.Timestamp).UTC(),
	)
	return err
}

// ListByAttempt returns the archived log of one attempt in occurrence order.
func (r *ViolationRepository) ListByAttempt(ctx context.Context, learnerID int, attemptID string) ([]ArchivedViolation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, learner_id, test_slug, attempt_id, violation_type, occurred_at, recorded_at
		 FROM attempt_violations
		 WHERE learner_id = $1 AND attempt_id = $2
		 ORDER BY occurred_at, id`,
		learnerID, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	out := make([]ArchivedViolation, 0)
	for rows.Next() {
		var v ArchivedViolation
		if err := rows.Scan(&v.ID, &v.LearnerID, &v.TestSlug, &v.AttemptID, &v.Type, &v.OccurredAt, &v.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountByTest returns violation counts for every attempt of a test.
func (r *ViolationRepository) CountByTest(ctx context.Context, testSlug string) ([]ViolationCount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT learner_id, attempt_id, COUNT(*)
		 FROM attempt_violations
		 WHERE test_slug = $1
		 GROUP BY learner_id, attempt_id`,
		testSlug,
	)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}
	defer rows.Close()

	var out []ViolationCount
	for rows.Next() {
		var c ViolationCount
		if err := rows.Scan(&c.LearnerID, &c.AttemptID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
