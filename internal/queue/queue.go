// Package queue is the durable Postgres job queue for delivery work. Jobs
// survive restarts; claiming uses FOR UPDATE SKIP LOCKED so any number of
// worker processes can pull concurrently without double-delivery.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/lib/pq"
)

// Job is one unit of delivery work: send step StepIndex of a campaign to a
// contact. AttemptsMade counts real delivery attempts only; throttle
// denials reschedule without touching it.
type Job struct {
	ID           int64
	CampaignID   string
	ContactID    string
	StepIndex    int
	AttemptsMade int
	ScheduledAt  time.Time
	ClaimedBy    string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Queued    int64      `json:"queued"`
	Claimed   int64      `json:"claimed"`
	DueNow    int64      `json:"due_now"`
	OldestDue *time.Time `json:"oldest_due,omitempty"`
}

// Queue wraps the delivery_jobs table.
type Queue struct {
	db *sql.DB
}

// New creates a Queue on an existing database handle.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts one job due at scheduledAt.
func (q *Queue) Enqueue(ctx context.Context, campaignID, contactID string, stepIndex int, scheduledAt time.Time) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO delivery_jobs (campaign_id, contact_id, step_index, attempts_made, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, 0, 'queued', $4, NOW())
		RETURNING id
	`, campaignID, contactID, stepIndex, scheduledAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// EnqueueBatch bulk-inserts initial jobs for a campaign start using COPY.
// All rows land or none do.
func (q *Queue) EnqueueBatch(ctx context.Context, campaignID string, contactIDs []string, stepIndex int, scheduledAt time.Time) error {
	if len(contactIDs) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("delivery_jobs",
		"campaign_id", "contact_id", "step_index", "attempts_made", "status", "scheduled_at", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	now := time.Now().UTC()
	for _, contactID := range contactIDs {
		if _, err := stmt.ExecContext(ctx, campaignID, contactID, stepIndex, 0, "queued", scheduledAt, now); err != nil {
			stmt.Close()
			return fmt.Errorf("copy job for %s: %w", contactID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	return tx.Commit()
}

// Claim atomically claims up to limit due jobs for workerID.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE delivery_jobs
			SET status = 'claimed',
			    claimed_by = $1,
			    claimed_at = NOW()
			WHERE id IN (
				SELECT j.id FROM delivery_jobs j
				WHERE j.status = 'queued'
				  AND j.scheduled_at <= NOW()
				ORDER BY j.scheduled_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, campaign_id, contact_id, step_index, attempts_made, scheduled_at, created_at
		)
		SELECT id, campaign_id, contact_id, step_index, attempts_made, scheduled_at, created_at
		FROM claimed
		ORDER BY scheduled_at ASC
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.ContactID, &j.StepIndex, &j.AttemptsMade, &j.ScheduledAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.ClaimedBy = workerID
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete removes a finished job. Outcomes live in the ledger, not here.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail removes a terminally failed job. Same as Complete; the distinction
// is recorded in the ledger by the caller first.
func (q *Queue) Fail(ctx context.Context, jobID int64) error {
	return q.Complete(ctx, jobID)
}

// Retry requeues a job after a real failed attempt: the attempt counter
// advances and the job becomes due after delay.
func (q *Queue) Retry(ctx context.Context, jobID int64, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = 'queued',
		    attempts_made = attempts_made + 1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    scheduled_at = NOW() + $2 * INTERVAL '1 millisecond'
		WHERE id = $1
	`, jobID, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("retry job %d: %w", jobID, err)
	}
	return nil
}

// Reschedule requeues a job without consuming an attempt. Used for throttle
// denials and pause holds, which are scheduling events, not delivery
// failures.
func (q *Queue) Reschedule(ctx context.Context, jobID int64, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = 'queued',
		    claimed_by = NULL,
		    claimed_at = NULL,
		    scheduled_at = NOW() + $2 * INTERVAL '1 millisecond'
		WHERE id = $1
	`, jobID, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("reschedule job %d: %w", jobID, err)
	}
	return nil
}

// RemoveCampaign drops every outstanding job for a campaign. Used by cancel
// and delete. In-flight (claimed) jobs are removed too; their workers will
// observe the campaign status before committing anything.
func (q *Queue) RemoveCampaign(ctx context.Context, campaignID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("remove campaign jobs: %w", err)
	}
	return res.RowsAffected()
}

// HasActiveJob reports whether an outstanding job already exists for the
// (campaign, contact, step) triple. Guards against duplicate scheduling.
func (q *Queue) HasActiveJob(ctx context.Context, campaignID, contactID string, stepIndex int) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM delivery_jobs
			WHERE campaign_id = $1 AND contact_id = $2 AND step_index = $3
			  AND status IN ('queued', 'claimed')
		)
	`, campaignID, contactID, stepIndex).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active job: %w", err)
	}
	return exists, nil
}

// PendingForCampaign counts outstanding jobs for one campaign. The finalizer
// uses a zero here as its completion signal.
func (q *Queue) PendingForCampaign(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_jobs
		WHERE campaign_id = $1 AND status IN ('queued', 'claimed')
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Snapshot returns queue depth for the ops endpoints.
func (q *Queue) Snapshot(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'claimed'),
			COUNT(*) FILTER (WHERE status = 'queued' AND scheduled_at <= NOW()),
			MIN(scheduled_at) FILTER (WHERE status = 'queued')
		FROM delivery_jobs
	`).Scan(&s.Queued, &s.Claimed, &s.DueNow, &s.OldestDue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue snapshot: %w", err)
	}
	return s, nil
}

// Backoff returns the delay before retry attempt n (1-based): 60s doubling
// per attempt, with ±20% jitter to spread synchronized retries.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := 60 * time.Second * (1 << (attempt - 1))
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}
