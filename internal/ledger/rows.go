package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pulsemail/relay/internal/domain"
)

// rowColumns is the scan list shared by the row readers. Email comes from
// the contacts join.
const rowColumns = `
	cc.campaign_id, cc.contact_id, COALESCE(c.email, ''), cc.status,
	cc.attempts, cc.bg_attempts,
	cc.current_step_index, cc.current_step_name, cc.current_step_attempts, cc.current_step_bg_attempts,
	cc.last_attempt_at, COALESCE(cc.last_error, ''),
	cc.opened_at, cc.last_open_at, cc.last_click_at, cc.last_activity_at,
	cc.replied, cc.replies_count, cc.last_reply_at, COALESCE(cc.last_reply_snippet, ''),
	cc.follow_up_plan`

func scanRow(scan func(dest ...any) error) (*domain.LedgerRow, error) {
	var (
		r    domain.LedgerRow
		plan []byte
	)
	err := scan(
		&r.CampaignID, &r.ContactID, &r.Email, &r.Status,
		&r.Attempts, &r.BgAttempts,
		&r.CurrentStepIndex, &r.CurrentStepName, &r.CurrentStepAttempts, &r.CurrentStepBgAttempts,
		&r.LastAttemptAt, &r.LastError,
		&r.OpenedAt, &r.LastOpenAt, &r.LastClickAt, &r.LastActivityAt,
		&r.Replied, &r.RepliesCount, &r.LastReplyAt, &r.LastReplySnippet,
		&plan,
	)
	if err != nil {
		return nil, err
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &r.FollowUpPlan); err != nil {
			return nil, fmt.Errorf("decode follow-up plan: %w", err)
		}
	}
	return &r, nil
}

// InsertRows bulk-creates pending ledger rows for a campaign start. Each row
// carries the recipient's follow-up plan mirrored from the campaign's
// follow-up list.
func (s *Store) InsertRows(ctx context.Context, campaignID string, contactIDs []string, followUps []domain.FollowUp, startedAt time.Time) error {
	if len(contactIDs) == 0 {
		return nil
	}

	plan := make([]domain.FollowUpPlanEntry, len(followUps))
	for i, fu := range followUps {
		due := startedAt.Add(time.Duration(fu.DelayMinutes) * time.Minute)
		plan[i] = domain.FollowUpPlanEntry{Name: fu.Name, Status: domain.PlanScheduled, ScheduledFor: &due}
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal follow-up plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert rows: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("campaign_contacts",
		"campaign_id", "contact_id", "status", "attempts", "bg_attempts",
		"current_step_index", "current_step_name", "current_step_attempts", "current_step_bg_attempts",
		"replied", "replies_count", "follow_up_plan", "created_at", "updated_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	now := time.Now().UTC()
	for _, contactID := range contactIDs {
		_, err := stmt.ExecContext(ctx, campaignID, contactID, string(domain.ContactPending), 0, 0,
			domain.InitialStepIndex, "initial", 0, 0,
			false, 0, string(planJSON), now, now)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("copy row for %s: %w", contactID, err)
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

// GetRow loads one ledger row with the contact's email joined in.
func (s *Store) GetRow(ctx context.Context, campaignID, contactID string) (*domain.LedgerRow, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM campaign_contacts cc
		LEFT JOIN contacts c ON c.id = cc.contact_id
		WHERE cc.campaign_id = $1 AND cc.contact_id = $2
	`, campaignID, contactID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger row: %w", err)
	}
	return row, nil
}

// ListRows pages through a campaign's ledger rows.
func (s *Store) ListRows(ctx context.Context, campaignID string, limit, offset int) ([]*domain.LedgerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM campaign_contacts cc
		LEFT JOIN contacts c ON c.id = cc.contact_id
		WHERE cc.campaign_id = $1
		ORDER BY cc.contact_id
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	var out []*domain.LedgerRow
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BeginAttempt is the at-most-once gate. It transitions the row to 'sending'
// and advances the attempt accounting, but only when the step is still owed:
// the initial step requires status 'pending', a follow-up requires the
// initial to be 'sent' and its plan entry still 'scheduled'. A redelivered
// job for an already-handled step matches no row and the caller drops it.
//
// bgAttempt is the queue's attempts_made for this delivery plus one. The
// counters only ever move forward (GREATEST), so a stale redelivery cannot
// roll accounting back.
func (s *Store) BeginAttempt(ctx context.Context, campaignID, contactID string, stepIndex int, stepName string, bgAttempt int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET
			status = 'sending',
			current_step_index = $3,
			current_step_name = $4,
			current_step_attempts = CASE WHEN current_step_index = $3 THEN current_step_attempts + 1 ELSE 1 END,
			current_step_bg_attempts = CASE WHEN current_step_index = $3 THEN GREATEST(current_step_bg_attempts, $5) ELSE $5 END,
			bg_attempts = GREATEST(bg_attempts, $5),
			attempts = CASE WHEN attempts = 0 THEN 1 ELSE attempts END,
			last_attempt_at = NOW(),
			updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
		  AND (
			($3 = -1 AND status = 'pending')
			OR ($3 >= 0 AND status = 'sent' AND follow_up_plan->$3->>'status' = 'scheduled')
		  )
	`, campaignID, contactID, stepIndex, stepName, bgAttempt)
	if err != nil {
		return false, fmt.Errorf("begin attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CommitSent records a successful initial delivery.
func (s *Store) CommitSent(ctx context.Context, campaignID, contactID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = 'sent', last_error = '', updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND status = 'sending'
	`, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("commit sent: %w", err)
	}
	return nil
}

// WriteFailed records a terminal initial-delivery failure.
func (s *Store) WriteFailed(ctx context.Context, campaignID, contactID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = 'failed', last_error = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, lastError)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// WriteIntermediateError records a transient failure with retry budget left.
// The initial step goes back to 'pending' (so a cancel sweep still covers
// it); a follow-up goes back to 'sent'. Attempt counters are untouched; the
// next BeginAttempt advances them.
func (s *Store) WriteIntermediateError(ctx context.Context, campaignID, contactID string, stepIndex int, lastError string) error {
	status := domain.ContactPending
	if stepIndex != domain.InitialStepIndex {
		status = domain.ContactSent
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = $3, last_error = $4, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND status = 'sending'
	`, campaignID, contactID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("write intermediate error: %w", err)
	}
	return nil
}

// WriteThrottleHint annotates the row when admission was denied. Status and
// attempt counters stay put; a denial is scheduling, not delivery.
func (s *Store) WriteThrottleHint(ctx context.Context, campaignID, contactID, hint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET last_error = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, hint)
	if err != nil {
		return fmt.Errorf("write throttle hint: %w", err)
	}
	return nil
}

// MarkFollowUpSent stamps plan entry idx 'sent' and restores the row to
// 'sent'.
func (s *Store) MarkFollowUpSent(ctx context.Context, campaignID, contactID string, idx int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = 'sent',
		    last_error = '',
		    follow_up_plan = jsonb_set(follow_up_plan, ARRAY[$3::text],
				(follow_up_plan->$3) || jsonb_build_object('status', 'sent', 'sent_at', to_jsonb(NOW()))),
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, idx)
	if err != nil {
		return fmt.Errorf("mark follow-up sent: %w", err)
	}
	return nil
}

// MarkFollowUpSkipped stamps plan entry idx 'skipped' with a reason and
// restores the row to 'sent'. Used both for rule skips and for follow-up
// delivery failures, which never fail the recipient.
func (s *Store) MarkFollowUpSkipped(ctx context.Context, campaignID, contactID string, idx int, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = CASE WHEN status = 'sending' THEN 'sent' ELSE status END,
		    follow_up_plan = jsonb_set(follow_up_plan, ARRAY[$3::text],
				(follow_up_plan->$3) || jsonb_build_object('status', 'skipped', 'skipped_at', to_jsonb(NOW()), 'skipped_reason', $4::text)),
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, idx, reason)
	if err != nil {
		return fmt.Errorf("mark follow-up skipped: %w", err)
	}
	return nil
}

// SetOpened records an open. opened_at is set exactly once; last_open_at
// tracks the latest. Returns whether this was the first open.
func (s *Store) SetOpened(ctx context.Context, campaignID, contactID string, at time.Time) (bool, error) {
	var firstOpen bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE campaign_contacts
		SET opened_at = COALESCE(opened_at, $3),
		    last_open_at = $3,
		    last_activity_at = $3,
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
		RETURNING opened_at = $3
	`, campaignID, contactID, at).Scan(&firstOpen)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("set opened: %w", err)
	}
	return firstOpen, nil
}

// SetClicked records a click and backfills the open: a click proves the
// message was seen even when the pixel was blocked. Returns whether the
// open was backfilled by this click.
func (s *Store) SetClicked(ctx context.Context, campaignID, contactID string, at time.Time) (bool, error) {
	var openBackfilled bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE campaign_contacts
		SET last_click_at = $3,
		    last_activity_at = $3,
		    opened_at = COALESCE(opened_at, $3),
		    last_open_at = COALESCE(last_open_at, $3),
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
		RETURNING opened_at = $3
	`, campaignID, contactID, at).Scan(&openBackfilled)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("set clicked: %w", err)
	}
	return openBackfilled, nil
}

// ApplyReply updates the row's reply aggregates.
func (s *Store) ApplyReply(ctx context.Context, campaignID, contactID string, at time.Time, snippet string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET replied = TRUE,
		    replies_count = replies_count + 1,
		    last_reply_at = $3,
		    last_reply_snippet = $4,
		    last_activity_at = $3,
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, at, snippet)
	if err != nil {
		return fmt.Errorf("apply reply: %w", err)
	}
	return nil
}

// HasReply reports whether the recipient has replied. Drives the no_reply
// and replied follow-up rules.
func (s *Store) HasReply(ctx context.Context, campaignID, contactID string) (bool, error) {
	var replied bool
	err := s.db.QueryRowContext(ctx, `
		SELECT replied FROM campaign_contacts WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID).Scan(&replied)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("has reply: %w", err)
	}
	return replied, nil
}

// AggregateTotals recomputes campaign totals from the ledger. Recipients
// count against Processed only once their initial step reaches a terminal
// state; follow-up outcomes never move these numbers.
func (s *Store) AggregateTotals(ctx context.Context, campaignID string) (domain.Totals, error) {
	var t domain.Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('sent', 'failed')),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM campaign_contacts
		WHERE campaign_id = $1
	`, campaignID).Scan(&t.Intended, &t.Processed, &t.Sent, &t.Failed)
	if err != nil {
		return domain.Totals{}, fmt.Errorf("aggregate totals: %w", err)
	}
	return t, nil
}

// CancelPending sweeps every not-yet-terminal row to 'failed' with a
// cancellation marker. Returns the number of rows swept.
func (s *Store) CancelPending(ctx context.Context, campaignID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = 'failed', last_error = 'cancelled', updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('pending', 'sending')
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return res.RowsAffected()
}

// DeleteRows purges a campaign's ledger rows.
func (s *Store) DeleteRows(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaign_contacts WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("delete ledger rows: %w", err)
	}
	return nil
}

// PendingContacts returns recipients whose initial step is still owed.
// The reconciler uses this to re-enqueue rows whose jobs went missing.
func (s *Store) PendingContacts(ctx context.Context, campaignID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id FROM campaign_contacts
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY contact_id
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending contacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EligibleRetryContacts returns failed recipients that can still be retried
// by an operator: the background budget for the current step is exhausted
// (so no automatic retry is coming) and the user-visible attempt counter is
// under the cap.
func (s *Store) EligibleRetryContacts(ctx context.Context, campaignID string, maxAttempts, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id FROM campaign_contacts
		WHERE campaign_id = $1
		  AND status = 'failed'
		  AND last_error <> 'cancelled'
		  AND attempts < $2
		  AND current_step_bg_attempts >= $2
		ORDER BY contact_id
		LIMIT $3
	`, campaignID, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("eligible retries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetForRetry arms a failed recipient for an explicit operator retry: the
// row goes back to 'pending', the user-visible counter advances, and the
// per-step background budget resets so the new job gets a full allowance.
func (s *Store) ResetForRetry(ctx context.Context, campaignID, contactID string, maxAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = 'pending',
		    attempts = attempts + 1,
		    current_step_bg_attempts = 0,
		    last_error = '',
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
		  AND status = 'failed'
		  AND last_error <> 'cancelled'
		  AND attempts < $3
		  AND current_step_bg_attempts >= $3
	`, campaignID, contactID, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("reset for retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseStuckSending returns rows parked in 'sending' longer than maxAge to
// 'pending'. A worker that died between the provider call and the commit
// leaves rows here; releasing them lets the redelivered job re-run the
// BeginAttempt gate.
func (s *Store) ReleaseStuckSending(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET status = CASE WHEN current_step_index = -1 THEN 'pending' ELSE 'sent' END,
		    updated_at = NOW()
		WHERE status = 'sending'
		  AND updated_at < NOW() - $1::interval
	`, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("release stuck sending: %w", err)
	}
	return res.RowsAffected()
}
