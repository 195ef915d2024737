package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pulsemail/relay/internal/domain"
)

// ErrNotFound is returned when a campaign or ledger row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the engine's Postgres tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share it (queue,
// migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateCampaign inserts the campaign document in 'running' state.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	initial, err := json.Marshal(c.Initial)
	if err != nil {
		return fmt.Errorf("marshal initial step: %w", err)
	}
	followUps, err := json.Marshal(c.FollowUps)
	if err != nil {
		return fmt.Errorf("marshal follow-ups: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, status, total_intended, total_processed, total_sent, total_failed,
			initial_step, follow_ups, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6, NOW(), NOW())
	`, c.ID, c.Name, string(c.Status), c.Totals.Intended, initial, followUps)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign loads one campaign document.
func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var (
		c         domain.Campaign
		status    string
		initial   []byte
		followUps []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, total_intended, total_processed, total_sent, total_failed,
		       initial_step, follow_ups, created_at, updated_at, completed_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &status,
		&c.Totals.Intended, &c.Totals.Processed, &c.Totals.Sent, &c.Totals.Failed,
		&initial, &followUps, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	c.Status = domain.CampaignStatus(status)
	if err := json.Unmarshal(initial, &c.Initial); err != nil {
		return nil, fmt.Errorf("decode initial step: %w", err)
	}
	if len(followUps) > 0 {
		if err := json.Unmarshal(followUps, &c.FollowUps); err != nil {
			return nil, fmt.Errorf("decode follow-ups: %w", err)
		}
	}
	return &c, nil
}

// ListCampaigns returns campaign documents, newest first.
func (s *Store) ListCampaigns(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM campaigns ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Campaign, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SetCampaignStatus transitions the campaign status. When the status is
// terminal, completed_at is stamped once.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = $2, completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
			WHERE id = $1
		`, id, string(status))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns SET status = $2, completed_at = NULL, updated_at = NOW() WHERE id = $1
		`, id, string(status))
	}
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCampaignTotals writes ledger-derived totals onto the document.
func (s *Store) UpdateCampaignTotals(ctx context.Context, id string, t domain.Totals) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET total_intended = $2, total_processed = $3, total_sent = $4, total_failed = $5, updated_at = NOW()
		WHERE id = $1
	`, id, t.Intended, t.Processed, t.Sent, t.Failed)
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	return nil
}

// DeleteCampaign removes the campaign document. Ledger rows, events, and
// replies are deleted separately so the control plane can order the purge.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
