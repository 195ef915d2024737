package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pulsemail/relay/internal/domain"
)

// InsertEvent appends one engagement event. Events are never updated or
// deleted while the campaign lives.
func (s *Store) InsertEvent(ctx context.Context, e *domain.CampaignEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_events (id, campaign_id, contact_id, type, url, user_agent, ip, note, trace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, e.ID, e.CampaignID, e.ContactID, string(e.Type), e.URL, e.UserAgent, e.IP, e.Note, e.Trace)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents pages a campaign's engagement log, newest first.
func (s *Store) ListEvents(ctx context.Context, campaignID string, limit, offset int) ([]*domain.CampaignEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, contact_id, type,
		       COALESCE(url, ''), COALESCE(user_agent, ''), COALESCE(ip, ''),
		       COALESCE(note, ''), COALESCE(trace, ''), created_at
		FROM campaign_events
		WHERE campaign_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*domain.CampaignEvent
	for rows.Next() {
		var e domain.CampaignEvent
		var typ string
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.ContactID, &typ,
			&e.URL, &e.UserAgent, &e.IP, &e.Note, &e.Trace, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteEvents purges a campaign's engagement log.
func (s *Store) DeleteEvents(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaign_events WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// InsertReply stores an inbound reply, idempotent on fingerprint. Returns
// false when the reply was already recorded (webhook redelivery).
func (s *Store) InsertReply(ctx context.Context, r *domain.Reply) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return false, fmt.Errorf("marshal headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replies (id, fingerprint, campaign_id, contact_id, from_addr, to_addr,
			subject, message_id, body_text, body_html, headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (fingerprint) DO NOTHING
	`, r.ID, r.Fingerprint, r.CampaignID, r.ContactID, r.From, r.To,
		r.Subject, r.MessageID, r.Text, r.HTML, headers)
	if err != nil {
		return false, fmt.Errorf("insert reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListReplies pages a campaign's replies, newest first.
func (s *Store) ListReplies(ctx context.Context, campaignID string, limit, offset int) ([]*domain.Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, campaign_id, contact_id, from_addr, to_addr,
		       COALESCE(subject, ''), COALESCE(message_id, ''),
		       COALESCE(body_text, ''), COALESCE(body_html, ''), headers, created_at
		FROM replies
		WHERE campaign_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reply
	for rows.Next() {
		var r domain.Reply
		var headers []byte
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.CampaignID, &r.ContactID, &r.From, &r.To,
			&r.Subject, &r.MessageID, &r.Text, &r.HTML, &headers, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &r.Headers); err != nil {
				return nil, fmt.Errorf("decode headers: %w", err)
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteReplies purges a campaign's replies.
func (s *Store) DeleteReplies(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM replies WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("delete replies: %w", err)
	}
	return nil
}

// UpsertContacts inserts or refreshes recipients in the contact directory.
func (s *Store) UpsertContacts(ctx context.Context, contacts []domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert contacts: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contacts (id, email, first_name, last_name, custom_fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			custom_fields = EXCLUDED.custom_fields,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		fields, err := json.Marshal(c.CustomFields)
		if err != nil {
			return fmt.Errorf("marshal custom fields for %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Email, c.FirstName, c.LastName, fields); err != nil {
			return fmt.Errorf("upsert contact %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetContact loads one recipient.
func (s *Store) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var c domain.Contact
	var fields []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), custom_fields
		FROM contacts WHERE id = $1
	`, id).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &fields)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return &c, nil
}

// FindContactByEmail resolves a recipient by address, case-insensitively.
func (s *Store) FindContactByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM contacts WHERE LOWER(email) = LOWER($1) LIMIT 1
	`, email).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find contact by email: %w", err)
	}
	return s.GetContact(ctx, id)
}
