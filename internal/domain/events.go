package domain

import "time"

// EventType enumerates the append-only engagement event kinds.
type EventType string

const (
	EventOpen            EventType = "open"
	EventClick           EventType = "click"
	EventReply           EventType = "reply"
	EventFollowUpSent    EventType = "followup_sent"
	EventFollowUpSkipped EventType = "followup_skipped"
)

// CampaignEvent is one row of the append-only engagement log. Events are
// never mutated; analytics aggregate over them.
type CampaignEvent struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	ContactID  string    `json:"contact_id"`
	Type       EventType `json:"type"`
	URL        string    `json:"url,omitempty"`
	UserAgent  string    `json:"ua,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Note       string    `json:"note,omitempty"`
	Trace      string    `json:"trace,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reply is an inbound reply, idempotent by Fingerprint (the Message-ID when
// present, otherwise a hash over from|to|subject|body).
type Reply struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	CampaignID  string            `json:"campaign_id"`
	ContactID   string            `json:"contact_id"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Subject     string            `json:"subject,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
