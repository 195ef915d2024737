package domain

import "time"

// ContactStatus enumerates the per-recipient delivery states.
type ContactStatus string

const (
	ContactPending    ContactStatus = "pending"
	ContactSending    ContactStatus = "sending"
	ContactSent       ContactStatus = "sent"
	ContactFailed     ContactStatus = "failed"
	ContactManualHold ContactStatus = "manual_hold"
)

// PlanStatus is the state of a single follow-up plan entry.
type PlanStatus string

const (
	PlanScheduled PlanStatus = "scheduled"
	PlanSent      PlanStatus = "sent"
	PlanSkipped   PlanStatus = "skipped"
)

// FollowUpPlanEntry mirrors one campaign follow-up for a single recipient.
type FollowUpPlanEntry struct {
	Name          string     `json:"name,omitempty"`
	Status        PlanStatus `json:"status"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	SkippedAt     *time.Time `json:"skipped_at,omitempty"`
	SkippedReason string     `json:"skipped_reason,omitempty"`
}

// LedgerRow is the authoritative per-(campaign, contact) state record. The
// pair (CampaignID, ContactID) is unique; every state transition is a
// targeted update on that composite key so replays are idempotent.
//
// Attempts is the user-visible counter: it advances on the first real
// delivery attempt and on explicit control-plane retries. BgAttempts is the
// queue-driver counter for the current step; it advances on every real
// delivery attempt and never on throttle denials.
type LedgerRow struct {
	CampaignID string        `json:"campaign_id"`
	ContactID  string        `json:"contact_id"`
	Email      string        `json:"email"`
	Status     ContactStatus `json:"status"`

	Attempts   int `json:"attempts"`
	BgAttempts int `json:"bg_attempts"`

	CurrentStepIndex      int    `json:"current_step_index"`
	CurrentStepName       string `json:"current_step_name"`
	CurrentStepAttempts   int    `json:"current_step_attempts"`
	CurrentStepBgAttempts int    `json:"current_step_bg_attempts"`

	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	LastOpenAt     *time.Time `json:"last_open_at,omitempty"`
	LastClickAt    *time.Time `json:"last_click_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	Replied          bool       `json:"replied"`
	RepliesCount     int        `json:"replies_count"`
	LastReplyAt      *time.Time `json:"last_reply_at,omitempty"`
	LastReplySnippet string     `json:"last_reply_snippet,omitempty"`

	FollowUpPlan []FollowUpPlanEntry `json:"follow_up_plan,omitempty"`
}

// Contact is an imported recipient.
type Contact struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	FirstName    string            `json:"first_name,omitempty"`
	LastName     string            `json:"last_name,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}
