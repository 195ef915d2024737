package domain

import (
	"fmt"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignRunning               CampaignStatus = "running"
	CampaignPaused                CampaignStatus = "paused"
	CampaignCancelled             CampaignStatus = "cancelled"
	CampaignCompleted             CampaignStatus = "completed"
	CampaignCompletedWithFailures CampaignStatus = "completed_with_failures"
)

// Terminal reports whether the status is an end state under normal operation.
// Only a control-plane delete removes a campaign once it is terminal.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCompletedWithFailures || s == CampaignCancelled
}

// FollowUpRule decides whether a scheduled follow-up should be sent.
type FollowUpRule string

const (
	RuleAlways  FollowUpRule = "always"
	RuleNoReply FollowUpRule = "no_reply"
	RuleReplied FollowUpRule = "replied"
)

// InitialStepIndex is the step index of a campaign's initial message.
// Follow-ups are indexed 0..N-1.
const InitialStepIndex = -1

// Attachment is a file referenced by a message step. The engine never loads
// attachment bytes itself; the sender resolves the URL at delivery time.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url"`
}

// Step is the renderable content of the initial message.
type Step struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// FollowUp is a scheduled follow-up message relative to the initial send.
type FollowUp struct {
	Name         string       `json:"name,omitempty"`
	DelayMinutes int          `json:"delay_minutes"`
	Rule         FollowUpRule `json:"rule"`
	Subject      string       `json:"subject"`
	Body         string       `json:"body"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// Validate checks the fields an operator can get wrong when starting a
// campaign. Delays must be positive; a zero delay would race the initial send.
func (f FollowUp) Validate() error {
	if f.DelayMinutes <= 0 {
		return fmt.Errorf("follow-up %q: delay_minutes must be > 0", f.Name)
	}
	switch f.Rule {
	case RuleAlways, RuleNoReply, RuleReplied:
	default:
		return fmt.Errorf("follow-up %q: unknown rule %q", f.Name, f.Rule)
	}
	return nil
}

// StepName returns the display name for a step index.
func StepName(idx int, followUps []FollowUp) string {
	if idx == InitialStepIndex {
		return "initial"
	}
	if idx >= 0 && idx < len(followUps) && followUps[idx].Name != "" {
		return followUps[idx].Name
	}
	return fmt.Sprintf("follow-up %d", idx+1)
}

// Totals are the recipient-level counters for a campaign. They count the
// initial step only; follow-up outcomes never alter Processed.
type Totals struct {
	Intended  int `json:"intended"`
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Campaign is the authoritative campaign document. It is created on start,
// mutated only by the control plane and the finalizer, and deleted by the
// control plane with confirmation.
type Campaign struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      CampaignStatus `json:"status"`
	Totals      Totals         `json:"totals"`
	Initial     Step           `json:"initial"`
	FollowUps   []FollowUp     `json:"follow_ups"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Definition is the immutable send plan cached per campaign. Workers read it
// on every job; only the control plane deletes it.
type Definition struct {
	Initial   Step       `json:"initial"`
	FollowUps []FollowUp `json:"follow_ups"`
	Contacts  []string   `json:"contacts"`
}
