// Package replies correlates inbound email back to the campaign recipient
// it answers. Outbound mail carries a plus-addressed Reply-To
// (local+campaignID+contactID@domain); anything arriving on that address is
// matched, deduplicated by fingerprint, and folded into the ledger.
package replies

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pulsemail/relay/internal/bus"
	"github.com/pulsemail/relay/internal/domain"
	"github.com/pulsemail/relay/internal/pkg/logger"
)

// snippetLimit bounds the reply preview stored on the ledger row.
const snippetLimit = 500

// Address builds the plus-addressed Reply-To for one recipient. base is the
// configured reply mailbox (local@domain); an empty base yields "".
func Address(base, campaignID, contactID string) string {
	at := strings.LastIndex(base, "@")
	if at <= 0 {
		return ""
	}
	return fmt.Sprintf("%s+%s+%s@%s", base[:at], campaignID, contactID, base[at+1:])
}

// ParseAddress extracts the campaign and contact ids from a plus-addressed
// recipient. Both ids are normalized; malformed or foreign addresses report
// ok=false.
func ParseAddress(addr string) (campaignID, contactID string, ok bool) {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		// "Name <local+a+b@domain>" display form
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "", "", false
	}
	local := addr[:at]

	parts := strings.Split(local, "+")
	if len(parts) < 3 {
		return "", "", false
	}
	// The two ids are the last two plus-segments; the base local part may
	// itself contain '+'.
	rawCampaign := parts[len(parts)-2]
	rawContact := parts[len(parts)-1]

	campaignID, err := domain.NormalizeID(rawCampaign)
	if err != nil {
		return "", "", false
	}
	contactID, err = domain.NormalizeID(rawContact)
	if err != nil {
		return "", "", false
	}
	return campaignID, contactID, true
}

// Fingerprint derives the idempotency key for an inbound message: the
// Message-ID when the sender supplied one, otherwise a hash over the
// stable header fields and body.
func Fingerprint(messageID, from, to, subject, text string) string {
	if id := strings.TrimSpace(messageID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(from + "|" + to + "|" + subject + "|" + text))
	return hex.EncodeToString(sum[:])
}

// Inbound is one raw inbound message from the provider webhook.
type Inbound struct {
	From      string
	To        []string
	Subject   string
	MessageID string
	Text      string
	HTML      string
	Headers   map[string]string
}

// Store is the slice of the ledger the correlator writes through.
type Store interface {
	InsertReply(ctx context.Context, r *domain.Reply) (bool, error)
	ApplyReply(ctx context.Context, campaignID, contactID string, at time.Time, snippet string) error
	InsertEvent(ctx context.Context, e *domain.CampaignEvent) error
	GetRow(ctx context.Context, campaignID, contactID string) (*domain.LedgerRow, error)
}

// Publisher is the pub/sub surface replies are announced on.
type Publisher interface {
	PublishContactUpdate(ctx context.Context, u bus.ContactUpdate)
	PublishEvent(ctx context.Context, campaignID string, payload any)
}

// Correlator matches inbound mail to ledger rows.
type Correlator struct {
	store Store
	pub   Publisher
}

// NewCorrelator creates a Correlator.
func NewCorrelator(store Store, pub Publisher) *Correlator {
	return &Correlator{store: store, pub: pub}
}

// Process handles one inbound message. Unmatchable mail and duplicate
// deliveries are dropped without error; the webhook should always ack.
func (c *Correlator) Process(ctx context.Context, msg *Inbound) error {
	campaignID, contactID, to, ok := c.match(msg.To)
	if !ok {
		log.Printf("[Replies] unmatched inbound from %s", logger.RedactEmail(msg.From))
		return nil
	}

	// The address encodes the pair, but only an existing row accepts it
	if _, err := c.store.GetRow(ctx, campaignID, contactID); err != nil {
		log.Printf("[Replies] no ledger row for %s/%s", campaignID, contactID)
		return nil
	}

	reply := &domain.Reply{
		Fingerprint: Fingerprint(msg.MessageID, msg.From, to, msg.Subject, msg.Text),
		CampaignID:  campaignID,
		ContactID:   contactID,
		From:        msg.From,
		To:          to,
		Subject:     msg.Subject,
		MessageID:   msg.MessageID,
		Text:        msg.Text,
		HTML:        msg.HTML,
		Headers:     msg.Headers,
		CreatedAt:   time.Now().UTC(),
	}

	inserted, err := c.store.InsertReply(ctx, reply)
	if err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	if !inserted {
		// Webhook redelivery
		return nil
	}

	now := time.Now().UTC()
	if err := c.store.ApplyReply(ctx, campaignID, contactID, now, snippet(msg.Text, msg.HTML)); err != nil {
		return fmt.Errorf("apply reply: %w", err)
	}

	event := &domain.CampaignEvent{
		CampaignID: campaignID,
		ContactID:  contactID,
		Type:       domain.EventReply,
		Note:       truncate(msg.Subject, 200),
	}
	if err := c.store.InsertEvent(ctx, event); err != nil {
		log.Printf("[Replies] reply event: %v", err)
	}

	update := bus.ContactUpdate{
		CampaignID:  campaignID,
		ContactID:   contactID,
		Event:       string(domain.EventReply),
		LastReplyAt: &now,
	}
	if row, err := c.store.GetRow(ctx, campaignID, contactID); err == nil {
		update.RepliesCount = &row.RepliesCount
	}
	c.pub.PublishContactUpdate(ctx, update)
	c.pub.PublishEvent(ctx, campaignID, map[string]any{
		"type":      string(domain.EventReply),
		"contactId": contactID,
	})

	log.Printf("[Replies] reply matched to %s/%s", campaignID, contactID)
	return nil
}

// match scans the recipient list for the first parseable plus-address.
func (c *Correlator) match(recipients []string) (campaignID, contactID, matched string, ok bool) {
	for _, to := range recipients {
		if cid, kid, parsed := ParseAddress(to); parsed {
			return cid, kid, to, true
		}
	}
	return "", "", "", false
}

// snippet prefers the text body and falls back to de-tagged HTML.
func snippet(text, html string) string {
	s := strings.TrimSpace(text)
	if s == "" && html != "" {
		s = strings.TrimSpace(stripTags(html))
	}
	return truncate(s, snippetLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
