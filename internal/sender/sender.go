// Package sender abstracts the outbound mail provider. The delivery worker
// depends only on the Sender interface; the concrete SES implementation (and
// the in-memory fake used in tests) live behind it.
package sender

import (
	"context"
	"fmt"
	"time"
)

// Message is one fully rendered outbound email.
type Message struct {
	CampaignID string
	ContactID  string
	To         string
	FromName   string
	FromEmail  string
	ReplyTo    string
	Subject    string
	HTML       string
	Text       string
}

// Result reports an accepted send.
type Result struct {
	MessageID string
	SentAt    time.Time
}

// SendError is a provider rejection. Code carries the SMTP-style status
// when the provider exposes one (zero otherwise); classification of
// transient vs permanent vs throttle happens in the worker, on top of Code
// and the message text.
type SendError struct {
	Code int
	Msg  string
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider rejected (%d): %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("provider rejected: %s", e.Msg)
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}
