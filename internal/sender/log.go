package sender

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemail/relay/internal/pkg/logger"
)

// LogSender accepts every message without delivering anything. Used when no
// provider is configured, so the whole pipeline can run locally.
type LogSender struct{}

// NewLogSender creates a LogSender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// Send logs the message and reports success.
func (s *LogSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	log.Printf("[DryRun] would send %q to %s (campaign=%s)",
		msg.Subject, logger.RedactEmail(msg.To), msg.CampaignID)
	return &Result{
		MessageID: "dry-run-" + uuid.New().String(),
		SentAt:    time.Now().UTC(),
	}, nil
}
