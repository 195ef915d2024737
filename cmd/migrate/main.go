// Command migrate creates or updates the engine's Postgres schema. The
// statements are idempotent (IF NOT EXISTS everywhere), so re-running after
// a deploy is always safe.
package main

import (
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'running',
		total_intended  INTEGER NOT NULL DEFAULT 0,
		total_processed INTEGER NOT NULL DEFAULT 0,
		total_sent      INTEGER NOT NULL DEFAULT 0,
		total_failed    INTEGER NOT NULL DEFAULT 0,
		initial_step    JSONB NOT NULL DEFAULT '{}'::jsonb,
		follow_ups      JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns (status)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_created ON campaigns (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL,
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT NOT NULL DEFAULT '',
		custom_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (LOWER(email))`,

	`CREATE TABLE IF NOT EXISTS campaign_contacts (
		campaign_id              TEXT NOT NULL,
		contact_id               TEXT NOT NULL,
		status                   TEXT NOT NULL DEFAULT 'pending',
		attempts                 INTEGER NOT NULL DEFAULT 0,
		bg_attempts              INTEGER NOT NULL DEFAULT 0,
		current_step_index       INTEGER NOT NULL DEFAULT -1,
		current_step_name        TEXT NOT NULL DEFAULT 'initial',
		current_step_attempts    INTEGER NOT NULL DEFAULT 0,
		current_step_bg_attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at          TIMESTAMPTZ,
		last_error               TEXT,
		opened_at                TIMESTAMPTZ,
		last_open_at             TIMESTAMPTZ,
		last_click_at            TIMESTAMPTZ,
		last_activity_at         TIMESTAMPTZ,
		replied                  BOOLEAN NOT NULL DEFAULT FALSE,
		replies_count            INTEGER NOT NULL DEFAULT 0,
		last_reply_at            TIMESTAMPTZ,
		last_reply_snippet       TEXT,
		follow_up_plan           JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (campaign_id, contact_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cc_status ON campaign_contacts (campaign_id, status)`,

	`CREATE TABLE IF NOT EXISTS campaign_events (
		id          TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		contact_id  TEXT NOT NULL,
		type        TEXT NOT NULL,
		url         TEXT NOT NULL DEFAULT '',
		user_agent  TEXT NOT NULL DEFAULT '',
		ip          TEXT NOT NULL DEFAULT '',
		note        TEXT NOT NULL DEFAULT '',
		trace       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_campaign ON campaign_events (campaign_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS replies (
		id          TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		contact_id  TEXT NOT NULL,
		from_addr   TEXT NOT NULL DEFAULT '',
		to_addr     TEXT NOT NULL DEFAULT '',
		subject     TEXT NOT NULL DEFAULT '',
		message_id  TEXT NOT NULL DEFAULT '',
		body_text   TEXT NOT NULL DEFAULT '',
		body_html   TEXT NOT NULL DEFAULT '',
		headers     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_replies_fingerprint ON replies (fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_replies_campaign ON replies (campaign_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id            BIGSERIAL PRIMARY KEY,
		campaign_id   TEXT NOT NULL,
		contact_id    TEXT NOT NULL,
		step_index    INTEGER NOT NULL DEFAULT -1,
		attempts_made INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'queued',
		scheduled_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		claimed_by    TEXT,
		claimed_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON delivery_jobs (status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON delivery_jobs (campaign_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_contact_step ON delivery_jobs (campaign_id, contact_id, step_index)`,
}

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	for i, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("statement %d: %v", i+1, err)
		}
	}
	log.Printf("Schema up to date (%d statements applied)", len(statements))
}
