package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pulsemail/relay/internal/domain"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestGetCampaignDecodesDocument(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	now := time.Now()
	initial := []byte(`{"subject":"Hello","body":"<p>hi</p>"}`)
	followUps := []byte(`[{"name":"bump","delay_minutes":60,"rule":"no_reply","subject":"Re: Hello","body":"ping"}]`)

	mock.ExpectQuery(`SELECT id, name, status, total_intended`).
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "status", "total_intended", "total_processed", "total_sent", "total_failed",
			"initial_step", "follow_ups", "created_at", "updated_at", "completed_at",
		}).AddRow("camp-1", "launch", "running", 10, 4, 3, 1, initial, followUps, now, now, nil))

	c, err := s.GetCampaign(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.Status != domain.CampaignRunning {
		t.Fatalf("status: %s", c.Status)
	}
	if c.Initial.Subject != "Hello" {
		t.Fatalf("initial subject: %q", c.Initial.Subject)
	}
	if len(c.FollowUps) != 1 || c.FollowUps[0].Rule != domain.RuleNoReply {
		t.Fatalf("follow-ups: %+v", c.FollowUps)
	}
	if c.Totals.Sent != 3 {
		t.Fatalf("totals: %+v", c.Totals)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectQuery(`SELECT id, name, status`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetCampaign(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginAttemptGate(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	// First delivery: the pending row matches and the update proceeds.
	mock.ExpectExec(`UPDATE campaign_contacts SET[\s\S]*status = 'sending'`).
		WithArgs("camp-1", "c1", -1, "initial", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.BeginAttempt(context.Background(), "camp-1", "c1", -1, "initial", 1)
	if err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	if !ok {
		t.Fatal("expected gate to open for a pending row")
	}

	// Redelivery of an already-sent step matches no row.
	mock.ExpectExec(`UPDATE campaign_contacts SET[\s\S]*status = 'sending'`).
		WithArgs("camp-1", "c1", -1, "initial", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.BeginAttempt(context.Background(), "camp-1", "c1", -1, "initial", 1)
	if err != nil {
		t.Fatalf("begin attempt: %v", err)
	}
	if ok {
		t.Fatal("gate must stay closed for a handled step")
	}
}

func TestSetOpenedFirstAndRepeat(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	at := time.Now()

	mock.ExpectQuery(`UPDATE campaign_contacts[\s\S]*opened_at = COALESCE`).
		WithArgs("camp-1", "c1", at).
		WillReturnRows(sqlmock.NewRows([]string{"first"}).AddRow(true))

	first, err := s.SetOpened(context.Background(), "camp-1", "c1", at)
	if err != nil {
		t.Fatalf("set opened: %v", err)
	}
	if !first {
		t.Fatal("expected first open")
	}

	mock.ExpectQuery(`UPDATE campaign_contacts[\s\S]*opened_at = COALESCE`).
		WithArgs("camp-1", "c1", at).
		WillReturnRows(sqlmock.NewRows([]string{"first"}).AddRow(false))

	first, err = s.SetOpened(context.Background(), "camp-1", "c1", at)
	if err != nil {
		t.Fatalf("set opened: %v", err)
	}
	if first {
		t.Fatal("repeat open must not report first")
	}
}

func TestAggregateTotals(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectQuery(`SELECT[\s\S]*FROM campaign_contacts`).
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"intended", "processed", "sent", "failed"}).
			AddRow(10, 7, 6, 1))

	totals, err := s.AggregateTotals(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	want := domain.Totals{Intended: 10, Processed: 7, Sent: 6, Failed: 1}
	if totals != want {
		t.Fatalf("totals: got %+v want %+v", totals, want)
	}
}

func TestCancelPendingSweep(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	mock.ExpectExec(`UPDATE campaign_contacts\s+SET status = 'failed', last_error = 'cancelled'`).
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.CancelPending(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 swept, got %d", n)
	}
}

func TestInsertReplyIdempotent(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	reply := &domain.Reply{
		Fingerprint: "msg-id-1",
		CampaignID:  "camp-1",
		ContactID:   "c1",
		From:        "alice@example.com",
		To:          "hello+camp-1+c1@relay.example.com",
	}

	mock.ExpectExec(`INSERT INTO replies[\s\S]*ON CONFLICT \(fingerprint\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := s.InsertReply(context.Background(), reply)
	if err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to land")
	}

	mock.ExpectExec(`INSERT INTO replies[\s\S]*ON CONFLICT \(fingerprint\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = s.InsertReply(context.Background(), reply)
	if err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	if inserted {
		t.Fatal("redelivered reply must be a no-op")
	}
}

func TestResetForRetryEligibility(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	// Eligible row: failed, budget exhausted, attempts under the cap.
	mock.ExpectExec(`UPDATE campaign_contacts\s+SET status = 'pending',\s+attempts = attempts \+ 1`).
		WithArgs("camp-1", "c1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ResetForRetry(context.Background(), "camp-1", "c1", 3)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !ok {
		t.Fatal("expected eligible row to reset")
	}

	// Ineligible row matches nothing.
	mock.ExpectExec(`UPDATE campaign_contacts\s+SET status = 'pending',\s+attempts = attempts \+ 1`).
		WithArgs("camp-1", "c2", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.ResetForRetry(context.Background(), "camp-1", "c2", 3)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok {
		t.Fatal("ineligible row must not reset")
	}
}

func TestGetRowDecodesPlan(t *testing.T) {
	s, mock, done := setupTestDB(t)
	defer done()

	plan := []byte(`[{"status":"scheduled","scheduled_for":"2026-08-24T12:00:00Z"}]`)
	now := time.Now()

	cols := []string{
		"campaign_id", "contact_id", "email", "status",
		"attempts", "bg_attempts",
		"current_step_index", "current_step_name", "current_step_attempts", "current_step_bg_attempts",
		"last_attempt_at", "last_error",
		"opened_at", "last_open_at", "last_click_at", "last_activity_at",
		"replied", "replies_count", "last_reply_at", "last_reply_snippet",
		"follow_up_plan",
	}
	mock.ExpectQuery(`SELECT[\s\S]*FROM campaign_contacts cc`).
		WithArgs("camp-1", "c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"camp-1", "c1", "bob@example.com", "sent",
			1, 2,
			-1, "initial", 2, 2,
			now, "",
			nil, nil, nil, nil,
			false, 0, nil, "",
			plan,
		))

	row, err := s.GetRow(context.Background(), "camp-1", "c1")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row.Email != "bob@example.com" || row.Status != domain.ContactSent {
		t.Fatalf("row mismatch: %+v", row)
	}
	if len(row.FollowUpPlan) != 1 || row.FollowUpPlan[0].Status != domain.PlanScheduled {
		t.Fatalf("plan mismatch: %+v", row.FollowUpPlan)
	}
}
