package db

import (
	"context"
	"testing"
	"time"
)

func newTestQueries(t *testing.T) *Queries {
	t.Helper()
	database, err := NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewQueries(database)
}

func testJob(dealID string, priority int) Job {
	now := time.Now().UTC()
	return Job{
		ID:        "order-" + dealID,
		DealID:    dealID,
		Payload:   []byte(`{"deal_id":"` + dealID + `"}`),
		Priority:  priority,
		NextRunAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestUpsertJobIsIdempotent(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.UpsertJob(ctx, testJob("d1", 10)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := q.UpsertJob(ctx, testJob("d1", 20)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	counts, err := q.CountJobsByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[JobWaiting] != 1 {
		t.Fatalf("waiting=%d, expected 1", counts[JobWaiting])
	}

	j, err := q.GetJob(ctx, "order-d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Priority != 20 {
		t.Fatalf("priority=%d, expected refreshed 20", j.Priority)
	}
}

func TestUpsertPreservesActiveState(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.UpsertJob(ctx, testJob("d1", 10)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	claimed, err := q.ClaimJob(ctx, "order-d1")
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	// Re-admission while the tick is in flight must not reopen the row
	// for a second claim.
	if err := q.UpsertJob(ctx, testJob("d1", 20)); err != nil {
		t.Fatalf("re-admit: %v", err)
	}

	j, err := q.GetJob(ctx, "order-d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != JobActive {
		t.Fatalf("state=%s, expected active preserved", j.State)
	}
	if j.Priority != 20 {
		t.Fatalf("priority=%d, expected refreshed 20", j.Priority)
	}

	claimed, err = q.ClaimJob(ctx, "order-d1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("active job claimable after re-admission")
	}
}

func TestUpsertResetsFailedJob(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.UpsertJob(ctx, testJob("d1", 10)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := q.FailJob(ctx, "order-d1", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := q.UpsertJob(ctx, testJob("d1", 10)); err != nil {
		t.Fatalf("re-admit: %v", err)
	}

	j, err := q.GetJob(ctx, "order-d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != JobWaiting || j.Attempts != 0 || j.LastError != "" {
		t.Fatalf("job not reset: state=%s attempts=%d err=%q", j.State, j.Attempts, j.LastError)
	}
}

func TestClaimJobIsExclusive(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.UpsertJob(ctx, testJob("d1", 10)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ok, err := q.ClaimJob(ctx, "order-d1")
	if err != nil || !ok {
		t.Fatalf("first claim ok=%v err=%v, expected success", ok, err)
	}
	ok, err = q.ClaimJob(ctx, "order-d1")
	if err != nil {
		t.Fatalf("second claim err: %v", err)
	}
	if ok {
		t.Fatal("second claim succeeded; active jobs must be exclusive")
	}
}

func TestDueJobsOrderedByPriority(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	for deal, prio := range map[string]int{"low": 5, "high": 500, "mid": 50} {
		if err := q.UpsertJob(ctx, testJob(deal, prio)); err != nil {
			t.Fatalf("upsert %s: %v", deal, err)
		}
	}

	due, err := q.DueJobs(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("got %d due jobs, expected 3", len(due))
	}
	if due[0].DealID != "high" || due[2].DealID != "low" {
		t.Fatalf("unexpected order: %s, %s, %s", due[0].DealID, due[1].DealID, due[2].DealID)
	}
}

func TestDelayedJobBecomesDueAfterBackoff(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.UpsertJob(ctx, testJob("d1", 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := q.ClaimJob(ctx, "order-d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	backoffUntil := time.Now().Add(10 * time.Second)
	if err := q.DelayJob(ctx, "order-d1", backoffUntil, 1, "price unavailable"); err != nil {
		t.Fatalf("delay: %v", err)
	}

	due, err := q.DueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("delayed job surfaced before backoff elapsed")
	}

	due, err = q.DueJobs(ctx, backoffUntil.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("due after backoff: %v", err)
	}
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("expected one due job with attempts=1, got %+v", due)
	}
}

func TestExpiredJobsExcludedFromDue(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	j := testJob("d1", 1)
	j.ExpiresAt = time.Now().Add(-time.Minute)
	if err := q.UpsertJob(ctx, j); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	due, err := q.DueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("expired job must not be due")
	}

	expired, err := q.ExpiredJobs(ctx, time.Now())
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].DealID != "d1" {
		t.Fatalf("expected d1 expired, got %+v", expired)
	}
}

func TestResetActiveJobs(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	if err := q.UpsertJob(ctx, testJob("d1", 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := q.ClaimJob(ctx, "order-d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := q.ResetActiveJobs(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d jobs, expected 1", n)
	}

	j, err := q.GetJob(ctx, "order-d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != JobWaiting {
		t.Fatalf("state=%s, expected waiting", j.State)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	entry := DeadLetterJob{
		ID:       "order-d1",
		DealID:   "d1",
		Payload:  []byte(`{}`),
		Error:    "retries exhausted",
		FailedAt: time.Now(),
	}
	if err := q.InsertDeadLetter(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := q.GetDeadLetter(ctx, "order-d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Error != "retries exhausted" {
		t.Fatalf("error=%q", got.Error)
	}

	n, err := q.CountDeadLetters(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count=%d err=%v", n, err)
	}

	ok, err := q.DeleteDeadLetter(ctx, "order-d1")
	if err != nil || !ok {
		t.Fatalf("delete ok=%v err=%v", ok, err)
	}
	if _, err := q.GetDeadLetter(ctx, "order-d1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
