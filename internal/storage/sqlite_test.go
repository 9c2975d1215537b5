package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "capsules.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedUser(t *testing.T, st Store, id, email string) {
	t.Helper()
	if err := st.UpsertUser(context.Background(), capsule.User{ID: id, Email: email}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
}

func TestCapsuleRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "owner@example.com")

	when := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	c := &capsule.Capsule{
		UserID:       "u1",
		Title:        "graduation",
		Content:      "open this when you graduate",
		Status:       capsule.StatusScheduled,
		ScheduledFor: when,
		SelfDestruct: true,
		TrackName:    "Time",
		TrackArtist:  "Pink Floyd",
		LocationName: "campus quad",
	}
	if err := st.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" {
		t.Fatal("create did not assign an id")
	}

	got, err := st.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != c.Title || got.Status != capsule.StatusScheduled {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.ScheduledFor.Equal(when) {
		t.Fatalf("scheduled_for = %v, want %v", got.ScheduledFor, when)
	}
	if !got.SelfDestruct {
		t.Fatal("self_destruct lost in round trip")
	}
	if got.DeliveredAt != nil {
		t.Fatalf("delivered_at should start nil, got %v", got.DeliveredAt)
	}

	got.Title = "graduation day"
	if err := st.UpdateCapsule(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := st.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if again.Title != "graduation day" {
		t.Fatalf("title = %q after update", again.Title)
	}
}

func TestGetCapsuleNotFound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	_, err := st.GetCapsule(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if IsTransient(err) {
		t.Fatal("not-found must not be classified transient")
	}
}

func TestListDueCandidatesOrderAndFilter(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "owner@example.com")

	base := time.Now().Truncate(time.Millisecond)
	mk := func(title string, status capsule.Status, offset time.Duration) {
		t.Helper()
		err := st.CreateCapsule(ctx, &capsule.Capsule{
			UserID: "u1", Title: title, Content: "x",
			Status: status, ScheduledFor: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
	}
	mk("later", capsule.StatusScheduled, 2*time.Hour)
	mk("sooner", capsule.StatusScheduled, -time.Hour)
	mk("draft", capsule.StatusDraft, -2*time.Hour)
	mk("done", capsule.StatusDelivered, -3*time.Hour)

	due, err := st.ListDueCandidates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d candidates, want 2 (scheduled only)", len(due))
	}
	if due[0].Title != "sooner" || due[1].Title != "later" {
		t.Fatalf("not ordered oldest first: %s, %s", due[0].Title, due[1].Title)
	}
}

func TestMarkCapsuleDelivered(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "owner@example.com")

	c := &capsule.Capsule{UserID: "u1", Title: "t", Content: "c",
		Status: capsule.StatusScheduled, ScheduledFor: time.Now()}
	if err := st.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().Truncate(time.Millisecond)
	if err := st.MarkCapsuleDelivered(ctx, c.ID, at); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, err := st.GetCapsule(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != capsule.StatusDelivered {
		t.Fatalf("status = %s, want delivered", got.Status)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) {
		t.Fatalf("delivered_at = %v, want %v", got.DeliveredAt, at)
	}

	if err := st.MarkCapsuleDelivered(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("marking missing capsule: err = %v, want ErrNotFound", err)
	}
}

func TestRecipientsLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "owner@example.com")

	c := &capsule.Capsule{UserID: "u1", Title: "t", Content: "c",
		Status: capsule.StatusScheduled, ScheduledFor: time.Now()}
	if err := st.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	recs := []capsule.Recipient{
		{CapsuleID: c.ID, Email: "a@example.com", Name: "A"},
		{CapsuleID: c.ID, Email: "b@example.com", Name: "B"},
	}
	if err := st.AddRecipients(ctx, recs); err != nil {
		t.Fatalf("add recipients: %v", err)
	}

	list, err := st.ListRecipients(ctx, c.ID)
	if err != nil {
		t.Fatalf("list recipients: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d recipients, want 2", len(list))
	}
	for _, r := range list {
		if r.Delivered() {
			t.Fatalf("recipient %s should start undelivered", r.Email)
		}
	}

	at := time.Now().Truncate(time.Millisecond)
	if err := st.MarkRecipientDelivered(ctx, list[0].ID, at); err != nil {
		t.Fatalf("mark recipient delivered: %v", err)
	}
	list, err = st.ListRecipients(ctx, c.ID)
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	var delivered int
	for _, r := range list {
		if r.Delivered() {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("delivered count = %d, want 1", delivered)
	}

	// Deleting the capsule cascades to its recipients.
	if err := st.DeleteCapsule(ctx, c.ID); err != nil {
		t.Fatalf("delete capsule: %v", err)
	}
	list, err = st.ListRecipients(ctx, c.ID)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("recipients survived capsule delete: %d", len(list))
	}
}

func TestFallbackEmail(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "owner@example.com")

	email, err := st.FallbackEmail(ctx, "u1")
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if email != "owner@example.com" {
		t.Fatalf("email = %q", email)
	}

	email, err = st.FallbackEmail(ctx, "nobody")
	if err != nil {
		t.Fatalf("fallback for unknown user: %v", err)
	}
	if email != "" {
		t.Fatalf("unknown user should yield empty email, got %q", email)
	}
}

func TestAnalytics(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedUser(t, st, "u1", "owner@example.com")

	now := time.Now()
	mk := func(status capsule.Status, selfDestruct, viewed bool) {
		t.Helper()
		c := &capsule.Capsule{UserID: "u1", Title: "t", Content: "c",
			Status: status, ScheduledFor: now, SelfDestruct: selfDestruct}
		if err := st.CreateCapsule(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if status == capsule.StatusDelivered {
			if err := st.MarkCapsuleDelivered(ctx, c.ID, now); err != nil {
				t.Fatalf("mark delivered: %v", err)
			}
		}
		if viewed {
			if err := st.MarkCapsuleViewed(ctx, c.ID, now); err != nil {
				t.Fatalf("mark viewed: %v", err)
			}
		}
	}
	mk(capsule.StatusScheduled, false, false)
	mk(capsule.StatusScheduled, false, false)
	mk(capsule.StatusDelivered, true, true)
	mk(capsule.StatusDraft, false, false)

	a, err := st.Analytics(ctx, "u1")
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.Total != 4 || a.Delivered != 1 || a.Scheduled != 2 || a.SelfDestructs != 1 {
		t.Fatalf("analytics = %+v", a)
	}

	// No rows for an unknown user still yields zeroes, not an error.
	a, err = st.Analytics(ctx, "nobody")
	if err != nil {
		t.Fatalf("analytics empty: %v", err)
	}
	if a.Total != 0 || a.Scheduled != 0 {
		t.Fatalf("empty analytics = %+v", a)
	}
}
