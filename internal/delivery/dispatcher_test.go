package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"capsuled/internal/alert"
	"capsuled/internal/capsule"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

// ---- fakes ----

type fakeStore struct {
	mu         sync.Mutex
	capsules   map[string]*capsule.Capsule
	recipients map[string][]capsule.Recipient
	users      map[string]capsule.User

	scanErr          error
	recipErrFor      map[string]error
	markRecipientErr error
	markCapsuleErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		capsules:    map[string]*capsule.Capsule{},
		recipients:  map[string][]capsule.Recipient{},
		users:       map[string]capsule.User{},
		recipErrFor: map[string]error{},
	}
}

func (f *fakeStore) addCapsule(c capsule.Capsule) *capsule.Capsule {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = fmt.Sprintf("cap-%d", len(f.capsules)+1)
	}
	cp := c
	f.capsules[cp.ID] = &cp
	return &cp
}

func (f *fakeStore) UpsertUser(ctx context.Context, u capsule.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (capsule.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return capsule.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) FallbackEmail(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID].Email, nil
}

func (f *fakeStore) CreateCapsule(ctx context.Context, c *capsule.Capsule) error {
	f.addCapsule(*c)
	return nil
}

func (f *fakeStore) GetCapsule(ctx context.Context, id string) (*capsule.Capsule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.capsules[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ListUserCapsules(ctx context.Context, userID string) ([]capsule.Capsule, error) {
	return nil, nil
}

func (f *fakeStore) UpdateCapsule(ctx context.Context, c *capsule.Capsule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.capsules[c.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *c
	f.capsules[c.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteCapsule(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.capsules, id)
	delete(f.recipients, id)
	return nil
}

func (f *fakeStore) ListDueCandidates(ctx context.Context) ([]capsule.Capsule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []capsule.Capsule
	for _, c := range f.capsules {
		if c.Status == capsule.StatusScheduled {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (f *fakeStore) MarkCapsuleDelivered(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markCapsuleErr != nil {
		return f.markCapsuleErr
	}
	c, ok := f.capsules[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = capsule.StatusDelivered
	c.DeliveredAt = &at
	return nil
}

func (f *fakeStore) MarkCapsuleFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.capsules[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = capsule.StatusFailed
	return nil
}

func (f *fakeStore) MarkCapsuleViewed(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (f *fakeStore) AddRecipients(ctx context.Context, recipients []capsule.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range recipients {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rec-%s-%d", r.CapsuleID, len(f.recipients[r.CapsuleID])+i+1)
		}
		f.recipients[r.CapsuleID] = append(f.recipients[r.CapsuleID], r)
	}
	return nil
}

func (f *fakeStore) ListRecipients(ctx context.Context, capsuleID string) ([]capsule.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.recipErrFor[capsuleID]; err != nil {
		return nil, err
	}
	return append([]capsule.Recipient(nil), f.recipients[capsuleID]...), nil
}

func (f *fakeStore) MarkRecipientDelivered(ctx context.Context, recipientID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markRecipientErr != nil {
		return f.markRecipientErr
	}
	for capID, recs := range f.recipients {
		for i := range recs {
			if recs[i].ID == recipientID {
				f.recipients[capID][i].DeliveredAt = &at
				return nil
			}
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) MarkRecipientViewed(ctx context.Context, recipientID string, at time.Time) error {
	return nil
}

func (f *fakeStore) Analytics(ctx context.Context, userID string) (storage.Analytics, error) {
	return storage.Analytics{}, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) status(t *testing.T, id string) capsule.Status {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.capsules[id]
	if !ok {
		t.Fatalf("capsule %s missing", id)
	}
	return c.Status
}

type sentMail struct {
	capsuleID  string
	to         string
	reflection string
}

type fakeAttempter struct {
	mu       sync.Mutex
	sent     []sentMail
	failFor  map[string]error // by email
	block    chan struct{}    // when non-nil, Attempt waits for a signal
	entered  chan struct{}    // when non-nil, closed on first Attempt
	enterOne sync.Once
}

func (f *fakeAttempter) Attempt(ctx context.Context, c *capsule.Capsule, t capsule.Target, reflection string) error {
	if f.entered != nil {
		f.enterOne.Do(func() { close(f.entered) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[t.Email]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMail{capsuleID: c.ID, to: t.Email, reflection: reflection})
	return nil
}

func (f *fakeAttempter) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.to)
	}
	return out
}

type fakeEnricher struct {
	text string
	err  error
}

func (f *fakeEnricher) ReflectionSummary(ctx context.Context, c *capsule.Capsule) (string, error) {
	return f.text, f.err
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (f *fakeAlerter) Notify(ctx context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

// ---- helpers ----

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newDispatcher(st storage.Store, at Attempter, en Enricher, al Alerter) *Dispatcher {
	d := New(Config{}, st, at, en, al, nil, logx.Nop())
	d.SetFallbackReflection(func(created, now time.Time) string { return "fallback reflection" })
	return d
}

func scheduled(userID, email string, offset time.Duration) capsule.Capsule {
	return capsule.Capsule{
		UserID:         userID,
		Title:          "t",
		Content:        "c",
		RecipientEmail: email,
		Status:         capsule.StatusScheduled,
		ScheduledFor:   testNow.Add(offset),
		CreatedAt:      testNow.Add(-30 * 24 * time.Hour),
	}
}

// ---- tests ----

func TestSingleImplicitRecipientDelivers(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "me@example.com", -time.Hour))
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := at.sentTo(); len(got) != 1 || got[0] != "me@example.com" {
		t.Fatalf("sent to %v", got)
	}
	if st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatalf("status = %s", st.status(t, c.ID))
	}
}

func TestImplicitFallsBackToOwnerEmail(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	_ = st.UpsertUser(context.Background(), capsule.User{ID: "u1", Email: "owner@example.com"})
	c := st.addCapsule(scheduled("u1", "", -time.Hour))
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	if _, err := d.Tick(context.Background(), testNow); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := at.sentTo(); len(got) != 1 || got[0] != "owner@example.com" {
		t.Fatalf("sent to %v", got)
	}
	if st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatal("capsule not delivered")
	}
}

func TestNoDestinationMarksFailedAndAlerts(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("ghost", "", -time.Hour))
	at := &fakeAttempter{}
	al := &fakeAlerter{}
	d := newDispatcher(st, at, nil, al)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Stuck != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(at.sentTo()) != 0 {
		t.Fatal("nothing should be sent")
	}
	if st.status(t, c.ID) != capsule.StatusFailed {
		t.Fatalf("status = %s, want failed", st.status(t, c.ID))
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if len(al.alerts) != 1 || al.alerts[0].Kind != "capsule.stuck" || al.alerts[0].Severity != alert.SevCritical {
		t.Fatalf("alerts = %+v", al.alerts)
	}

	// The failed capsule leaves the scan set: a second tick sees nothing.
	stats, err = d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if stats.Scanned != 0 {
		t.Fatalf("failed capsule rescanned: %+v", stats)
	}
}

func TestNotYetDueIsSkipped(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "me@example.com", time.Hour))
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Scanned != 1 || stats.NotYetDue != 1 || stats.Sent != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if st.status(t, c.ID) != capsule.StatusScheduled {
		t.Fatal("future capsule must stay scheduled")
	}

	// Once its time passes, the same capsule delivers.
	if _, err := d.Tick(context.Background(), testNow.Add(2*time.Hour)); err != nil {
		t.Fatalf("later tick: %v", err)
	}
	if st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatal("capsule not delivered after becoming due")
	}
}

func TestOldestFirstOrdering(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.addCapsule(scheduled("u1", "third@example.com", -time.Hour))
	st.addCapsule(scheduled("u1", "first@example.com", -72*time.Hour))
	st.addCapsule(scheduled("u1", "second@example.com", -24*time.Hour))
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	if _, err := d.Tick(context.Background(), testNow); err != nil {
		t.Fatalf("tick: %v", err)
	}
	want := []string{"first@example.com", "second@example.com", "third@example.com"}
	got := at.sentTo()
	if len(got) != len(want) {
		t.Fatalf("sent %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestPartialFanOutResumesWithoutResend(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "", -time.Hour))
	_ = st.AddRecipients(context.Background(), []capsule.Recipient{
		{ID: "r-a", CapsuleID: c.ID, Email: "a@example.com"},
		{ID: "r-b", CapsuleID: c.ID, Email: "b@example.com"},
	})
	at := &fakeAttempter{failFor: map[string]error{"b@example.com": errors.New("mailbox busy")}}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || stats.SendErrors != 1 || stats.Delivered != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if st.status(t, c.ID) != capsule.StatusScheduled {
		t.Fatal("partially delivered capsule must stay scheduled")
	}

	// The mailbox recovers; the next tick reaches only the pending target.
	at.mu.Lock()
	delete(at.failFor, "b@example.com")
	at.mu.Unlock()

	stats, err = d.Tick(context.Background(), testNow.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if stats.Sent != 1 || stats.Delivered != 1 {
		t.Fatalf("second stats = %+v", stats)
	}
	got := at.sentTo()
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "b@example.com" {
		t.Fatalf("sends = %v; a must not be resent", got)
	}
	if st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatal("capsule not delivered after full fan-out")
	}
}

func TestRescanWithAllRecipientsDoneOnlyFlipsStatus(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "", -time.Hour))
	done := testNow.Add(-10 * time.Minute)
	_ = st.AddRecipients(context.Background(), []capsule.Recipient{
		{ID: "r-a", CapsuleID: c.ID, Email: "a@example.com", DeliveredAt: &done},
		{ID: "r-b", CapsuleID: c.ID, Email: "b@example.com", DeliveredAt: &done},
	})
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(at.sentTo()) != 0 {
		t.Fatalf("resent to %v", at.sentTo())
	}
	if stats.Delivered != 1 || st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatalf("stats = %+v, status = %s", stats, st.status(t, c.ID))
	}
}

func TestScanErrorAbortsTick(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.addCapsule(scheduled("u1", "me@example.com", -time.Hour))
	st.scanErr = errors.New("database is locked")
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	_, err := d.Tick(context.Background(), testNow)
	if err == nil || !strings.Contains(err.Error(), "scan due candidates") {
		t.Fatalf("err = %v", err)
	}
	if len(at.sentTo()) != 0 {
		t.Fatal("no sends should happen after a failed scan")
	}
}

func TestPerCapsuleErrorsAreIsolated(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	broken := st.addCapsule(scheduled("u1", "x@example.com", -2*time.Hour))
	healthy := st.addCapsule(scheduled("u1", "ok@example.com", -time.Hour))
	st.recipErrFor[broken.ID] = errors.New("connection reset")
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Errors != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if st.status(t, healthy.ID) != capsule.StatusDelivered {
		t.Fatal("healthy capsule must deliver despite the broken one")
	}
	if st.status(t, broken.ID) != capsule.StatusScheduled {
		t.Fatal("broken capsule must stay scheduled for a later tick")
	}
}

func TestEnrichmentFailureDegradesToFallback(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.addCapsule(scheduled("u1", "me@example.com", -time.Hour))
	at := &fakeAttempter{}
	d := newDispatcher(st, at, &fakeEnricher{err: errors.New("quota exceeded")}, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("stats = %+v; enrichment failure must not block delivery", stats)
	}
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.sent[0].reflection != "fallback reflection" {
		t.Fatalf("reflection = %q", at.sent[0].reflection)
	}
}

func TestStoredReflectionCoversEnricherOutage(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "", -time.Hour))
	_ = st.AddRecipients(context.Background(), []capsule.Recipient{
		{ID: "r-a", CapsuleID: c.ID, Email: "a@example.com"},
		{ID: "r-b", CapsuleID: c.ID, Email: "b@example.com"},
	})
	at := &fakeAttempter{failFor: map[string]error{"b@example.com": errors.New("busy")}}
	en := &fakeEnricher{text: "you have come far"}
	d := newDispatcher(st, at, en, nil)

	if _, err := d.Tick(context.Background(), testNow); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err := st.GetCapsule(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AIReflection != "you have come far" {
		t.Fatalf("reflection not persisted: %q", got.AIReflection)
	}

	// Next tick recomputes; with the enricher down, the stored text covers it.
	en.err = errors.New("enricher down")
	en.text = "different text"
	at.mu.Lock()
	delete(at.failFor, "b@example.com")
	at.mu.Unlock()

	if _, err := d.Tick(context.Background(), testNow.Add(5*time.Minute)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	at.mu.Lock()
	defer at.mu.Unlock()
	last := at.sent[len(at.sent)-1]
	if last.to != "b@example.com" || last.reflection != "you have come far" {
		t.Fatalf("second send = %+v", last)
	}
}

func TestOverlappingTickIsRejected(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.addCapsule(scheduled("u1", "me@example.com", -time.Hour))
	at := &fakeAttempter{block: make(chan struct{}), entered: make(chan struct{})}
	d := newDispatcher(st, at, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Tick(context.Background(), testNow)
		errCh <- err
	}()

	// Wait for the first tick to be inside the attempter before probing.
	select {
	case <-at.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never reached the attempter")
	}
	if _, err := d.Tick(context.Background(), testNow); !errors.Is(err, ErrTickInFlight) {
		t.Fatalf("overlapping tick: err = %v, want ErrTickInFlight", err)
	}

	close(at.block)
	if err := <-errCh; err != nil {
		t.Fatalf("first tick: %v", err)
	}
	// After completion the gate reopens.
	if _, err := d.Tick(context.Background(), testNow); err != nil {
		t.Fatalf("tick after release: %v", err)
	}
}

func TestBackoffPolicySpacesAttempts(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "flaky@example.com", -time.Hour))
	at := &fakeAttempter{failFor: map[string]error{"flaky@example.com": errors.New("tarpit")}}
	d := New(Config{Retry: Backoff(10*time.Minute, time.Hour)}, st, at, nil, nil, nil, logx.Nop())

	if _, err := d.Tick(context.Background(), testNow); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Within the backoff window no new attempt happens.
	stats, err := d.Tick(context.Background(), testNow.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.SendErrors != 0 {
		t.Fatalf("attempted inside backoff window: %+v", stats)
	}

	// After the window the target recovers and delivers.
	at.mu.Lock()
	delete(at.failFor, "flaky@example.com")
	at.mu.Unlock()
	stats, err = d.Tick(context.Background(), testNow.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatal("capsule not delivered")
	}
}

func TestRecipientMarkFailureKeepsCapsuleScheduled(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "", -time.Hour))
	_ = st.AddRecipients(context.Background(), []capsule.Recipient{
		{ID: "r-a", CapsuleID: c.ID, Email: "a@example.com"},
	})
	st.markRecipientErr = errors.New("disk full")
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || stats.Delivered != 0 || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if st.status(t, c.ID) != capsule.StatusScheduled {
		t.Fatal("capsule must stay scheduled when the recipient mark fails")
	}
}

func TestVanishedRecipientRowDoesNotBlockDelivery(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := st.addCapsule(scheduled("u1", "", -time.Hour))
	_ = st.AddRecipients(context.Background(), []capsule.Recipient{
		{ID: "r-a", CapsuleID: c.ID, Email: "a@example.com"},
	})
	// Not-found on the mark means the row was deleted after the send; there
	// is nothing left to retry for that target.
	st.markRecipientErr = storage.ErrNotFound
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || stats.Delivered != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if st.status(t, c.ID) != capsule.StatusDelivered {
		t.Fatal("capsule should still complete when the recipient row is gone")
	}
}

func TestVanishedCapsuleSkipsDeliveredMarkRetry(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.addCapsule(scheduled("u1", "me@example.com", -time.Hour))
	st.markCapsuleErr = storage.ErrNotFound
	at := &fakeAttempter{}
	d := newDispatcher(st, at, nil, nil)

	stats, err := d.Tick(context.Background(), testNow)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || stats.Delivered != 0 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
