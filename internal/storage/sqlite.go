package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Cascade deletes (capsule -> recipients) rely on this.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u capsule.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, name=excluded.name`,
		u.ID, u.Email, u.Name, unixMS(u.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (capsule.User, error) {
	var (
		u  capsule.User
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return capsule.User{}, ErrNotFound
	}
	if err != nil {
		return capsule.User{}, err
	}
	u.CreatedAt = time.UnixMilli(ms)
	return u, nil
}

func (s *sqliteStore) FallbackEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return email, nil
}

// ---- Capsules ----

const capsuleCols = `id, user_id, title, content, photo_url, voice_url, recipient_email,
	scheduled_for, delivered_at, viewed_at, status, self_destruct,
	latitude, longitude, location_name,
	track_id, track_name, track_artist, track_art_url, track_preview_url,
	ai_prompt_used, ai_reflection, ai_suggested_date, ai_scheduling_reason,
	created_at, updated_at`

func (s *sqliteStore) CreateCapsule(ctx context.Context, c *capsule.Capsule) error {
	now := time.Now()
	if c.ID == "" {
		c.ID = capsule.NewID()
	}
	if c.Status == "" {
		c.Status = capsule.StatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capsules(`+capsuleCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.Title, c.Content, c.PhotoURL, c.VoiceURL, c.RecipientEmail,
		unixMS(c.ScheduledFor), unixMSPtr(c.DeliveredAt), unixMSPtr(c.ViewedAt), string(c.Status), boolInt(c.SelfDestruct),
		c.Latitude, c.Longitude, c.LocationName,
		c.TrackID, c.TrackName, c.TrackArtist, c.TrackArtURL, c.TrackPreviewURL,
		c.AIPromptUsed, c.AIReflection, unixMSPtr(c.AISuggestedDate), c.AISchedulingReason,
		unixMS(c.CreatedAt), unixMS(c.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetCapsule(ctx context.Context, id string) (*capsule.Capsule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+capsuleCols+` FROM capsules WHERE id = ?`, id)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) ListUserCapsules(ctx context.Context, userID string) ([]capsule.Capsule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+capsuleCols+` FROM capsules WHERE user_id = ? ORDER BY scheduled_for DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCapsules(rows)
}

func (s *sqliteStore) UpdateCapsule(ctx context.Context, c *capsule.Capsule) error {
	c.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET
			title=?, content=?, photo_url=?, voice_url=?, recipient_email=?,
			scheduled_for=?, delivered_at=?, viewed_at=?, status=?, self_destruct=?,
			latitude=?, longitude=?, location_name=?,
			track_id=?, track_name=?, track_artist=?, track_art_url=?, track_preview_url=?,
			ai_prompt_used=?, ai_reflection=?, ai_suggested_date=?, ai_scheduling_reason=?,
			updated_at=?
		 WHERE id=?`,
		c.Title, c.Content, c.PhotoURL, c.VoiceURL, c.RecipientEmail,
		unixMS(c.ScheduledFor), unixMSPtr(c.DeliveredAt), unixMSPtr(c.ViewedAt), string(c.Status), boolInt(c.SelfDestruct),
		c.Latitude, c.Longitude, c.LocationName,
		c.TrackID, c.TrackName, c.TrackArtist, c.TrackArtURL, c.TrackPreviewURL,
		c.AIPromptUsed, c.AIReflection, unixMSPtr(c.AISuggestedDate), c.AISchedulingReason,
		unixMS(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteCapsule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capsules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ListDueCandidates(ctx context.Context) ([]capsule.Capsule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+capsuleCols+` FROM capsules WHERE status = ? ORDER BY scheduled_for ASC`,
		string(capsule.StatusScheduled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCapsules(rows)
}

func (s *sqliteStore) MarkCapsuleDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status=?, delivered_at=?, updated_at=? WHERE id=?`,
		string(capsule.StatusDelivered), unixMS(at), unixMS(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkCapsuleFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET status=?, updated_at=? WHERE id=?`,
		string(capsule.StatusFailed), unixMS(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkCapsuleViewed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capsules SET viewed_at=?, updated_at=? WHERE id=?`,
		unixMS(at), unixMS(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- Recipients ----

func (s *sqliteStore) AddRecipients(ctx context.Context, recipients []capsule.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for i := range recipients {
		r := &recipients[i]
		if r.ID == "" {
			r.ID = capsule.NewID()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recipients(id, capsule_id, email, name, delivered_at, viewed_at, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			r.ID, r.CapsuleID, r.Email, r.Name, unixMSPtr(r.DeliveredAt), unixMSPtr(r.ViewedAt), unixMS(r.CreatedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListRecipients(ctx context.Context, capsuleID string) ([]capsule.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capsule_id, email, name, delivered_at, viewed_at, created_at
		 FROM recipients WHERE capsule_id = ? ORDER BY created_at ASC, id ASC`, capsuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capsule.Recipient
	for rows.Next() {
		var (
			r                  capsule.Recipient
			delivered, viewed  sql.NullInt64
			created            int64
		)
		if err := rows.Scan(&r.ID, &r.CapsuleID, &r.Email, &r.Name, &delivered, &viewed, &created); err != nil {
			return nil, err
		}
		r.DeliveredAt = timeFromMS(delivered)
		r.ViewedAt = timeFromMS(viewed)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkRecipientDelivered(ctx context.Context, recipientID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET delivered_at=? WHERE id=?`, unixMS(at), recipientID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkRecipientViewed(ctx context.Context, recipientID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET viewed_at=? WHERE id=?`, unixMS(at), recipientID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- Analytics ----

func (s *sqliteStore) Analytics(ctx context.Context, userID string) (Analytics, error) {
	var a Analytics
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COUNT(delivered_at),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN self_destruct = 1 AND viewed_at IS NOT NULL THEN 1 ELSE 0 END)
		 FROM capsules WHERE user_id = ?`,
		string(capsule.StatusScheduled), userID,
	).Scan(&a.Total, &a.Delivered, nullableCount{&a.Scheduled}, nullableCount{&a.SelfDestructs})
	return a, err
}

// nullableCount scans a SUM() that is NULL when no rows match.
type nullableCount struct{ dst *int }

func (n nullableCount) Scan(src any) error {
	if src == nil {
		*n.dst = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dst = int(v)
	case float64:
		*n.dst = int(v)
	default:
		return fmt.Errorf("unexpected count type %T", src)
	}
	return nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapsule(row rowScanner) (*capsule.Capsule, error) {
	var (
		c                              capsule.Capsule
		status                         string
		selfDestruct                   int
		scheduled, created, updated    int64
		delivered, viewed, aiSuggested sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &c.Content, &c.PhotoURL, &c.VoiceURL, &c.RecipientEmail,
		&scheduled, &delivered, &viewed, &status, &selfDestruct,
		&c.Latitude, &c.Longitude, &c.LocationName,
		&c.TrackID, &c.TrackName, &c.TrackArtist, &c.TrackArtURL, &c.TrackPreviewURL,
		&c.AIPromptUsed, &c.AIReflection, &aiSuggested, &c.AISchedulingReason,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.ScheduledFor = time.UnixMilli(scheduled)
	c.DeliveredAt = timeFromMS(delivered)
	c.ViewedAt = timeFromMS(viewed)
	c.AISuggestedDate = timeFromMS(aiSuggested)
	c.Status = capsule.Status(status)
	c.SelfDestruct = selfDestruct != 0
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}

func collectCapsules(rows *sql.Rows) ([]capsule.Capsule, error) {
	var out []capsule.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func unixMS(t time.Time) int64 { return t.UnixMilli() }

func unixMSPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
