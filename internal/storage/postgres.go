package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    email      TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS capsules (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    title                TEXT NOT NULL,
    content              TEXT NOT NULL,
    photo_url            TEXT NOT NULL DEFAULT '',
    voice_url            TEXT NOT NULL DEFAULT '',
    recipient_email      TEXT NOT NULL DEFAULT '',
    scheduled_for        TIMESTAMPTZ NOT NULL,
    delivered_at         TIMESTAMPTZ,
    viewed_at            TIMESTAMPTZ,
    status               TEXT NOT NULL DEFAULT 'draft',
    self_destruct        BOOLEAN NOT NULL DEFAULT FALSE,
    latitude             TEXT NOT NULL DEFAULT '',
    longitude            TEXT NOT NULL DEFAULT '',
    location_name        TEXT NOT NULL DEFAULT '',
    track_id             TEXT NOT NULL DEFAULT '',
    track_name           TEXT NOT NULL DEFAULT '',
    track_artist         TEXT NOT NULL DEFAULT '',
    track_art_url        TEXT NOT NULL DEFAULT '',
    track_preview_url    TEXT NOT NULL DEFAULT '',
    ai_prompt_used       TEXT NOT NULL DEFAULT '',
    ai_reflection        TEXT NOT NULL DEFAULT '',
    ai_suggested_date    TIMESTAMPTZ,
    ai_scheduling_reason TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_capsules_status_due ON capsules(status, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_capsules_user ON capsules(user_id);

CREATE TABLE IF NOT EXISTS recipients (
    id           TEXT PRIMARY KEY,
    capsule_id   TEXT NOT NULL REFERENCES capsules(id) ON DELETE CASCADE,
    email        TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    delivered_at TIMESTAMPTZ,
    viewed_at    TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recipients_capsule ON recipients(capsule_id);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- Users ----

func (s *postgresStore) UpsertUser(ctx context.Context, u capsule.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users(id, email, name, created_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(id) DO UPDATE SET email=EXCLUDED.email, name=EXCLUDED.name`,
		u.ID, u.Email, u.Name, u.CreatedAt)
	return err
}

func (s *postgresStore) GetUser(ctx context.Context, id string) (capsule.User, error) {
	var u capsule.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return capsule.User{}, ErrNotFound
	}
	if err != nil {
		return capsule.User{}, err
	}
	return u, nil
}

func (s *postgresStore) FallbackEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return email, nil
}

// ---- Capsules ----

func (s *postgresStore) CreateCapsule(ctx context.Context, c *capsule.Capsule) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO capsules(`+capsuleCols+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		c.ID, c.UserID, c.Title, c.Content, c.PhotoURL, c.VoiceURL, c.RecipientEmail,
		c.ScheduledFor, c.DeliveredAt, c.ViewedAt, string(c.Status), c.SelfDestruct,
		c.Latitude, c.Longitude, c.LocationName,
		c.TrackID, c.TrackName, c.TrackArtist, c.TrackArtURL, c.TrackPreviewURL,
		c.AIPromptUsed, c.AIReflection, c.AISuggestedDate, c.AISchedulingReason,
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *postgresStore) GetCapsule(ctx context.Context, id string) (*capsule.Capsule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+capsuleCols+` FROM capsules WHERE id = $1`, id)
	c, err := scanPGCapsule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *postgresStore) ListUserCapsules(ctx context.Context, userID string) ([]capsule.Capsule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+capsuleCols+` FROM capsules WHERE user_id = $1 ORDER BY scheduled_for DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGCapsules(rows)
}

func (s *postgresStore) UpdateCapsule(ctx context.Context, c *capsule.Capsule) error {
	c.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE capsules SET
			title=$1, content=$2, photo_url=$3, voice_url=$4, recipient_email=$5,
			scheduled_for=$6, delivered_at=$7, viewed_at=$8, status=$9, self_destruct=$10,
			latitude=$11, longitude=$12, location_name=$13,
			track_id=$14, track_name=$15, track_artist=$16, track_art_url=$17, track_preview_url=$18,
			ai_prompt_used=$19, ai_reflection=$20, ai_suggested_date=$21, ai_scheduling_reason=$22,
			updated_at=$23
		 WHERE id=$24`,
		c.Title, c.Content, c.PhotoURL, c.VoiceURL, c.RecipientEmail,
		c.ScheduledFor, c.DeliveredAt, c.ViewedAt, string(c.Status), c.SelfDestruct,
		c.Latitude, c.Longitude, c.LocationName,
		c.TrackID, c.TrackName, c.TrackArtist, c.TrackArtURL, c.TrackPreviewURL,
		c.AIPromptUsed, c.AIReflection, c.AISuggestedDate, c.AISchedulingReason,
		c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) DeleteCapsule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM capsules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListDueCandidates(ctx context.Context) ([]capsule.Capsule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+capsuleCols+` FROM capsules WHERE status = $1 ORDER BY scheduled_for ASC`,
		string(capsule.StatusScheduled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGCapsules(rows)
}

func (s *postgresStore) MarkCapsuleDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE capsules SET status=$1, delivered_at=$2, updated_at=$3 WHERE id=$4`,
		string(capsule.StatusDelivered), at, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) MarkCapsuleFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE capsules SET status=$1, updated_at=$2 WHERE id=$3`,
		string(capsule.StatusFailed), time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) MarkCapsuleViewed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE capsules SET viewed_at=$1, updated_at=$2 WHERE id=$3`,
		at, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Recipients ----

func (s *postgresStore) AddRecipients(ctx context.Context, recipients []capsule.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	for i := range recipients {
		r := &recipients[i]
		if r.ID == "" {
			r.ID = capsule.NewID()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO recipients(id, capsule_id, email, name, delivered_at, viewed_at, created_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7)`,
			r.ID, r.CapsuleID, r.Email, r.Name, r.DeliveredAt, r.ViewedAt, r.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) ListRecipients(ctx context.Context, capsuleID string) ([]capsule.Recipient, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capsule_id, email, name, delivered_at, viewed_at, created_at
		 FROM recipients WHERE capsule_id = $1 ORDER BY created_at ASC, id ASC`, capsuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capsule.Recipient
	for rows.Next() {
		var r capsule.Recipient
		if err := rows.Scan(&r.ID, &r.CapsuleID, &r.Email, &r.Name, &r.DeliveredAt, &r.ViewedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) MarkRecipientDelivered(ctx context.Context, recipientID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recipients SET delivered_at=$1 WHERE id=$2`, at, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) MarkRecipientViewed(ctx context.Context, recipientID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recipients SET viewed_at=$1 WHERE id=$2`, at, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Analytics ----

func (s *postgresStore) Analytics(ctx context.Context, userID string) (Analytics, error) {
	var a Analytics
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COUNT(delivered_at),
			COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN self_destruct AND viewed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM capsules WHERE user_id = $2`,
		string(capsule.StatusScheduled), userID,
	).Scan(&a.Total, &a.Delivered, &a.Scheduled, &a.SelfDestructs)
	return a, err
}

// ---- scan helpers ----

func scanPGCapsule(row pgx.Row) (*capsule.Capsule, error) {
	var (
		c      capsule.Capsule
		status string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &c.Content, &c.PhotoURL, &c.VoiceURL, &c.RecipientEmail,
		&c.ScheduledFor, &c.DeliveredAt, &c.ViewedAt, &status, &c.SelfDestruct,
		&c.Latitude, &c.Longitude, &c.LocationName,
		&c.TrackID, &c.TrackName, &c.TrackArtist, &c.TrackArtURL, &c.TrackPreviewURL,
		&c.AIPromptUsed, &c.AIReflection, &c.AISuggestedDate, &c.AISchedulingReason,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = capsule.Status(status)
	return &c, nil
}

func collectPGCapsules(rows pgx.Rows) ([]capsule.Capsule, error) {
	var out []capsule.Capsule
	for rows.Next() {
		c, err := scanPGCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
