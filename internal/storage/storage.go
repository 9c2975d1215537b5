// Package storage persists capsules, recipients and users.
//
// Two backends implement the same Store interface: a local SQLite file and a
// Postgres server. The delivery orchestrator treats every store failure other
// than ErrNotFound as transient and retries on the next tick.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite":   local database file (Path required)
//   - "postgres": server database (DSN required)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the delivery pipeline and the API.
//
// Delivery contract:
//   - ListDueCandidates returns every capsule with status=scheduled ordered by
//     scheduled_for ascending. It intentionally does not filter on "due"; the
//     orchestrator re-checks the scheduled time per item.
//   - MarkRecipientDelivered / MarkCapsuleDelivered set the respective
//     delivered_at timestamps; marking a capsule also flips its status.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, u capsule.User) error
	GetUser(ctx context.Context, id string) (capsule.User, error)
	// FallbackEmail resolves the owner's account email for capsules without
	// recipient rows or a legacy recipient_email value. Empty when unknown.
	FallbackEmail(ctx context.Context, userID string) (string, error)

	// Capsules
	CreateCapsule(ctx context.Context, c *capsule.Capsule) error
	GetCapsule(ctx context.Context, id string) (*capsule.Capsule, error)
	ListUserCapsules(ctx context.Context, userID string) ([]capsule.Capsule, error)
	UpdateCapsule(ctx context.Context, c *capsule.Capsule) error
	DeleteCapsule(ctx context.Context, id string) error
	ListDueCandidates(ctx context.Context) ([]capsule.Capsule, error)
	MarkCapsuleDelivered(ctx context.Context, id string, at time.Time) error
	MarkCapsuleFailed(ctx context.Context, id string) error
	MarkCapsuleViewed(ctx context.Context, id string, at time.Time) error

	// Recipients
	AddRecipients(ctx context.Context, recipients []capsule.Recipient) error
	ListRecipients(ctx context.Context, capsuleID string) ([]capsule.Recipient, error)
	MarkRecipientDelivered(ctx context.Context, recipientID string, at time.Time) error
	MarkRecipientViewed(ctx context.Context, recipientID string, at time.Time) error

	// Analytics
	Analytics(ctx context.Context, userID string) (Analytics, error)

	Close() error
}

// Analytics is the per-user dashboard summary.
type Analytics struct {
	Total         int `json:"total"`
	Delivered     int `json:"delivered"`
	Scheduled     int `json:"scheduled"`
	SelfDestructs int `json:"self_destructed"`
}

// IsTransient reports whether a store error should be retried on a later
// tick. Everything except a definite not-found is treated as transient;
// connectivity loss, timeouts and lock contention all fall here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
