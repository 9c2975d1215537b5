// Package capsule defines the core domain model: capsules, recipients and the
// delivery target set the orchestrator fans out over.
package capsule

import (
	"errors"
	"strings"
	"time"
)

// Status is the capsule lifecycle state.
//
// draft     -> user is still editing; never scanned.
// scheduled -> eligible for delivery once ScheduledFor passes.
// delivered -> terminal; all targets received the capsule.
// failed    -> terminal until operator edit; no resolvable destination.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Capsule is a scheduled message-delivery unit.
//
// The delivery pipeline only mutates Status, DeliveredAt and (via the API)
// ViewedAt; every other field is payload passed through to the mailer.
type Capsule struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Title   string `json:"title"`
	Content string `json:"content"`

	PhotoURL string `json:"photo_url,omitempty"`
	VoiceURL string `json:"voice_url,omitempty"`

	// RecipientEmail is the legacy single-destination field. When the capsule
	// has no recipient rows, delivery goes here (or to the owner's account
	// email as a fallback).
	RecipientEmail string `json:"recipient_email,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ViewedAt     *time.Time `json:"viewed_at,omitempty"`
	Status       Status     `json:"status"`

	SelfDestruct bool `json:"self_destruct"`

	// Location memory (optional, payload only).
	Latitude     string `json:"latitude,omitempty"`
	Longitude    string `json:"longitude,omitempty"`
	LocationName string `json:"location_name,omitempty"`

	// Soundtrack metadata (optional, payload only).
	TrackID         string `json:"track_id,omitempty"`
	TrackName       string `json:"track_name,omitempty"`
	TrackArtist     string `json:"track_artist,omitempty"`
	TrackArtURL     string `json:"track_art_url,omitempty"`
	TrackPreviewURL string `json:"track_preview_url,omitempty"`

	// AI-derived fields (optional).
	AIPromptUsed       string     `json:"ai_prompt_used,omitempty"`
	AIReflection       string     `json:"ai_reflection,omitempty"`
	AISuggestedDate    *time.Time `json:"ai_suggested_date,omitempty"`
	AISchedulingReason string     `json:"ai_scheduling_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the capsule's scheduled time has passed.
// The scanner does not filter on this; the orchestrator re-checks per item.
func (c *Capsule) Due(now time.Time) bool {
	return !c.ScheduledFor.After(now)
}

// Recipient is one addressable destination attached to a capsule.
// Only DeliveredAt/ViewedAt ever mutate after creation.
type Recipient struct {
	ID        string `json:"id"`
	CapsuleID string `json:"capsule_id"`

	Email string `json:"email"`
	Name  string `json:"name,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (r *Recipient) Delivered() bool { return r.DeliveredAt != nil }

// ErrNoDestination marks a capsule with no resolvable delivery address.
// This is a configuration defect, not a retryable delivery failure.
var ErrNoDestination = errors.New("capsule has no resolvable destination")

// TargetKind distinguishes the two delivery paths a capsule can take.
type TargetKind int

const (
	// TargetImplicit: no recipient rows; one destination derived from the
	// legacy RecipientEmail field or the owner's account email.
	TargetImplicit TargetKind = iota
	// TargetExplicit: the capsule's recipient rows, tracked independently.
	TargetExplicit
)

// Target is one destination within a TargetSet. RecipientID is empty for the
// implicit single target (there is no row to mark; capsule-level completion
// covers it).
type Target struct {
	RecipientID string
	Email       string
	Name        string
	Delivered   bool
}

// TargetSet folds the legacy single-recipient field and the recipient-list
// feature into one fan-out surface so the orchestrator has a single code path.
type TargetSet struct {
	Kind    TargetKind
	Targets []Target
}

// Pending returns the targets that still need a delivery attempt.
func (ts TargetSet) Pending() []Target {
	out := make([]Target, 0, len(ts.Targets))
	for _, t := range ts.Targets {
		if !t.Delivered {
			out = append(out, t)
		}
	}
	return out
}

// ResolveTargets builds the TargetSet for a capsule.
//
// With recipient rows present they are the explicit set. Without rows the
// implicit destination is the capsule's RecipientEmail, falling back to the
// owner's account email. ErrNoDestination is returned when neither resolves.
func ResolveTargets(c *Capsule, recipients []Recipient, fallbackEmail string) (TargetSet, error) {
	if len(recipients) > 0 {
		ts := TargetSet{Kind: TargetExplicit, Targets: make([]Target, 0, len(recipients))}
		for _, r := range recipients {
			ts.Targets = append(ts.Targets, Target{
				RecipientID: r.ID,
				Email:       r.Email,
				Name:        r.Name,
				Delivered:   r.Delivered(),
			})
		}
		return ts, nil
	}

	dest := strings.TrimSpace(c.RecipientEmail)
	if dest == "" {
		dest = strings.TrimSpace(fallbackEmail)
	}
	if dest == "" {
		return TargetSet{}, ErrNoDestination
	}
	return TargetSet{Kind: TargetImplicit, Targets: []Target{{Email: dest}}}, nil
}
