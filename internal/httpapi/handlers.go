package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"capsuled/internal/capsule"
	"capsuled/internal/enrich"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	auth := s.withAuth
	mux.HandleFunc("POST /v1/users", auth(s.handleUpsertUser))
	mux.HandleFunc("GET /v1/users/{id}/capsules", auth(s.handleListCapsules))
	mux.HandleFunc("GET /v1/users/{id}/analytics", auth(s.handleAnalytics))

	mux.HandleFunc("POST /v1/capsules", auth(s.handleCreateCapsule))
	mux.HandleFunc("GET /v1/capsules/{id}", auth(s.handleGetCapsule))
	mux.HandleFunc("PUT /v1/capsules/{id}", auth(s.handleUpdateCapsule))
	mux.HandleFunc("DELETE /v1/capsules/{id}", auth(s.handleDeleteCapsule))
	mux.HandleFunc("POST /v1/capsules/{id}/view", auth(s.handleViewCapsule))

	mux.HandleFunc("POST /v1/capsules/{id}/recipients", auth(s.handleAddRecipients))
	mux.HandleFunc("GET /v1/capsules/{id}/recipients", auth(s.handleListRecipients))

	mux.HandleFunc("GET /v1/ai/prompt", auth(s.handlePrompt))
	mux.HandleFunc("POST /v1/ai/suggest-date", auth(s.handleSuggestDate))

	mux.HandleFunc("POST /v1/delivery/tick", auth(s.handleTriggerTick))

	return mux
}

// ---- users ----

func (s *Service) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var u capsule.User
	if !decode(w, r, &u) {
		return
	}
	if strings.TrimSpace(u.ID) == "" {
		writeErr(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.store.UpsertUser(r.Context(), u); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ---- capsules ----

func (s *Service) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	var c capsule.Capsule
	if !decode(w, r, &c) {
		return
	}
	if strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.Title) == "" {
		writeErr(w, http.StatusBadRequest, "user_id and title are required")
		return
	}
	if c.Status == "" {
		c.Status = capsule.StatusDraft
	}
	if !c.Status.Valid() {
		writeErr(w, http.StatusBadRequest, "invalid status")
		return
	}
	if c.Status == capsule.StatusScheduled && c.ScheduledFor.IsZero() {
		writeErr(w, http.StatusBadRequest, "scheduled capsule needs scheduled_for")
		return
	}
	if err := s.store.CreateCapsule(r.Context(), &c); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Service) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCapsule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListUserCapsules(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []capsule.Capsule{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleUpdateCapsule replaces the mutable fields. Editing a failed capsule
// back to scheduled is how a stuck one re-enters the delivery scan.
func (s *Service) handleUpdateCapsule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetCapsule(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	var c capsule.Capsule
	if !decode(w, r, &c) {
		return
	}
	c.ID = id
	c.UserID = existing.UserID
	c.CreatedAt = existing.CreatedAt
	c.DeliveredAt = existing.DeliveredAt
	c.ViewedAt = existing.ViewedAt
	if c.Status == "" {
		c.Status = existing.Status
	}
	if !c.Status.Valid() {
		writeErr(w, http.StatusBadRequest, "invalid status")
		return
	}
	if existing.Status == capsule.StatusDelivered && c.Status != capsule.StatusDelivered {
		writeErr(w, http.StatusConflict, "delivered capsules cannot be reopened")
		return
	}
	if err := s.store.UpdateCapsule(r.Context(), &c); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleDeleteCapsule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCapsule(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleViewCapsule returns the capsule body and records the view. A
// self-destruct capsule is deleted after its first viewing; the returned copy
// is the last anyone sees of it.
func (s *Service) handleViewCapsule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.GetCapsule(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	var body struct {
		RecipientID string `json:"recipient_id"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if !decode(w, r, &body) {
			return
		}
	}

	now := time.Now()
	firstView := c.ViewedAt == nil
	if firstView {
		if err := s.store.MarkCapsuleViewed(r.Context(), id, now); err != nil {
			s.fail(w, err)
			return
		}
		c.ViewedAt = &now
	}
	if body.RecipientID != "" {
		if err := s.store.MarkRecipientViewed(r.Context(), body.RecipientID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.fail(w, err)
			return
		}
	}

	if c.SelfDestruct && firstView {
		if err := s.store.DeleteCapsule(r.Context(), id); err != nil {
			s.log.Warn("self-destruct delete failed", logx.String("capsule", id), logx.Err(err))
		} else {
			s.log.Info("capsule self-destructed", logx.String("capsule", id))
		}
	}
	writeJSON(w, http.StatusOK, c)
}

// ---- recipients ----

func (s *Service) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetCapsule(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	var recs []capsule.Recipient
	if !decode(w, r, &recs) {
		return
	}
	for i := range recs {
		if strings.TrimSpace(recs[i].Email) == "" {
			writeErr(w, http.StatusBadRequest, "every recipient needs an email")
			return
		}
		recs[i].CapsuleID = id
	}
	if err := s.store.AddRecipients(r.Context(), recs); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recs)
}

func (s *Service) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRecipients(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []capsule.Recipient{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ---- analytics ----

func (s *Service) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Analytics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ---- AI helpers ----

func (s *Service) handlePrompt(w http.ResponseWriter, r *http.Request) {
	prompt := enrich.FallbackPrompt
	if s.enricher != nil && s.enricher.Enabled() {
		if p, err := s.enricher.PromptSuggestion(r.Context()); err == nil {
			prompt = p
		} else {
			s.log.Debug("prompt suggestion degraded", logx.Err(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func (s *Service) handleSuggestDate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &body) {
		return
	}
	now := time.Now()
	when, reason := enrich.FallbackSuggestedDate(now)
	if s.enricher != nil && s.enricher.Enabled() {
		if d, why, err := s.enricher.SuggestDeliveryDate(r.Context(), body.Content, now); err == nil {
			when, reason = d, why
		} else {
			s.log.Debug("date suggestion degraded", logx.Err(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggested_date": when.Format(time.RFC3339),
		"reason":         reason,
	})
}

// ---- delivery ----

func (s *Service) handleTriggerTick(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeErr(w, http.StatusServiceUnavailable, "delivery trigger not wired")
		return
	}
	if err := s.trigger(r.Context()); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "tick completed"})
}

// ---- plumbing ----

func (s *Service) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("request failed", logx.Err(err))
	writeErr(w, http.StatusInternalServerError, "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
