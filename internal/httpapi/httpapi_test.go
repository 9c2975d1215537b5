package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"capsuled/internal/capsule"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

func newTestAPI(t *testing.T, token string) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "api.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(Config{Enabled: true, Token: token}, st, nil, nil, logx.Nop()), st
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStartRefusesOpenBindWithoutToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		addr  string
		token string
		want  bool // start should succeed
	}{
		{"all interfaces no token", ":0", "", false},
		{"wildcard host no token", "0.0.0.0:0", "", false},
		{"all interfaces with token", ":0", "secret", true},
		{"loopback no token", "127.0.0.1:0", "", true},
		{"localhost no token", "localhost:0", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newTestAPI(t, tc.token)
			svc.cfg.Addr = tc.addr
			err := svc.Start(context.Background())
			if tc.want && err != nil {
				t.Fatalf("start %q: %v", tc.addr, err)
			}
			if !tc.want && err == nil {
				t.Fatalf("start %q without token should be refused", tc.addr)
			}
			svc.Stop(context.Background())
		})
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAPI(t, "secret")
	h := svc.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/users", "", map[string]string{"id": "u1"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}
	// healthz stays open for probes.
	rr = doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/users", "secret", map[string]string{"id": "u1", "email": "a@b.c"})
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", rr.Code, rr.Body)
	}
}

func TestCapsuleCRUD(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAPI(t, "")
	h := svc.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/users", "", map[string]string{"id": "u1", "email": "me@example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert user: %d %s", rr.Code, rr.Body)
	}

	create := map[string]any{
		"user_id":       "u1",
		"title":         "to 2030",
		"content":       "hello future",
		"status":        "scheduled",
		"scheduled_for": time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/capsules", "", create)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	var c capsule.Capsule
	if err := json.Unmarshal(rr.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ID == "" {
		t.Fatal("no id assigned")
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/capsules/"+c.ID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}

	c.Title = "to 2031"
	rr = doJSON(t, h, http.MethodPut, "/v1/capsules/"+c.ID, "", c)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/users/u1/capsules", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d", rr.Code)
	}
	var list []capsule.Capsule
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Title != "to 2031" {
		t.Fatalf("list = %+v", list)
	}

	rr = doJSON(t, h, http.MethodDelete, "/v1/capsules/"+c.ID, "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/v1/capsules/"+c.ID, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rr.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAPI(t, "")
	h := svc.routes()

	cases := []map[string]any{
		{"title": "no user"},
		{"user_id": "u1"},
		{"user_id": "u1", "title": "t", "status": "bogus"},
		{"user_id": "u1", "title": "t", "status": "scheduled"}, // no scheduled_for
	}
	for i, body := range cases {
		rr := doJSON(t, h, http.MethodPost, "/v1/capsules", "", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, rr.Code)
		}
	}
}

func TestSelfDestructOnView(t *testing.T) {
	t.Parallel()
	svc, st := newTestAPI(t, "")
	h := svc.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/users", "", map[string]string{"id": "u1", "email": "me@example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("user: %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodPost, "/v1/capsules", "", map[string]any{
		"user_id":       "u1",
		"title":         "burn after reading",
		"content":       "secret",
		"status":        "scheduled",
		"self_destruct": true,
		"scheduled_for": time.Now().Format(time.RFC3339),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	var c capsule.Capsule
	_ = json.Unmarshal(rr.Body.Bytes(), &c)

	rr = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/capsules/%s/view", c.ID), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("view: %d %s", rr.Code, rr.Body)
	}
	var viewed capsule.Capsule
	_ = json.Unmarshal(rr.Body.Bytes(), &viewed)
	if viewed.Content != "secret" || viewed.ViewedAt == nil {
		t.Fatalf("viewed = %+v", viewed)
	}

	// Gone after the first view.
	if _, err := st.GetCapsule(httptest.NewRequest("GET", "/", nil).Context(), c.ID); err == nil {
		t.Fatal("self-destruct capsule still exists")
	}
}

func TestRecipientsEndpoints(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAPI(t, "")
	h := svc.routes()

	doJSON(t, h, http.MethodPost, "/v1/users", "", map[string]string{"id": "u1", "email": "me@example.com"})
	rr := doJSON(t, h, http.MethodPost, "/v1/capsules", "", map[string]any{
		"user_id": "u1", "title": "t", "content": "c",
	})
	var c capsule.Capsule
	_ = json.Unmarshal(rr.Body.Bytes(), &c)

	rr = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/capsules/%s/recipients", c.ID), "", []map[string]string{
		{"email": "a@example.com", "name": "A"},
		{"email": "b@example.com"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rr.Code, rr.Body)
	}

	rr = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/capsules/%s/recipients", c.ID), "", nil)
	var recs []capsule.Recipient
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recipients = %+v", recs)
	}

	// Missing email rejected.
	rr = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/capsules/%s/recipients", c.ID), "", []map[string]string{{"name": "noaddr"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank email: %d", rr.Code)
	}
}

func TestSuggestDateFallback(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAPI(t, "")
	h := svc.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/ai/suggest-date", "", map[string]string{"content": "x"})
	if rr.Code != http.StatusOK {
		t.Fatalf("suggest-date: %d", rr.Code)
	}
	var out struct {
		SuggestedDate string `json:"suggested_date"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	when, err := time.Parse(time.RFC3339, out.SuggestedDate)
	if err != nil {
		t.Fatalf("bad date %q: %v", out.SuggestedDate, err)
	}
	if when.Before(time.Now().AddDate(0, 11, 0)) {
		t.Fatalf("fallback date should be about a year out, got %v", when)
	}
}

func TestPromptFallback(t *testing.T) {
	t.Parallel()
	svc, _ := newTestAPI(t, "")
	h := svc.routes()

	rr := doJSON(t, h, http.MethodGet, "/v1/ai/prompt", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("prompt: %d", rr.Code)
	}
	var out map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out["prompt"] == "" {
		t.Fatal("empty prompt")
	}
}
