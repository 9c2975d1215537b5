// Package enrich generates optional AI text for capsules: a reflection shown
// in the delivery email, a suggested delivery date, and writing prompts.
//
// Everything here is best effort. Callers must treat errors as a signal to
// fall back, never as a reason to fail delivery; Fallback* helpers provide
// the degraded output.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"capsuled/internal/capsule"
	logx "capsuled/pkg/logx"
)

// Config configures the enrichment client.
type Config struct {
	Enabled   bool
	BaseURL   string // OpenAI-compatible endpoint root, default https://api.openai.com
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

const (
	defaultBaseURL   = "https://api.openai.com"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 300
	defaultTimeout   = 20 * time.Second
)

// ErrDisabled is returned when enrichment is switched off or has no API key.
var ErrDisabled = errors.New("enrichment disabled")

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg    Config
	apiKey string
	http   *http.Client
	log    logx.Logger
}

func New(cfg Config, apiKey string, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.apiKey != ""
}

// ReflectionSummary produces a short reflection on the capsule's content for
// inclusion in the delivery email.
func (c *Client) ReflectionSummary(ctx context.Context, cap *capsule.Capsule) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	sys := "You write a warm, brief reflection (2-3 sentences) delivered alongside a time capsule message someone wrote to their future self. Address the reader directly. Do not quote the message back."
	user := fmt.Sprintf("The capsule titled %q was written on %s and is being delivered now. Message:\n\n%s",
		cap.Title, cap.CreatedAt.Format("January 2, 2006"), clip(cap.Content, 2000))
	return c.complete(ctx, sys, user)
}

// SuggestDeliveryDate asks for a meaningful future delivery date given the
// capsule text. The response must be a JSON object with "date" (RFC 3339) and
// "reason" fields.
func (c *Client) SuggestDeliveryDate(ctx context.Context, content string, now time.Time) (time.Time, string, error) {
	if !c.Enabled() {
		return time.Time{}, "", ErrDisabled
	}
	sys := `You pick a meaningful future delivery date for a time capsule based on its content. Respond with only a JSON object: {"date":"<RFC3339>","reason":"<one sentence>"}. The date must be in the future.`
	user := fmt.Sprintf("Today is %s. Capsule content:\n\n%s", now.Format(time.RFC3339), clip(content, 2000))

	raw, err := c.complete(ctx, sys, user)
	if err != nil {
		return time.Time{}, "", err
	}
	var parsed struct {
		Date   string `json:"date"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return time.Time{}, "", fmt.Errorf("unparseable suggestion: %w", err)
	}
	when, err := time.Parse(time.RFC3339, parsed.Date)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("unparseable suggested date %q: %w", parsed.Date, err)
	}
	if !when.After(now) {
		return time.Time{}, "", fmt.Errorf("suggested date %s is not in the future", parsed.Date)
	}
	return when, parsed.Reason, nil
}

// PromptSuggestion returns a single writing prompt to seed a new capsule.
func (c *Client) PromptSuggestion(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	sys := "You suggest a single, evocative writing prompt for a message to one's future self. Respond with only the prompt, one sentence, no quotes."
	return c.complete(ctx, sys, "Give me one prompt.")
}

// FallbackReflection is the canned reflection used when the AI call fails.
// It keys off how long the capsule waited.
func FallbackReflection(created, now time.Time) string {
	elapsed := now.Sub(created)
	switch {
	case elapsed >= 365*24*time.Hour:
		years := int(elapsed.Hours() / (365 * 24))
		unit := "years"
		if years == 1 {
			unit = "year"
		}
		return fmt.Sprintf("This message traveled %d %s to reach you. Take a moment to remember who you were when you wrote it.", years, unit)
	case elapsed >= 30*24*time.Hour:
		months := int(elapsed.Hours() / (30 * 24))
		unit := "months"
		if months == 1 {
			unit = "month"
		}
		return fmt.Sprintf("You wrote this %d %s ago. A lot can change in that time; see how much has.", months, unit)
	default:
		return "A message from your recent past has arrived. Even a short trip through time can offer perspective."
	}
}

// FallbackSuggestedDate is one year out, the default when no suggestion is
// available.
func FallbackSuggestedDate(now time.Time) (time.Time, string) {
	return now.AddDate(1, 0, 0), "One year from now is a classic time capsule horizon."
}

// FallbackPrompt is the default writing prompt.
const FallbackPrompt = "What do you want your future self to know?"

// ---- transport ----

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion status %d: %s", resp.StatusCode, clip(string(data), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", errors.New(out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("blank completion")
	}
	return text, nil
}

// extractJSON pulls the first {...} object out of a completion that may be
// wrapped in prose or a code fence.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
