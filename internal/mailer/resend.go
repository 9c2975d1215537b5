package mailer

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

	logx "capsuled/pkg/logx"
)

const resendDefaultBaseURL = "https://api.resend.com"

type resendMailer struct {
	baseURL string
	apiKey  string
	from    string
	http    *http.Client
	log     logx.Logger
}

func newResend(cfg Config, apiKey string, log logx.Logger) (*resendMailer, error) {
	if apiKey == "" {
		return nil, errors.New("resend api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = resendDefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &resendMailer{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  apiKey,
		from:    formatAddress(cfg.FromName, cfg.FromAddress),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

func (r *resendMailer) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(resendRequest{
		From:    r.from,
		To:      []string{m.To},
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&ok)
		r.log.Debug("email accepted",
			logx.String("to", m.To),
			logx.String("provider_id", ok.ID))
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &apiErr)
	if apiErr.Message != "" {
		return fmt.Errorf("resend status %d: %s", resp.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("resend status %d", resp.StatusCode)
}
