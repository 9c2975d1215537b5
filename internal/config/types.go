package config

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Secrets (API keys, SMTP credentials, bot token) never live here; they come
// from the environment, see Secrets.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Mailer    MailerConfig    `json:"mailer"`

	Enrich *EnrichConfig `json:"enrich,omitempty"`
	Alerts *AlertsConfig `json:"alerts,omitempty"`
	API    *APIConfig    `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the capsule store backend.
//
// Driver values:
//   - "sqlite":   local database file (Path required)
//   - "postgres": server database (DSN required)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the delivery tick loop.
//
// Schedule accepts a cron expression ("*/5 * * * *", "@hourly"), a plain
// duration ("5m"), or an explicit "cron:"/"interval:" prefix. The default
// matches the 5-minute period the delivery pipeline was designed around.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// DeliveryConfig controls the orchestrator.
//
// RetryPolicy:
//   - "unbounded" (default): keep retrying a failed send every tick, forever.
//   - "backoff": exponential backoff between attempts, bounded by RetryMaxDelay.
type DeliveryConfig struct {
	RetryPolicy   string `json:"retry_policy,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// SendTimeout bounds a single delivery attempt so a hung send cannot
	// wedge the tick. "0s" disables the bound.
	SendTimeout string `json:"send_timeout,omitempty"`

	// EnrichTimeout bounds the best-effort reflection call per capsule.
	EnrichTimeout string `json:"enrich_timeout,omitempty"`
}

// MailerConfig selects and tunes the outbound email driver.
//
// Driver values:
//   - "resend": HTTP JSON API (RESEND_API_KEY env required)
//   - "smtp":   plain SMTP (SMTP_USERNAME/SMTP_PASSWORD env for auth)
type MailerConfig struct {
	Driver      string `json:"driver"`
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name,omitempty"`

	BaseURL string `json:"base_url,omitempty"` // resend; default https://api.resend.com

	// ViewBaseURL, when set, adds an "open your capsule" link to delivery
	// email pointing at <ViewBaseURL>/capsules/<id>.
	ViewBaseURL string `json:"view_base_url,omitempty"`

	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`

	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// EnrichConfig controls the reflection helper. The whole pipeline works with
// this section omitted; enrichment then degrades to the canned fallback text.
type EnrichConfig struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url,omitempty"` // endpoint root, default https://api.openai.com
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// AlertsConfig controls the operator alert pipeline (Telegram).
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	ChatID          int64  `json:"chat_id"`
	ThreadID        int    `json:"thread_id,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// APIConfig controls the HTTP JSON API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
