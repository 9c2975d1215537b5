package app

import (
	"fmt"
	"strings"
	"time"

	"capsuled/internal/alert"
	"capsuled/internal/config"
	"capsuled/internal/delivery"
	"capsuled/internal/enrich"
	"capsuled/internal/httpapi"
	"capsuled/internal/mailer"
	"capsuled/internal/scheduler"
	"capsuled/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			sc.Path = "./capsules.db"
		}
	case "postgres", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn required for driver %q", sc.Driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown %q", sc.Driver)
	}
	return sc, nil
}

func mapMailerConfig(cfg *config.Config) (mailer.Config, error) {
	timeout, err := config.ParseDurationOrDefault("mailer.timeout", cfg.Mailer.Timeout, 15*time.Second)
	if err != nil {
		return mailer.Config{}, err
	}
	return mailer.Config{
		Driver:      cfg.Mailer.Driver,
		FromAddress: cfg.Mailer.FromAddress,
		FromName:    cfg.Mailer.FromName,
		BaseURL:     cfg.Mailer.BaseURL,
		SMTPHost:    cfg.Mailer.SMTPHost,
		SMTPPort:    cfg.Mailer.SMTPPort,
		RatePerSec:  float64(cfg.Mailer.RatePerSec),
		Timeout:     timeout,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	base, err := config.ParseDurationOrDefault("delivery.retry_base", cfg.Delivery.RetryBase, 10*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, 24*time.Hour)
	if err != nil {
		return delivery.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, 30*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	enrichTimeout, err := config.ParseDurationOrDefault("delivery.enrich_timeout", cfg.Delivery.EnrichTimeout, 20*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}

	var retry delivery.RetryPolicy
	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.RetryPolicy)) {
	case "", "unbounded":
		retry = delivery.Unbounded()
	case "backoff":
		retry = delivery.Backoff(base, maxDelay)
	default:
		return delivery.Config{}, fmt.Errorf("delivery.retry_policy: unknown %q", cfg.Delivery.RetryPolicy)
	}
	return delivery.Config{
		Retry:         retry,
		SendTimeout:   sendTimeout,
		EnrichTimeout: enrichTimeout,
	}, nil
}

func mapEnrichConfig(cfg *config.Config) (enrich.Config, error) {
	if cfg.Enrich == nil {
		return enrich.Config{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("enrich.timeout", cfg.Enrich.Timeout, 20*time.Second)
	if err != nil {
		return enrich.Config{}, err
	}
	return enrich.Config{
		Enabled:   cfg.Enrich.Enabled,
		BaseURL:   cfg.Enrich.BaseURL,
		Model:     cfg.Enrich.Model,
		MaxTokens: cfg.Enrich.MaxTokens,
		Timeout:   timeout,
	}, nil
}

func mapAlertsConfig(cfg *config.Config) (alert.Config, error) {
	if cfg.Alerts == nil {
		return alert.Config{}, nil
	}
	base, err := config.ParseDurationOrDefault("alerts.retry_base", cfg.Alerts.RetryBase, 500*time.Millisecond)
	if err != nil {
		return alert.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("alerts.retry_max_delay", cfg.Alerts.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return alert.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", cfg.Alerts.DedupWindow, time.Hour)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:         cfg.Alerts.Enabled,
		QueueSize:       cfg.Alerts.QueueSize,
		RatePerSec:      cfg.Alerts.RatePerSec,
		RetryMax:        cfg.Alerts.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: cfg.Alerts.DedupMaxEntries,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Schedule: cfg.Scheduler.Schedule,
		Timezone: cfg.Scheduler.Timezone,
	}
	if raw := strings.TrimSpace(sc.Schedule); raw != "" {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
		}
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return sc, nil
}

func mapAPIConfig(cfg *config.Config) (httpapi.Config, error) {
	if cfg.API == nil {
		return httpapi.Config{}, nil
	}
	read, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", cfg.API.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         cfg.API.Addr,
		Token:        cfg.API.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
