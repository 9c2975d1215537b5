// Package app wires configuration, storage, the mailer, enrichment, alerts,
// the delivery dispatcher, the scheduler and the HTTP API into one daemon.
package app

import (
	"context"
	"fmt"
	"time"

	"capsuled/internal/alert"
	"capsuled/internal/config"
	"capsuled/internal/delivery"
	"capsuled/internal/enrich"
	"capsuled/internal/eventbus"
	"capsuled/internal/httpapi"
	"capsuled/internal/mailer"
	rtsup "capsuled/internal/runtime/supervisor"
	"capsuled/internal/scheduler"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dispatcher *delivery.Dispatcher
	sched      *scheduler.Service
	alerts     *alert.Service
	api        *httpapi.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	mc, err := mapMailerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mail, err := mailer.Open(mc, mailer.Credentials{
		ResendAPIKey: secrets.ResendAPIKey,
		SMTPUsername: secrets.SMTPUsername,
		SMTPPassword: secrets.SMTPPassword,
	}, log.With(logx.String("comp", "mailer")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ec, err := mapEnrichConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	enricher := enrich.New(ec, secrets.OpenAIAPIKey, log.With(logx.String("comp", "enrich")))

	// Alerts are optional: without a token and chat the pipeline stays dark.
	ac, err := mapAlertsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var sender alert.Sender
	if ac.Enabled {
		ts, terr := alert.NewTelegramSender(secrets.TelegramToken, cfg.Alerts.ChatID, cfg.Alerts.ThreadID)
		if terr != nil {
			log.Warn("alerts disabled: telegram sender unavailable", logx.Err(terr))
			ac.Enabled = false
		} else {
			sender = ts
		}
	}
	alerts := alert.New(ac, sender, log.With(logx.String("comp", "alert")), bus)

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	attempter := delivery.NewMailAttempter(mail, cfg.Mailer.ViewBaseURL)
	var enr delivery.Enricher
	if enricher.Enabled() {
		enr = enricher
	}
	dispatcher := delivery.New(dc, store, attempter, enr, alerts, bus, log)
	dispatcher.SetFallbackReflection(enrich.FallbackReflection)

	tick := func(ctx context.Context, now time.Time) error {
		_, err := dispatcher.Tick(ctx, now)
		return err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, tick, log)

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	api := httpapi.New(apiCfg, store, enricher, func(ctx context.Context) error {
		return tick(ctx, time.Now())
	}, log)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		dispatcher: dispatcher,
		sched:      sched,
		alerts:     alerts,
		api:        api,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMailerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEnrichConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAlertsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if a.api.Enabled() {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	// Debug visibility into pipeline events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies hot-reloadable sections. Storage, mailer and delivery
// wiring changes need a restart; those are logged, not applied.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if prev != nil && (prev.Storage != cfg.Storage || prev.Mailer != cfg.Mailer || prev.Delivery != cfg.Delivery) {
		a.log.Warn("storage/mailer/delivery config changed; restart required for changes to take effect")
	}

	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, sc); err != nil {
		a.log.Warn("scheduler apply failed; keeping previous", logx.Err(err))
	}

	if ac, err := mapAlertsConfig(cfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.alerts.Enabled()
		a.alerts.Apply(ac)
		switch {
		case wasEnabled && !ac.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.alerts.Stop(stopCtx)
			cancel()
		case !wasEnabled && ac.Enabled:
			a.alerts.Start(ctx)
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
