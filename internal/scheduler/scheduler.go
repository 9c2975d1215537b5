// Package scheduler drives the delivery loop: it fires the dispatcher's Tick
// on a cron expression or a fixed interval. The default matches the 5-minute
// period the pipeline was designed around.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"capsuled/internal/delivery"
	logx "capsuled/pkg/logx"
)

const DefaultSchedule = "*/5 * * * *"

// TickFunc runs one delivery pass. The scheduler never overlaps calls itself;
// the dispatcher additionally rejects overlap with ErrTickInFlight.
type TickFunc func(ctx context.Context, now time.Time) error

// Config controls the tick loop.
type Config struct {
	Enabled  bool
	Schedule string
	Timezone string // IANA name; empty means local time
}

// Service owns the cron runtime or interval ticker.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	fn  TickFunc

	parser cron.Parser
	c      *cron.Cron
	cancel context.CancelFunc // interval loop
	wg     sync.WaitGroup
}

func New(cfg Config, fn TickFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		fn:  fn,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	if s.c != nil || s.cancel != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}

	raw := s.cfg.Schedule
	if strings.TrimSpace(raw) == "" {
		raw = DefaultSchedule
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return err
		}
	}

	switch spec.Kind {
	case SpecCron:
		c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
		if _, err := c.AddFunc(spec.Cron, func() { s.runTick(ctx) }); err != nil {
			return err
		}
		c.Start()
		s.c = c
		s.log.Info("started", logx.String("cron", spec.Cron), logx.String("tz", loc.String()))
	case SpecInterval:
		lctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go s.intervalLoop(lctx, spec.Every)
		s.log.Info("started", logx.Duration("every", spec.Every))
	}
	return nil
}

// Stop halts triggering. A tick already in flight finishes on its own.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	s.log.Info("stopped")
}

// Apply installs a new config. A changed schedule or timezone restarts the
// trigger runtime.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	changed := cfg.Enabled != s.cfg.Enabled ||
		cfg.Schedule != s.cfg.Schedule ||
		cfg.Timezone != s.cfg.Timezone
	s.cfg = cfg
	running := s.c != nil || s.cancel != nil
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if running {
		s.Stop(context.Background())
	}
	if cfg.Enabled {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.startLocked(ctx)
	}
	return nil
}

// TriggerNow runs one tick out of band (used by the API's manual trigger).
func (s *Service) TriggerNow(ctx context.Context) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, time.Now())
}

func (s *Service) intervalLoop(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runTick(ctx)
		}
	}
}

func (s *Service) runTick(ctx context.Context) {
	if s.fn == nil {
		return
	}
	err := s.fn(ctx, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrTickInFlight):
		// The previous tick is still draining a slow fan-out; skipping is the
		// designed behavior, not a fault.
		s.log.Debug("tick skipped, previous still running")
	default:
		s.log.Error("tick failed", logx.Err(err))
	}
}
