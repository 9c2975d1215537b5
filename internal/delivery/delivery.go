// Package delivery implements the capsule delivery orchestrator: scan the
// store for scheduled capsules, fan out to each pending target, persist every
// recipient success immediately, and mark the capsule delivered only when all
// targets landed.
//
// Semantics are at-least-once per recipient. Per-recipient persistence keeps
// re-runs from resending to targets that already got their copy; a crash
// between send and persist means one duplicate email, never a lost one.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capsuled/internal/alert"
	"capsuled/internal/capsule"
	"capsuled/internal/eventbus"
	"capsuled/internal/storage"
	logx "capsuled/pkg/logx"
)

// ErrTickInFlight is returned when a tick overlaps a still-running one.
var ErrTickInFlight = errors.New("delivery tick already in flight")

// Attempter performs one send to one target. Implementations must be safe
// for sequential reuse; the dispatcher never calls Attempt concurrently.
type Attempter interface {
	Attempt(ctx context.Context, c *capsule.Capsule, target capsule.Target, reflection string) error
}

// Enricher produces the optional reflection text. Errors degrade to the
// canned fallback; they never fail delivery.
type Enricher interface {
	ReflectionSummary(ctx context.Context, c *capsule.Capsule) (string, error)
}

// Alerter receives operator notifications. May be nil.
type Alerter interface {
	Notify(ctx context.Context, a alert.Alert) error
}

// FallbackReflectionFunc supplies degraded reflection text when the enricher
// fails or is absent.
type FallbackReflectionFunc func(created, now time.Time) string

// Config tunes the dispatcher.
type Config struct {
	Retry RetryPolicy // nil means Unbounded

	// SendTimeout bounds one Attempt call. 0 disables the bound.
	SendTimeout time.Duration
	// EnrichTimeout bounds the reflection call per capsule.
	EnrichTimeout time.Duration
}

// Stats summarizes one tick.
type Stats struct {
	Scanned    int // scheduled capsules seen
	NotYetDue  int
	Delivered  int // capsules that reached the delivered status this tick
	Sent       int // individual target sends that succeeded
	SendErrors int
	Stuck      int // capsules marked failed (no destination)
	Errors     int // per-capsule store errors that deferred work to a later tick
}

// Dispatcher runs delivery ticks. One instance per process; Tick is
// single-flight and an overlapping call returns ErrTickInFlight.
type Dispatcher struct {
	store     storage.Store
	attempter Attempter
	enricher  Enricher
	alerts    Alerter
	bus       eventbus.Bus
	log       logx.Logger

	retry              RetryPolicy
	sendTimeout        time.Duration
	enrichTimeout      time.Duration
	fallbackReflection FallbackReflectionFunc

	tickGate chan struct{}
}

func New(cfg Config, store storage.Store, attempter Attempter, enricher Enricher, alerts Alerter, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = Unbounded()
	}
	enrichTimeout := cfg.EnrichTimeout
	if enrichTimeout <= 0 {
		enrichTimeout = 20 * time.Second
	}
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	return &Dispatcher{
		store:              store,
		attempter:          attempter,
		enricher:           enricher,
		alerts:             alerts,
		bus:                bus,
		log:                log.With(logx.String("comp", "delivery")),
		retry:              retry,
		sendTimeout:        cfg.SendTimeout,
		enrichTimeout:      enrichTimeout,
		fallbackReflection: nil,
		tickGate:           gate,
	}
}

// SetFallbackReflection installs the degraded-reflection generator. A nil
// func means no reflection text when enrichment fails.
func (d *Dispatcher) SetFallbackReflection(f FallbackReflectionFunc) {
	d.fallbackReflection = f
}

// Tick runs one full scan-and-deliver pass.
//
// A store error during the scan aborts the whole tick; per-capsule errors
// after that are isolated and only defer that capsule to a later tick.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (Stats, error) {
	select {
	case <-d.tickGate:
	default:
		d.publish(eventbus.EventTickSkipped, map[string]any{"reason": "in-flight"})
		return Stats{}, ErrTickInFlight
	}
	defer func() { d.tickGate <- struct{}{} }()

	d.publish(eventbus.EventTickStarted, nil)
	var st Stats

	candidates, err := d.store.ListDueCandidates(ctx)
	if err != nil {
		d.log.Error("scan failed, aborting tick", logx.Err(err))
		return st, fmt.Errorf("scan due candidates: %w", err)
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		c := &candidates[i]
		st.Scanned++

		if !c.Due(now) {
			st.NotYetDue++
			continue
		}
		d.deliverOne(ctx, c, now, &st)
	}

	d.publish(eventbus.EventTickFinished, st)
	d.log.Info("tick finished",
		logx.Int("scanned", st.Scanned),
		logx.Int("delivered", st.Delivered),
		logx.Int("sent", st.Sent),
		logx.Int("send_errors", st.SendErrors),
		logx.Int("stuck", st.Stuck))
	return st, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, c *capsule.Capsule, now time.Time, st *Stats) {
	log := d.log.With(logx.String("capsule", c.ID))

	recipients, err := d.store.ListRecipients(ctx, c.ID)
	if err != nil {
		log.Warn("list recipients failed, deferring capsule", logx.Err(err))
		st.Errors++
		return
	}
	fallback, err := d.store.FallbackEmail(ctx, c.UserID)
	if err != nil {
		log.Warn("owner lookup failed, deferring capsule", logx.Err(err))
		st.Errors++
		return
	}

	targets, err := capsule.ResolveTargets(c, recipients, fallback)
	if errors.Is(err, capsule.ErrNoDestination) {
		d.markStuck(ctx, c, log, st)
		return
	}
	if err != nil {
		log.Warn("target resolution failed, deferring capsule", logx.Err(err))
		st.Errors++
		return
	}

	pending := targets.Pending()
	if len(pending) == 0 {
		// Every recipient already has its copy; only the capsule-level flip
		// remained from an earlier interrupted tick.
		d.finishCapsule(ctx, c, now, log, st)
		return
	}

	reflection := d.reflect(ctx, c, now, log)

	allDelivered := true
	for _, t := range pending {
		key := c.ID + "|" + t.Email
		if !d.retry.Allow(key, now) {
			allDelivered = false
			continue
		}

		if err := d.attempt(ctx, c, t, reflection); err != nil {
			allDelivered = false
			st.SendErrors++
			d.retry.RecordFailure(key, now)
			log.Warn("send failed",
				logx.String("to", t.Email),
				logx.Err(err))
			d.publish(eventbus.EventDeliveryFailed, map[string]any{
				"capsule_id": c.ID, "to": t.Email, "error": err.Error(),
			})
			if d.alerts != nil {
				_ = d.alerts.Notify(ctx, alert.Alert{
					Kind:      "delivery.failing",
					CapsuleID: c.ID,
					Severity:  alert.SevWarn,
					Text:      fmt.Sprintf("send to %s failed: %v", t.Email, err),
				})
			}
			continue
		}

		st.Sent++
		d.retry.RecordSuccess(key)
		d.publish(eventbus.EventRecipientSent, map[string]any{
			"capsule_id": c.ID, "to": t.Email,
		})

		// Persist the per-recipient success immediately so a later crash or
		// partial failure cannot resend to this target.
		if t.RecipientID != "" {
			if err := d.store.MarkRecipientDelivered(ctx, t.RecipientID, now); err != nil {
				if !storage.IsTransient(err) {
					// Row is gone, likely a concurrent delete through the
					// API. Nothing left to mark for this target.
					log.Warn("recipient row vanished after send",
						logx.String("recipient", t.RecipientID),
						logx.Err(err))
					continue
				}
				// The send landed but the mark did not. Leave the capsule
				// scheduled; next tick may resend to this one target, which
				// at-least-once permits.
				allDelivered = false
				st.Errors++
				log.Warn("recipient delivered-mark failed",
					logx.String("recipient", t.RecipientID),
					logx.Err(err))
			}
		}
	}

	if allDelivered {
		d.finishCapsule(ctx, c, now, log, st)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, c *capsule.Capsule, t capsule.Target, reflection string) error {
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}
	return d.attempter.Attempt(ctx, c, t, reflection)
}

// reflect returns the reflection text for the email. The enricher runs fresh
// on every delivery attempt; when it fails, a previously stored reflection is
// reused, and the canned fallback covers the rest.
func (d *Dispatcher) reflect(ctx context.Context, c *capsule.Capsule, now time.Time, log logx.Logger) string {
	if d.enricher != nil {
		ectx, cancel := context.WithTimeout(ctx, d.enrichTimeout)
		text, err := d.enricher.ReflectionSummary(ectx, c)
		cancel()
		if err == nil && text != "" {
			c.AIReflection = text
			// Stored so the API shows the same text the email carried.
			// Best effort.
			if uerr := d.store.UpdateCapsule(ctx, c); uerr != nil {
				log.Debug("reflection persist failed", logx.Err(uerr))
			}
			return text
		}
		if err != nil {
			log.Debug("enrichment unavailable, using fallback", logx.Err(err))
			d.publish(eventbus.EventEnrichmentSkipped, map[string]any{
				"capsule_id": c.ID, "error": err.Error(),
			})
		}
	}
	if c.AIReflection != "" {
		return c.AIReflection
	}
	if d.fallbackReflection != nil {
		return d.fallbackReflection(c.CreatedAt, now)
	}
	return ""
}

func (d *Dispatcher) finishCapsule(ctx context.Context, c *capsule.Capsule, now time.Time, log logx.Logger, st *Stats) {
	if err := d.store.MarkCapsuleDelivered(ctx, c.ID, now); err != nil {
		if !storage.IsTransient(err) {
			// Capsule deleted mid-tick; the scanner will not see it again.
			log.Warn("capsule vanished before delivered-mark", logx.Err(err))
			return
		}
		// Recipients are already marked; the next tick resolves an empty
		// pending set and retries only this final flip.
		st.Errors++
		log.Warn("capsule delivered-mark failed", logx.Err(err))
		return
	}
	st.Delivered++
	log.Info("capsule delivered", logx.Time("scheduled_for", c.ScheduledFor))
	d.publish(eventbus.EventCapsuleDelivered, map[string]any{"capsule_id": c.ID})
}

// markStuck handles the configuration defect of a capsule with no resolvable
// destination: flip it to failed so the scanner stops revisiting it, and tell
// the operator. An edit through the API puts it back to scheduled.
func (d *Dispatcher) markStuck(ctx context.Context, c *capsule.Capsule, log logx.Logger, st *Stats) {
	log.Error("capsule has no resolvable destination, marking failed")
	if err := d.store.MarkCapsuleFailed(ctx, c.ID); err != nil {
		st.Errors++
		log.Warn("failed-mark did not persist, capsule will be revisited", logx.Err(err))
		return
	}
	st.Stuck++
	d.publish(eventbus.EventCapsuleStuck, map[string]any{"capsule_id": c.ID})
	if d.alerts != nil {
		_ = d.alerts.Notify(ctx, alert.Alert{
			Kind:      "capsule.stuck",
			CapsuleID: c.ID,
			Severity:  alert.SevCritical,
			Text:      "capsule has no recipients, no legacy address and no owner email; marked failed until edited",
		})
	}
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
