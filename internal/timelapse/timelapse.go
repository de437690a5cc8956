// Package timelapse captures photos on a fixed interval. Occurrences are
// aligned to wall-clock interval boundaries and deduplicated through the
// ledger, so a daemon restart within the same period does not capture the
// same occurrence twice.
package timelapse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/capture"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/ledger"
	"github.com/softboxd/softboxd/internal/storage"
)

// StateID is the resource-state id the schedule is stored under.
const StateID = "current"

// Schedule is the persisted timelapse setting.
type Schedule struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// Occurrence is one firing point of the schedule.
type Occurrence struct {
	ID   string
	Time time.Time
}

// occurrenceAfter returns the next interval boundary after now. Boundaries
// are aligned to the epoch so the same wall-clock period always yields the
// same occurrence id.
func occurrenceAfter(now time.Time, interval time.Duration) Occurrence {
	sec := int64(interval / time.Second)
	if sec < 1 {
		sec = 1
	}
	tick := now.Unix()/sec + 1
	t := time.Unix(tick*sec, 0).UTC()
	return Occurrence{
		ID:   fmt.Sprintf("timelapse/%d", t.Unix()),
		Time: t,
	}
}

// Runner drives the schedule and fires captures through the shared flow.
type Runner struct {
	flow   *capture.Flow
	ledger *ledger.Ledger
	bus    *eventbus.Bus
	store  *storage.TypedStore[Schedule]

	mu    sync.Mutex
	sched Schedule

	reconfig chan struct{}
}

// New creates a runner, restoring a persisted schedule when present. The
// store and bus may be nil.
func New(flow *capture.Flow, led *ledger.Ledger, bus *eventbus.Bus, store *storage.TypedStore[Schedule], defaultInterval time.Duration) *Runner {
	if defaultInterval < time.Second {
		defaultInterval = 30 * time.Second
	}

	r := &Runner{
		flow:     flow,
		ledger:   led,
		bus:      bus,
		store:    store,
		sched:    Schedule{Interval: defaultInterval},
		reconfig: make(chan struct{}, 1),
	}

	if store != nil {
		persisted, version, err := store.Get(StateID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to restore timelapse schedule")
		} else if version > 0 {
			if persisted.Interval < time.Second {
				persisted.Interval = defaultInterval
			}
			r.sched = persisted
			log.Info().
				Bool("enabled", persisted.Enabled).
				Dur("interval", persisted.Interval).
				Msg("Timelapse schedule restored")
		}
	}

	return r
}

// Run drives the schedule until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	log.Info().Msg("Timelapse runner started")

	for {
		sched := r.Current()

		if !sched.Enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-r.reconfig:
				continue
			}
		}

		occ := occurrenceAfter(time.Now(), sched.Interval)
		timer := time.NewTimer(time.Until(occ.Time))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.reconfig:
			timer.Stop()
			continue
		case <-timer.C:
			r.fire(ctx, occ)
		}
	}
}

// Current returns the schedule as configured now.
func (r *Runner) Current() Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched
}

// Start enables the schedule. A non-positive interval keeps the previous
// one; intervals below one second are raised to one second.
func (r *Runner) Start(interval time.Duration) Schedule {
	r.mu.Lock()
	if interval > 0 {
		r.sched.Interval = interval
	}
	if r.sched.Interval < time.Second {
		r.sched.Interval = time.Second
	}
	r.sched.Enabled = true
	sched := r.sched
	r.mu.Unlock()

	r.persist(sched)
	r.notify()
	r.publishState("started", sched)
	log.Info().Dur("interval", sched.Interval).Msg("Timelapse started")
	return sched
}

// Stop disables the schedule.
func (r *Runner) Stop() Schedule {
	r.mu.Lock()
	r.sched.Enabled = false
	sched := r.sched
	r.mu.Unlock()

	r.persist(sched)
	r.notify()
	r.publishState("stopped", sched)
	log.Info().Msg("Timelapse stopped")
	return sched
}

func (r *Runner) notify() {
	select {
	case r.reconfig <- struct{}{}:
	default:
	}
}

func (r *Runner) persist(sched Schedule) {
	if r.store == nil {
		return
	}
	if err := r.store.Set(StateID, sched); err != nil {
		log.Error().Err(err).Msg("Failed to persist timelapse schedule")
	}
}

// fire runs one occurrence: publish it, then capture with the occurrence
// id as the idempotency key so duplicates collapse in the ledger.
func (r *Runner) fire(ctx context.Context, occ Occurrence) {
	if r.ledger.HasCompleted(occ.ID) {
		log.Debug().Str("occurrence", occ.ID).Msg("Occurrence already captured, skipping")
		return
	}

	if err := r.ledger.AppendWithSource(ledger.EventTimelapseFired, "", "timelapse", occ.ID, map[string]any{
		"occurrence_id": occ.ID,
		"run_at":        occ.Time.Unix(),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to record timelapse occurrence")
	}
	r.publishOccurrence(occ)

	res, err := r.flow.Do(ctx, capture.Request{
		IdempotencyKey: occ.ID,
		Source:         "timelapse",
	})
	if err != nil {
		log.Warn().Err(err).Str("occurrence", occ.ID).Msg("Timelapse capture failed")
		return
	}

	log.Info().
		Str("occurrence", occ.ID).
		Str("photo_id", res.Photo.ID).
		Msg("Timelapse captured")
}

func (r *Runner) publishOccurrence(occ Occurrence) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeTimelapse,
		Data: map[string]interface{}{
			"event":         "occurrence",
			"occurrence_id": occ.ID,
			"run_at":        occ.Time.UTC().Format(time.RFC3339),
		},
	})
}

func (r *Runner) publishState(event string, sched Schedule) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeTimelapse,
		Data: map[string]interface{}{
			"event":    event,
			"enabled":  sched.Enabled,
			"interval": sched.Interval.String(),
		},
	})
}
