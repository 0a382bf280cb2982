// Package gridsched implements the cooperative single-threaded scheduler
// required by spec.md §9's redesign flag: one dispatcher thread scans a
// small (controller, period, next_due) table on a coarse tick instead of
// running one goroutine per periodic job. Unlike the teacher's
// scheduler.PeriodicTask model — built for independent, non-interacting
// jobs — this scheduler's controllers share mutable telemetry and flag
// state, so ticks must run serially, never overlapping.
package gridsched

import (
	"context"
	"log"
	"time"

	"github.com/devskill-org/gridctl/config"
)

// Ticker is anything the scheduler can dispatch a tick to.
type Ticker interface {
	Tick()
}

// ConfigReloader applies a freshly hot-reloaded configuration. Components
// that need it implement this; others are skipped silently.
type ConfigReloader interface {
	Reload(cfg *config.Config)
}

type slot struct {
	name    string
	ticker  Ticker
	period  time.Duration
	nextDue time.Time
	// activeGate, when non-nil, gates whether this slot's ticker runs —
	// used for the four ScheduledServices, which only tick while holding
	// service_active.
	activeGate func() bool
}

// Scheduler is the single dispatcher thread. It owns no locks of its own:
// serializing ticks onto one goroutine is what makes the shared telemetry
// and flag state safe to touch from controller code without per-controller
// mutexes.
type Scheduler struct {
	cfg      *config.Config
	watcher  *config.Watcher
	logger   *log.Logger
	slots    []*slot
	reloaders []ConfigReloader
}

// New builds a scheduler bound to a config.Watcher for hot-reload.
func New(cfg *config.Config, watcher *config.Watcher, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{cfg: cfg, watcher: watcher, logger: logger}
}

// AddPeriodic registers a ticker to run every period, unconditionally.
func (s *Scheduler) AddPeriodic(name string, t Ticker, period time.Duration) {
	s.slots = append(s.slots, &slot{name: name, ticker: t, period: period, nextDue: time.Now()})
}

// AddGatedPeriodic registers a ticker that only runs while gate() reports
// true — used for the four ScheduledService FSMs, which must not advance
// their internal state while inactive.
func (s *Scheduler) AddGatedPeriodic(name string, t Ticker, period time.Duration, gate func() bool) {
	s.slots = append(s.slots, &slot{name: name, ticker: t, period: period, nextDue: time.Now(), activeGate: gate})
}

// AddReloader registers a component notified whenever the watched config
// file's mtime advances and is reloaded successfully.
func (s *Scheduler) AddReloader(r ConfigReloader) {
	s.reloaders = append(s.reloaders, r)
}

// Run blocks, dispatching due slots on s.cfg.SchedulerTick until ctx is
// cancelled. It never spawns a goroutine per slot: every tick executes
// inline, in registration order, before the next coarse wakeup.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.SchedulerTick)
	defer tick.Stop()

	configCheck := s.slots0Due()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[SCHEDULER] shutdown requested, stopping dispatch loop")
			return
		case now := <-tick.C:
			if s.watcher != nil && !now.Before(configCheck) {
				s.checkReload()
				configCheck = now.Add(s.cfg.ConfigCheckPeriod)
			}
			s.dispatch(now)
		}
	}
}

func (s *Scheduler) slots0Due() time.Time {
	return time.Now().Add(s.cfg.ConfigCheckPeriod)
}

func (s *Scheduler) dispatch(now time.Time) {
	for _, sl := range s.slots {
		if now.Before(sl.nextDue) {
			continue
		}
		sl.nextDue = now.Add(sl.period)
		if sl.activeGate != nil && !sl.activeGate() {
			continue
		}
		sl.ticker.Tick()
	}
}

func (s *Scheduler) checkReload() {
	newCfg, reloaded, err := s.watcher.CheckReload()
	if err != nil {
		s.logger.Printf("[SCHEDULER] config reload check failed: %v", err)
		return
	}
	if !reloaded {
		return
	}
	s.logger.Printf("[SCHEDULER] configuration reloaded")
	s.cfg = newCfg
	for _, r := range s.reloaders {
		r.Reload(newCfg)
	}
}
