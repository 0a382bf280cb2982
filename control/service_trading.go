package control

import (
	"log"
	"time"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// TradingDischargeService forces a market-window discharge with no
// pre-phase, protecting the partition floor by switching to a hold
// instead of over-draining. Grounded on spec.md §4.E's trading-discharge
// bullets, following the same lifecycle shape as the DSO variants.
type TradingDischargeService struct {
	serviceLifecycle

	cfg     *config.Config
	snap    *snapshot.TelemetrySnapshot
	logger  *log.Logger
	program config.Program
	now     func() time.Time

	start, end time.Time
	state      ServiceState
}

// NewTradingDischargeService builds the service for the given today's program.
func NewTradingDischargeService(cfg *config.Config, program config.Program, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) (*TradingDischargeService, error) {
	if logger == nil {
		logger = log.Default()
	}
	now := time.Now
	start, end, err := computeEventTimes(program, now())
	if err != nil {
		return nil, err
	}
	return &TradingDischargeService{
		serviceLifecycle: newServiceLifecycle("trading_discharge", flagStore, box),
		cfg:              cfg,
		snap:             snap,
		logger:           logger,
		program:          program,
		now:              now,
		start:            start,
		end:              end,
		state:            StateInit,
	}, nil
}

// Start claims service_active for this service instance. The event window
// is re-anchored to the date of s.now().
func (s *TradingDischargeService) Start() {
	if start, end, err := computeEventTimes(s.program, s.now()); err == nil {
		s.start, s.end = start, end
	}
	s.activate()
	s.state = StateEventActive
	s.logger.Printf("[TRADING-DISCHARGE] activated for program %s, window %s-%s", s.program.ID, s.program.Start, s.program.End)
}

// Tick implements spec.md §4.E's trading-discharge FSM: no pre-phase, the
// partition floor is re-evaluated every tick while the window is open.
func (s *TradingDischargeService) Tick() {
	if !s.Active() {
		return
	}

	now := s.now()

	if now.Before(s.start) {
		return
	}

	if now.After(s.end) || now.Equal(s.end) {
		s.state = StateDone
		s.complete()
		s.logger.Printf("[TRADING-DISCHARGE] event window closed, lifecycle complete")
		return
	}

	s.flags.SetAutoconsumoEnabled(false)
	v1040, _ := s.snap.Value(1040)
	if v1040 > s.program.PartitionSOCDec {
		submitWrite(s.box, s.name, 1102, 3)
		submitWrite(s.box, s.name, 1101, 6000)
	} else {
		// Partition floor hit: hold, do not touch 1102.
		submitWrite(s.box, s.name, 1101, 0)
	}
}

// TradingChargeService forces a market-window charge with no pre-phase,
// symmetric to TradingDischargeService. Grounded on spec.md §4.E's
// trading-charge bullets.
type TradingChargeService struct {
	serviceLifecycle

	cfg     *config.Config
	snap    *snapshot.TelemetrySnapshot
	logger  *log.Logger
	program config.Program
	now     func() time.Time

	start, end time.Time
	state      ServiceState
}

// NewTradingChargeService builds the service for the given today's program.
func NewTradingChargeService(cfg *config.Config, program config.Program, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) (*TradingChargeService, error) {
	if logger == nil {
		logger = log.Default()
	}
	now := time.Now
	start, end, err := computeEventTimes(program, now())
	if err != nil {
		return nil, err
	}
	return &TradingChargeService{
		serviceLifecycle: newServiceLifecycle("trading_charge", flagStore, box),
		cfg:              cfg,
		snap:             snap,
		logger:           logger,
		program:          program,
		now:              now,
		start:            start,
		end:              end,
		state:            StateInit,
	}, nil
}

// Start claims service_active for this service instance. The event window
// is re-anchored to the date of s.now().
func (s *TradingChargeService) Start() {
	if start, end, err := computeEventTimes(s.program, s.now()); err == nil {
		s.start, s.end = start, end
	}
	s.activate()
	s.state = StateEventActive
	s.logger.Printf("[TRADING-CHARGE] activated for program %s, window %s-%s", s.program.ID, s.program.Start, s.program.End)
}

// Tick implements spec.md §4.E's trading-charge FSM.
func (s *TradingChargeService) Tick() {
	if !s.Active() {
		return
	}

	now := s.now()

	if now.Before(s.start) {
		return
	}

	if now.After(s.end) || now.Equal(s.end) {
		s.state = StateDone
		s.complete()
		s.logger.Printf("[TRADING-CHARGE] event window closed, lifecycle complete")
		return
	}

	s.flags.SetAutoconsumoEnabled(false)
	v1040, _ := s.snap.Value(1040)
	if v1040 < s.program.PartitionSOCDec {
		submitWrite(s.box, s.name, 1102, 1)
		submitWrite(s.box, s.name, 1101, -6000)
	} else {
		submitWrite(s.box, s.name, 1101, 0)
	}
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a
// lock: gridsched.Scheduler only calls this from the same goroutine that
// calls Tick.
func (s *TradingDischargeService) Reload(cfg *config.Config) {
	s.cfg = cfg
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a
// lock: gridsched.Scheduler only calls this from the same goroutine that
// calls Tick.
func (s *TradingChargeService) Reload(cfg *config.Config) {
	s.cfg = cfg
}
