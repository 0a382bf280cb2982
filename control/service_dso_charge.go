package control

import (
	"log"
	"time"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// DSOChargeService forces a DSO-ordered charge event, pre-discharging the
// battery beforehand if the SOC is still above the reserve floor. Grounded
// on the full source of carica_forzata_dso.py (CaricaForzataDSO.tick).
type DSOChargeService struct {
	serviceLifecycle

	cfg     *config.Config
	snap    *snapshot.TelemetrySnapshot
	logger  *log.Logger
	program config.Program
	now     func() time.Time

	start, end time.Time
	state      ServiceState
}

// NewDSOChargeService builds the service for the given today's program.
func NewDSOChargeService(cfg *config.Config, program config.Program, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) (*DSOChargeService, error) {
	if logger == nil {
		logger = log.Default()
	}
	now := time.Now
	start, end, err := computeEventTimes(program, now())
	if err != nil {
		return nil, err
	}
	return &DSOChargeService{
		serviceLifecycle: newServiceLifecycle("dso_charge", flagStore, box),
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

// Start runs the service's one-time activation, claiming service_active.
// The event window is re-anchored to the date of s.now().
func (s *DSOChargeService) Start() {
	if start, end, err := computeEventTimes(s.program, s.now()); err == nil {
		s.start, s.end = start, end
	}
	s.activate()
	s.state = StatePrePhase
	s.logger.Printf("[DSO-CHARGE] activated for program %s, window %s-%s", s.program.ID, s.program.Start, s.program.End)
}

// Tick implements spec.md §4.E's DSO-forced-charge FSM.
func (s *DSOChargeService) Tick() {
	if !s.Active() {
		return
	}

	now := s.now()

	if now.After(s.end) || now.Equal(s.end) {
		s.state = StateDone
		s.complete()
		s.logger.Printf("[DSO-CHARGE] event window closed, lifecycle complete")
		return
	}

	if now.Before(s.start) {
		v1040, _ := s.snap.Value(1040)
		if v1040 > 50 {
			s.flags.SetAutoconsumoEnabled(false)
			submitWrite(s.box, s.name, 1102, 3)
			submitWrite(s.box, s.name, 1101, 6000)
			s.state = StatePrePhase
		} else {
			submitWrite(s.box, s.name, 1102, 0)
			s.flags.SetAutoconsumoEnabled(true)
			s.state = StateWaitEvent
		}
		return
	}

	s.flags.SetAutoconsumoEnabled(false)
	submitWrite(s.box, s.name, 1102, 1)
	submitWrite(s.box, s.name, 1101, -6000)
	s.state = StateEventActive
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a lock:
// gridsched.Scheduler only calls this from the same goroutine that calls
// Tick.
func (s *DSOChargeService) Reload(cfg *config.Config) {
	s.cfg = cfg
}
