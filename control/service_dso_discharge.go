package control

import (
	"log"
	"time"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// DSODischargeService forces a DSO-ordered discharge event, pre-charging the
// battery beforehand if SOC is below the target and stopping the discharge
// at the reserve floor rather than over-draining. Grounded on the same
// lifecycle shape as carica_forzata_dso.py, generalized for §4.E's
// discharge variant.
type DSODischargeService struct {
	serviceLifecycle

	cfg     *config.Config
	snap    *snapshot.TelemetrySnapshot
	logger  *log.Logger
	program config.Program
	now     func() time.Time

	start, end time.Time
	state      ServiceState
}

// NewDSODischargeService builds the service for the given today's program.
func NewDSODischargeService(cfg *config.Config, program config.Program, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) (*DSODischargeService, error) {
	if logger == nil {
		logger = log.Default()
	}
	now := time.Now
	start, end, err := computeEventTimes(program, now())
	if err != nil {
		return nil, err
	}
	return &DSODischargeService{
		serviceLifecycle: newServiceLifecycle("dso_discharge", flagStore, box),
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
func (s *DSODischargeService) Start() {
	if start, end, err := computeEventTimes(s.program, s.now()); err == nil {
		s.start, s.end = start, end
	}
	s.activate()
	s.state = StatePrePhase
	s.logger.Printf("[DSO-DISCHARGE] activated for program %s, window %s-%s", s.program.ID, s.program.Start, s.program.End)
}

// Tick implements spec.md §4.E's DSO-forced-discharge FSM.
func (s *DSODischargeService) Tick() {
	if !s.Active() {
		return
	}

	now := s.now()

	if now.After(s.end) || now.Equal(s.end) {
		s.state = StateDone
		s.complete()
		s.logger.Printf("[DSO-DISCHARGE] event window closed, lifecycle complete")
		return
	}

	if now.Before(s.start) {
		v1040, _ := s.snap.Value(1040)
		if v1040 < s.cfg.TargetSOCHighDec {
			s.flags.SetAutoconsumoEnabled(false)
			submitWrite(s.box, s.name, 1102, 1)
			submitWrite(s.box, s.name, 1101, -6000)
			s.state = StatePrePhase
		} else {
			submitWrite(s.box, s.name, 1102, 0)
			s.flags.SetAutoconsumoEnabled(true)
			s.state = StateWaitEvent
		}
		return
	}

	s.flags.SetAutoconsumoEnabled(false)
	v1040, _ := s.snap.Value(1040)
	if v1040 > s.cfg.MinSOCDec {
		submitWrite(s.box, s.name, 1102, 3)
		submitWrite(s.box, s.name, 1101, 6000)
	} else {
		// Reserve floor reached: stop discharging without touching 1102.
		submitWrite(s.box, s.name, 1101, 0)
	}
	s.state = StateEventActive
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a lock:
// gridsched.Scheduler only calls this from the same goroutine that calls
// Tick.
func (s *DSODischargeService) Reload(cfg *config.Config) {
	s.cfg = cfg
}
