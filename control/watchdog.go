package control

import (
	"log"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// MachineResetWatchdog detects the inverter fault state (register 1070),
// retries a reset command up to max_attempts, and raises a latched alarm
// when retries are exhausted. Grounded on controllo_reset_macchina.py's
// MachineStateResetService.
type MachineResetWatchdog struct {
	cfg    *config.Config
	snap   *snapshot.TelemetrySnapshot
	flags  *flags.Store
	box    *inbox.CommandInbox
	logger *log.Logger

	resetAttempts int
	alarmActive   bool
}

// NewMachineResetWatchdog builds the watchdog with counters clear.
func NewMachineResetWatchdog(cfg *config.Config, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) *MachineResetWatchdog {
	if logger == nil {
		logger = log.Default()
	}
	return &MachineResetWatchdog{cfg: cfg, snap: snap, flags: flagStore, box: box, logger: logger}
}

// Tick implements spec.md §4.D.
func (w *MachineResetWatchdog) Tick() {
	v1070, ok := w.snap.Value(1070)
	if !ok {
		return
	}

	switch {
	case v1070 == 2:
		w.resetAttempts = 0
		if w.alarmActive {
			w.alarmActive = false
			w.flags.SetMacchinaAllarme(false)
			w.logger.Printf("[WATCHDOG] machine operational again, alarm cleared")
		}
	case v1070 == 0 || v1070 == 1:
		if w.alarmActive {
			return
		}
		if w.resetAttempts < w.cfg.MaxResetAttempts {
			w.resetAttempts++
			submitWrite(w.box, "watchdog", 1103, 10)
			w.logger.Printf("[WATCHDOG] machine state=%d, reset attempt %d/%d", v1070, w.resetAttempts, w.cfg.MaxResetAttempts)
		} else {
			w.alarmActive = true
			w.flags.SetMacchinaAllarme(true)
			w.logger.Printf("[WATCHDOG] max reset attempts exhausted, alarm raised")
		}
	default:
		w.logger.Printf("[WATCHDOG] machine state=%d unrecognized, logging only", v1070)
	}
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a lock:
// gridsched.Scheduler only calls this from the same goroutine that calls
// Tick.
func (w *MachineResetWatchdog) Reload(cfg *config.Config) {
	w.cfg = cfg
}
