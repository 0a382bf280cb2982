package control

import (
	"log"
	"sync"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// BatteryController runs the emergency-charge FSM, the meter-derived grid
// power estimator, and the missing-energy report. Grounded on the full
// source of battery_controller.py (handle_emergency_charge,
// meter_convert_1090_to_power, print_missing_energy).
type BatteryController struct {
	cfg    *config.Config
	snap   *snapshot.TelemetrySnapshot
	flags  *flags.Store
	box    *inbox.CommandInbox
	logger *log.Logger

	emergencyActive bool
	cur1101         int

	mu            sync.RWMutex
	missingEnergy float64
}

// NewBatteryController builds the controller with emergency mode clear.
func NewBatteryController(cfg *config.Config, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) *BatteryController {
	if logger == nil {
		logger = log.Default()
	}
	return &BatteryController{cfg: cfg, snap: snap, flags: flagStore, box: box, logger: logger}
}

// MissingEnergyKWh returns the most recently published missing-energy figure.
func (b *BatteryController) MissingEnergyKWh() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.missingEnergy
}

// Tick implements spec.md §4.C.
func (b *BatteryController) Tick() {
	if b.flags.ServiceActive() {
		b.logger.Printf("[BATTERY] service active, emergency logic suppressed")
		b.publishMissingEnergy()
		return
	}

	v1040, _ := b.snap.Value(1040)
	v1013, _ := b.snap.Value(1013)

	if !b.emergencyActive && v1040 == b.cfg.EmergencyStartSOCDec &&
		v1013 >= b.cfg.IbatLowMin && v1013 <= b.cfg.IbatLowMax {
		b.emergencyActive = true
		submitWrite(b.box, "battery", 1102, 1)
		b.flags.SetAutoconsumoEnabled(false)
		b.logger.Printf("[BATTERY] emergency charge entered at soc=%d ibat=%d", v1040, v1013)
	}

	if b.emergencyActive && v1040 >= b.cfg.EmergencyStopSOCDec {
		b.emergencyActive = false
		b.cur1101 = 0
		submitWrite(b.box, "battery", 1102, 3)
		submitWrite(b.box, "battery", 1101, 0)
		b.flags.SetAutoconsumoEnabled(true)
		b.logger.Printf("[BATTERY] emergency charge cleared at soc=%d", v1040)
	}

	if b.emergencyActive {
		b.regulate(v1013)
	}

	b.publishMissingEnergy()
}

// regulate implements the meter-based emergency regulation branch (the
// spec's resolved Open Question: use_meter_control=true is the default).
func (b *BatteryController) regulate(v1013 int) {
	v1090, ok := b.snap.Value(1090)
	if !ok {
		return
	}

	pPrelievo := meterPrelievo(v1090, b.cfg.PrelievoW)

	newVal := b.cur1101
	switch {
	case pPrelievo < b.cfg.GridLimitW-b.cfg.GridHysteresisW:
		newVal = b.cur1101 - b.cfg.StepEmergency1101
	case pPrelievo > b.cfg.GridLimitW+b.cfg.GridHysteresisW:
		newVal = b.cur1101 + b.cfg.StepEmergency1101
	}

	if v1013 > b.cfg.IbatMax {
		// Safety override: bias toward less charging regardless of the
		// meter reading.
		newVal += b.cfg.StepEmergency1101
	}

	clamped := clamp(newVal, b.cfg.GuardrailMin1101, b.cfg.Emergency1101Max)
	b.cur1101 = clamped
	submitWrite(b.box, "battery", 1101, clamped)
}

// meterPrelievo implements the piecewise-linear meter model's import branch:
// v<=5000: grid import scales linearly from prelievoW at v=0 to 0 at v=5000.
// v>5000 (exporting): there is no import component.
func meterPrelievo(v int, prelievoW float64) float64 {
	if v <= 5000 {
		return float64(5000-v) / 5000 * prelievoW
	}
	return 0
}

// meterImmissione implements the export branch of the same model. The
// emergency regulation reads only the import branch.
func meterImmissione(v int, immissioneW float64) float64 {
	if v > 5000 {
		return float64(v-5000) / 5000 * immissioneW
	}
	return 0
}

func (b *BatteryController) publishMissingEnergy() {
	v1040, ok := b.snap.Value(1040)
	if !ok {
		return
	}
	missing := b.cfg.CapacityKWh * (1 - (float64(v1040)/10)/100)
	b.mu.Lock()
	b.missingEnergy = missing
	b.mu.Unlock()
	b.logger.Printf("[BATTERY] missing energy estimate: %.3f kWh", missing)
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a lock:
// gridsched.Scheduler only calls this from the same goroutine that calls
// Tick.
func (b *BatteryController) Reload(cfg *config.Config) {
	b.cfg = cfg
}
