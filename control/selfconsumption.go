package control

import (
	"log"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// SelfConsumptionController holds the grid-exchange sensor 1090 near 5000
// by trimming setpoint 1101, shifting to a community-sharing target when
// conditions allow. Grounded on controller_idea.py's
// regolazione_autoconsumo_locale/balance_energy/tick.
type SelfConsumptionController struct {
	cfg    *config.Config
	snap   *snapshot.TelemetrySnapshot
	flags  *flags.Store
	box    *inbox.CommandInbox
	logger *log.Logger

	cur1101 int
}

// NewSelfConsumptionController builds the controller with its initial
// setpoint assumed zero.
func NewSelfConsumptionController(cfg *config.Config, snap *snapshot.TelemetrySnapshot, flagStore *flags.Store, box *inbox.CommandInbox, logger *log.Logger) *SelfConsumptionController {
	if logger == nil {
		logger = log.Default()
	}
	return &SelfConsumptionController{cfg: cfg, snap: snap, flags: flagStore, box: box, logger: logger}
}

// Tick implements spec.md §4.B's eight-step procedure.
func (c *SelfConsumptionController) Tick() {
	if !c.flags.AutoconsumoEnabled() {
		return
	}

	v1090, ok := c.snap.Value(1090)
	if !ok || v1090 < 0 || v1090 > 10000 {
		return
	}

	debt := c.flags.DebitoEnergetico()
	sharing := c.flags.SharingEnabled()

	var remote1090 int
	haveRemote := false
	if sharing {
		parsed, err := snapshot.Parse(c.cfg.NeighborPath)
		if err != nil {
			c.logger.Printf("[SELFCONS] neighbor read failed: %v", err)
		} else if v, ok := parsed.Values[1090]; ok {
			remote1090, haveRemote = v, true
		}
	}

	v1040, _ := c.snap.Value(1040)

	community := !debt &&
		v1040 >= c.cfg.SOCThresholdCommunity &&
		sharing && haveRemote &&
		remote1090 > 0 && remote1090 < 5000 &&
		v1090 >= 5000-2*c.cfg.Deadband

	var target, step int
	if community {
		diff := 5000 - remote1090
		target = 5000 + diff + int(float64(diff)*c.cfg.BtLossFactor)
		step = c.cfg.StepCommunity
	} else {
		target = 5000
		step = c.cfg.StepLocal
	}

	newVal := c.cur1101
	switch {
	case v1090 < target-c.cfg.Deadband:
		newVal = c.cur1101 + step
	case v1090 > target+c.cfg.Deadband:
		newVal = c.cur1101 - step
	}

	clamped := clamp(newVal, c.cfg.Param1101Min, c.cfg.Param1101Max)
	c.cur1101 = clamped

	debtNow := clamped == c.cfg.Param1101Max && v1090 < 5000-c.cfg.Deadband
	c.flags.SetDebitoEnergetico(debtNow)

	submitWrite(c.box, "selfcons", 1101, clamped)
}

// Reload swaps in a freshly hot-reloaded configuration. Safe without a lock:
// gridsched.Scheduler only calls this from the same goroutine that calls
// Tick.
func (c *SelfConsumptionController) Reload(cfg *config.Config) {
	c.cfg = cfg
}
