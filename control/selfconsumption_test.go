package control

import (
	"testing"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

func newTestFlagStore(t *testing.T) *flags.Store {
	t.Helper()
	dir := t.TempDir()
	paths := flags.Paths{
		Guardrail:     dir + "/guardrail.txt",
		ServiceStatus: dir + "/service_status.txt",
		Debito:        dir + "/debito.txt",
		MachineAlarm:  dir + "/machine_alarm.txt",
		Sharing:       dir + "/sharing.xml",
	}
	return flags.New(paths, nil)
}

// TestSelfConsumptionScenario1 reproduces spec.md's Scenario 1: grid sensor
// below target by more than the deadband nudges 1101 upward by step_local
// each tick, converging after 10 ticks.
func TestSelfConsumptionScenario1(t *testing.T) {
	cfg := config.DefaultConfig()
	snap := snapshot.New()
	box := inbox.New()
	fs := newTestFlagStore(t)

	c := NewSelfConsumptionController(cfg, snap, fs, box, nil)
	c.cur1101 = 1000

	snap.SetValues(map[int]int{1090: 4800, 1040: 0})

	c.Tick()
	if c.cur1101 != 1020 {
		t.Fatalf("after first tick: got 1101=%d, want 1020", c.cur1101)
	}
	cmd, ok := box.Take()
	if !ok || cmd.Index != 1101 || cmd.Value != 1020 {
		t.Fatalf("expected a write of 1101=1020, got %+v ok=%v", cmd, ok)
	}

	for i := 0; i < 9; i++ {
		c.Tick()
		box.Take()
	}
	if c.cur1101 != 1200 {
		t.Fatalf("after 10 ticks: got 1101=%d, want 1200", c.cur1101)
	}
}

func TestSelfConsumptionGatedByAutoconsumoFlag(t *testing.T) {
	cfg := config.DefaultConfig()
	snap := snapshot.New()
	box := inbox.New()
	fs := newTestFlagStore(t)
	fs.SetAutoconsumoEnabled(false)

	c := NewSelfConsumptionController(cfg, snap, fs, box, nil)
	snap.SetValues(map[int]int{1090: 4800, 1040: 0})
	c.Tick()

	if _, ok := box.Take(); ok {
		t.Fatalf("expected no write while autoconsumo disabled")
	}
}

func TestSelfConsumptionDeadbandHoldsSteady(t *testing.T) {
	cfg := config.DefaultConfig()
	snap := snapshot.New()
	box := inbox.New()
	fs := newTestFlagStore(t)

	c := NewSelfConsumptionController(cfg, snap, fs, box, nil)
	c.cur1101 = 500
	snap.SetValues(map[int]int{1090: 5000, 1040: 0})

	c.Tick()
	if c.cur1101 != 500 {
		t.Fatalf("within deadband, 1101 should not move: got %d", c.cur1101)
	}
}

func TestSelfConsumptionReloadSwapsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	c := NewSelfConsumptionController(cfg, snapshot.New(), newTestFlagStore(t), inbox.New(), nil)

	next := config.DefaultConfig()
	next.Deadband = cfg.Deadband + 123
	c.Reload(next)

	if c.cfg.Deadband != next.Deadband {
		t.Fatalf("cfg.Deadband = %d, want %d", c.cfg.Deadband, next.Deadband)
	}
}
