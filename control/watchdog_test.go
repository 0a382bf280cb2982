package control

import (
	"testing"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// TestWatchdogScenario5 reproduces spec.md's Scenario 5: five consecutive
// ticks with 1070 in the fault state each submit a 1103=10 reset command;
// the sixth tick, with retries exhausted, raises the latched alarm instead.
func TestWatchdogScenario5(t *testing.T) {
	cfg := config.DefaultConfig()
	snap := snapshot.New()
	box := inbox.New()
	fs := newTestFlagStore(t)

	w := NewMachineResetWatchdog(cfg, snap, fs, box, nil)
	snap.SetValues(map[int]int{1070: 1})

	for i := 1; i <= 5; i++ {
		w.Tick()
		cmd, ok := box.Take()
		if !ok || cmd.Index != 1103 || cmd.Value != 10 {
			t.Fatalf("tick %d: expected 1103=10 reset write, got %+v ok=%v", i, cmd, ok)
		}
	}

	if fs.MacchinaAllarme() {
		t.Fatalf("alarm should not be raised before retries are exhausted")
	}

	w.Tick()
	if _, ok := box.Take(); ok {
		t.Fatalf("sixth tick should not submit another reset")
	}
	if !fs.MacchinaAllarme() {
		t.Fatalf("expected alarm raised once retries exhausted")
	}
}

func TestWatchdogClearsOnOperationalState(t *testing.T) {
	cfg := config.DefaultConfig()
	snap := snapshot.New()
	box := inbox.New()
	fs := newTestFlagStore(t)

	w := NewMachineResetWatchdog(cfg, snap, fs, box, nil)
	w.resetAttempts = 3
	w.alarmActive = true
	fs.SetMacchinaAllarme(true)

	snap.SetValues(map[int]int{1070: 2})
	w.Tick()

	if w.alarmActive || fs.MacchinaAllarme() {
		t.Fatalf("expected alarm cleared once machine reports operational")
	}
	if w.resetAttempts != 0 {
		t.Fatalf("expected reset attempts cleared, got %d", w.resetAttempts)
	}
}

func TestWatchdogReloadSwapsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	w := NewMachineResetWatchdog(cfg, snapshot.New(), newTestFlagStore(t), inbox.New(), nil)

	next := config.DefaultConfig()
	next.MaxResetAttempts = cfg.MaxResetAttempts + 1
	w.Reload(next)

	if w.cfg.MaxResetAttempts != next.MaxResetAttempts {
		t.Fatalf("cfg.MaxResetAttempts = %d, want %d", w.cfg.MaxResetAttempts, next.MaxResetAttempts)
	}
}
