// Package control implements the seven control loops that read
// TelemetrySnapshot, read/write FlagStore, and submit setpoint commands:
// SelfConsumptionController, BatteryController, MachineResetWatchdog, and
// the four ScheduledService FSMs. Each tick is non-blocking CPU logic, per
// spec.md §5: "Controllers are non-blocking CPU logic."
package control

import (
	"fmt"
	"sync/atomic"

	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/inbox"
)

var commandSeq int64

// nextCommandID returns a monotonic, component-tagged command identifier,
// satisfying the "id: monotonic string" requirement of spec.md §3 without
// pulling in a UUID library no repo in the example pack imports.
func nextCommandID(component string) string {
	return fmt.Sprintf("%s-%d", component, atomic.AddInt64(&commandSeq, 1))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func submitWrite(box *inbox.CommandInbox, component string, index, value int) {
	box.Submit(inbox.Command{ID: nextCommandID(component), Kind: inbox.KindWriteSingle, Index: index, Value: value})
}

// serviceLifecycle is the shared activation/completion behavior common to
// all four ScheduledService FSMs, generalized from the Python originals'
// repeated write_service_status + guardrail-restore sequence (seen in full
// in carica_forzata_dso.CaricaForzataDSO) into one embeddable type so the
// four services share one lifecycle implementation instead of four copies.
type serviceLifecycle struct {
	flags *flags.Store
	box   *inbox.CommandInbox
	name  string

	active bool
}

func newServiceLifecycle(name string, flagStore *flags.Store, box *inbox.CommandInbox) serviceLifecycle {
	return serviceLifecycle{flags: flagStore, box: box, name: name}
}

// Active reports whether this service currently holds service_active; the
// Scheduler ticks a scheduled service only while this is true.
func (s *serviceLifecycle) Active() bool {
	return s.active
}

// activate claims service_active; callers must only call this once. It sets
// the flag without checking whether another service already holds it.
func (s *serviceLifecycle) activate() {
	s.active = true
	s.flags.SetServiceActive(true)
}

// complete runs the common completion lifecycle shared by every exit path
// of the event window: restore 1102=3, 1101=0, autoconsumo_enabled=true,
// service_active=false. Process shutdown does not call it.
func (s *serviceLifecycle) complete() {
	submitWrite(s.box, s.name, 1102, 3)
	submitWrite(s.box, s.name, 1101, 0)
	s.flags.SetAutoconsumoEnabled(true)
	s.flags.SetServiceActive(false)
	s.active = false
}
