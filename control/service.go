package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devskill-org/gridctl/config"
)

// ServiceState names the shared FSM states from spec.md §4.E.
type ServiceState string

const (
	StateInit       ServiceState = "INIT"
	StatePrePhase   ServiceState = "PRE_PHASE"
	StateWaitEvent  ServiceState = "WAIT_EVENT"
	StateEventActive ServiceState = "EVENT_ACTIVE"
	StateDone       ServiceState = "DONE"
)

// TodayISO returns today's date formatted as the ISO date strings program
// day-lists use, in the given now.
func TodayISO(now time.Time) string {
	return now.Format("2006-01-02")
}

// FindProgramForToday returns the first program in programs whose mode is
// "auto" and whose Days list contains today, or nil if none match —
// grounded on carica_forzata_dso.py's load_dso_program().
func FindProgramForToday(programs []config.Program, today string) *config.Program {
	for i := range programs {
		p := &programs[i]
		if p.Mode != "auto" {
			continue
		}
		for _, d := range p.Days {
			if d == today {
				return p
			}
		}
	}
	return nil
}

// computeEventTimes parses a program's "HH:MM" Start/End against today's
// date in now's location, grounded on carica_forzata_dso.py's
// compute_event_times().
func computeEventTimes(p config.Program, now time.Time) (time.Time, time.Time, error) {
	start, err := parseClock(p.Start, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse program start %q: %w", p.Start, err)
	}
	end, err := parseClock(p.End, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse program end %q: %w", p.End, err)
	}
	return start, end, nil
}

func parseClock(hhmm string, now time.Time) (time.Time, error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("expected HH:MM, got %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location()), nil
}
