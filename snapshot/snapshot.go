// Package snapshot holds the last-known-good register values and bus health
// metrics, and publishes/parses them at the filesystem boundary. It is
// mutated only by the SerialBus actor; every other component treats it as
// read-only, tolerating a slightly stale view.
package snapshot

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TelemetrySnapshot is the mutable, mutex-guarded register/metrics record
// owned by the SerialBus actor.
type TelemetrySnapshot struct {
	mu sync.RWMutex

	values map[int]int
	ts     time.Time

	readOK             int64
	readErr            int64
	writeOK            int64
	writeErr           int64
	resyncs            int64
	lastResetISO       string
	writerLastID       string
	foreignFramesTotal int64
	foreignAlert       bool
	foreignLastISO     string
	busOK              bool
}

// New returns an empty snapshot.
func New() *TelemetrySnapshot {
	return &TelemetrySnapshot{values: make(map[int]int)}
}

// SetValues merges freshly-read register values into the snapshot and bumps
// the timestamp. Only successfully-read chunks should call this.
func (s *TelemetrySnapshot) SetValues(vals map[int]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, v := range vals {
		s.values[addr] = v
	}
	s.ts = time.Now()
}

// Value returns the last-good value for a register and whether it is known.
func (s *TelemetrySnapshot) Value(addr int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[addr]
	return v, ok
}

// IncReadOK/IncReadErr/IncWriteOK/IncWriteErr bump the corresponding counters.
func (s *TelemetrySnapshot) IncReadOK()  { s.mu.Lock(); s.readOK++; s.mu.Unlock() }
func (s *TelemetrySnapshot) IncReadErr() { s.mu.Lock(); s.readErr++; s.mu.Unlock() }
func (s *TelemetrySnapshot) IncWriteOK() { s.mu.Lock(); s.writeOK++; s.mu.Unlock() }
func (s *TelemetrySnapshot) IncWriteErr() { s.mu.Lock(); s.writeErr++; s.mu.Unlock() }

// SetBusOK records whether the most recent I/O transaction succeeded.
func (s *TelemetrySnapshot) SetBusOK(ok bool) {
	s.mu.Lock()
	s.busOK = ok
	s.mu.Unlock()
}

// NoteResync stamps a bus reopen: bumps resyncs and last_reset_iso.
func (s *TelemetrySnapshot) NoteResync(at time.Time) {
	s.mu.Lock()
	s.resyncs++
	s.lastResetISO = at.UTC().Format(time.RFC3339)
	s.mu.Unlock()
}

// SetWriterLastID records the command ID of the last successful write.
func (s *TelemetrySnapshot) SetWriterLastID(id string) {
	s.mu.Lock()
	s.writerLastID = id
	s.mu.Unlock()
}

// NoteForeignFrame bumps the foreign-frame counters; foreignAlert is set or
// cleared by the caller's sliding-window logic (see busio.foreignDetector).
func (s *TelemetrySnapshot) NoteForeignFrame(at time.Time, alert bool) {
	s.mu.Lock()
	s.foreignFramesTotal++
	s.foreignLastISO = at.UTC().Format(time.RFC3339)
	s.foreignAlert = alert
	s.mu.Unlock()
}

// SetForeignAlert updates the alert flag without bumping the frame counter,
// used when the sliding window empties out and the alert clears on its own.
func (s *TelemetrySnapshot) SetForeignAlert(alert bool) {
	s.mu.Lock()
	s.foreignAlert = alert
	s.mu.Unlock()
}

// ForeignAlert reports the current foreign-master alert state.
func (s *TelemetrySnapshot) ForeignAlert() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreignAlert
}

// Metrics is an immutable point-in-time copy of the snapshot's counters,
// safe to read after the lock is released.
type Metrics struct {
	BusOK              bool
	TimestampISO       string
	ReadOKTotal        int64
	ReadErrTotal       int64
	WriteOKTotal       int64
	WriteErrTotal      int64
	Resyncs            int64
	LastResetISO       string
	WriterLastID       string
	ForeignFramesTotal int64
	ForeignAlert       bool
	ForeignLastISO     string
}

// Clone returns a read-only copy of the register map and metrics for
// publication or dashboard display.
func (s *TelemetrySnapshot) Clone() (map[int]int, Metrics) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vals := make(map[int]int, len(s.values))
	for k, v := range s.values {
		vals[k] = v
	}

	m := Metrics{
		BusOK:              s.busOK,
		TimestampISO:       s.ts.UTC().Format(time.RFC3339),
		ReadOKTotal:        s.readOK,
		ReadErrTotal:       s.readErr,
		WriteOKTotal:       s.writeOK,
		WriteErrTotal:      s.writeErr,
		Resyncs:            s.resyncs,
		LastResetISO:       s.lastResetISO,
		WriterLastID:       s.writerLastID,
		ForeignFramesTotal: s.foreignFramesTotal,
		ForeignAlert:       s.foreignAlert,
		ForeignLastISO:     s.foreignLastISO,
	}
	return vals, m
}

// WriteAtomic publishes the snapshot to path using a write-temp-then-rename,
// matching the Python original's write_fromidea tmp-file-then-os.replace
// idiom. The encoding is a flat KEY=VALUE-per-line document: one line per
// register, then the metric fields, since spec.md treats the wire format as
// out of scope and only specifies "timestamp + per-register section +
// optional meta section".
func (s *TelemetrySnapshot) WriteAtomic(path string) error {
	vals, m := s.Clone()

	var b strings.Builder
	fmt.Fprintf(&b, "TS_ISO=%s\n", m.TimestampISO)

	addrs := make([]int, 0, len(vals))
	for a := range vals {
		addrs = append(addrs, a)
	}
	sort.Ints(addrs)
	for _, a := range addrs {
		fmt.Fprintf(&b, "%d=%d\n", a, vals[a])
	}

	fmt.Fprintf(&b, "BUS_OK=%s\n", boolStr(m.BusOK))
	fmt.Fprintf(&b, "READ_OK_TOTAL=%d\n", m.ReadOKTotal)
	fmt.Fprintf(&b, "READ_ERR_TOTAL=%d\n", m.ReadErrTotal)
	fmt.Fprintf(&b, "WRITE_OK_TOTAL=%d\n", m.WriteOKTotal)
	fmt.Fprintf(&b, "WRITE_ERR_TOTAL=%d\n", m.WriteErrTotal)
	fmt.Fprintf(&b, "RESYNCS=%d\n", m.Resyncs)
	fmt.Fprintf(&b, "LAST_RESET_ISO=%s\n", m.LastResetISO)
	fmt.Fprintf(&b, "WRITER_LAST_ID=%s\n", m.WriterLastID)
	fmt.Fprintf(&b, "FOREIGN_FRAMES_TOTAL=%d\n", m.ForeignFramesTotal)
	fmt.Fprintf(&b, "FOREIGN_ALERT=%s\n", boolStr(m.ForeignAlert))
	fmt.Fprintf(&b, "FOREIGN_LAST_ISO=%s\n", m.ForeignLastISO)

	return writeFileAtomic(path, []byte(b.String()))
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

// Parsed is the result of reading back a published snapshot document,
// used both for round-trip tests and for reading the neighbor-node file
// (which shares the same schema per spec.md §6; only "1090" is consumed
// there).
type Parsed struct {
	Values map[int]int
	Meta   map[string]string
}

// Parse reads a KEY=VALUE document written by WriteAtomic (or by a neighbor
// node using the same schema) back into register values and meta fields.
func Parse(path string) (Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	result := Parsed{Values: make(map[int]int), Meta: make(map[string]string)}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if addr, err := strconv.Atoi(key); err == nil {
			if n, err := strconv.Atoi(val); err == nil {
				result.Values[addr] = n
				continue
			}
		}
		result.Meta[key] = val
	}
	if err := scanner.Err(); err != nil {
		return Parsed{}, fmt.Errorf("scan snapshot file: %w", err)
	}
	return result, nil
}
