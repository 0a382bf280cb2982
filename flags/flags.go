// Package flags implements the FlagStore: the single process-wide,
// mutex-protected record of boolean control flags, mirrored best-effort to
// legacy sidecar files for external observers. Grounded on the Python
// originals' per-flag sidecar writers (battery_controller.py's guardrail/
// service_status files, controller_idea.py's DebitoEnergetico/sharing
// files, controllo_reset_macchina.py's machine_alarm file).
package flags

import (
	"encoding/xml"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is the FlagStore named in spec.md §3: five booleans, mutex-guarded,
// each mirrored to its own sidecar file on change.
type Store struct {
	mu sync.RWMutex

	autoconsumoEnabled bool
	serviceActive      bool
	macchinaAllarme    bool
	debitoEnergetico   bool
	sharingEnabled     bool

	paths  Paths
	logger *log.Logger
}

// Paths names the five sidecar files from spec.md §6.
type Paths struct {
	Guardrail     string
	ServiceStatus string
	Debito        string
	MachineAlarm  string
	Sharing       string
}

// New returns a Store with autoconsumo enabled and every other flag clear,
// matching a freshly-started controller with no active service or alarm.
func New(paths Paths, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{autoconsumoEnabled: true, paths: paths, logger: logger}
	s.mirrorAll()
	return s
}

// AutoconsumoEnabled reports whether SelfConsumption is allowed to act.
func (s *Store) AutoconsumoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoconsumoEnabled
}

// SetAutoconsumoEnabled updates the flag and mirrors it to guardrail_autoconsumo.txt.
func (s *Store) SetAutoconsumoEnabled(v bool) {
	s.mu.Lock()
	s.autoconsumoEnabled = v
	s.mu.Unlock()
	s.mirrorGuardrail(v)
}

// ServiceActive reports whether a scheduled service currently owns 1101/1102.
func (s *Store) ServiceActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serviceActive
}

// SetServiceActive updates the flag and mirrors it to service_status.txt.
func (s *Store) SetServiceActive(v bool) {
	s.mu.Lock()
	s.serviceActive = v
	s.mu.Unlock()
	s.mirrorServiceStatus(v)
}

// MacchinaAllarme reports whether the machine alarm is latched.
func (s *Store) MacchinaAllarme() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.macchinaAllarme
}

// SetMacchinaAllarme updates the flag and mirrors it to machine_alarm.txt.
func (s *Store) SetMacchinaAllarme(v bool) {
	s.mu.Lock()
	s.macchinaAllarme = v
	s.mu.Unlock()
	s.mirrorMachineAlarm(v)
}

// DebitoEnergetico reports whether an energy debt is outstanding.
func (s *Store) DebitoEnergetico() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.debitoEnergetico
}

// SetDebitoEnergetico updates the flag and mirrors it to debito.txt.
func (s *Store) SetDebitoEnergetico(v bool) {
	s.mu.Lock()
	s.debitoEnergetico = v
	s.mu.Unlock()
	s.mirrorDebito(v)
}

// SharingEnabled reports whether community sharing is currently permitted.
func (s *Store) SharingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharingEnabled
}

// SetSharingEnabled updates the flag and mirrors it to sharing.xml.
func (s *Store) SetSharingEnabled(v bool) {
	s.mu.Lock()
	s.sharingEnabled = v
	s.mu.Unlock()
	s.mirrorSharing(v)
}

// Clear resets service_active, autoconsumo_enabled and debito_energetico to
// their startup defaults and re-mirrors them, used on
// shutdown per spec.md §5: "the scheduler clears service_active, flushes
// flag mirrors".
func (s *Store) Clear() {
	s.SetServiceActive(false)
	s.SetAutoconsumoEnabled(true)
	s.SetDebitoEnergetico(false)
	// Alarm and sharing state are operator-meaningful, not transient
	// scheduling state, so they are left untouched on shutdown.
}

func (s *Store) mirrorAll() {
	s.mirrorGuardrail(s.autoconsumoEnabled)
	s.mirrorServiceStatus(s.serviceActive)
	s.mirrorDebito(s.debitoEnergetico)
	s.mirrorMachineAlarm(s.macchinaAllarme)
	s.mirrorSharing(s.sharingEnabled)
}

func (s *Store) mirrorGuardrail(v bool) {
	s.writeBestEffort(s.paths.Guardrail, fmt.Sprintf("AUTOCONSUMO=%s\n", boolStr(v)))
}

func (s *Store) mirrorServiceStatus(v bool) {
	s.writeBestEffort(s.paths.ServiceStatus, fmt.Sprintf("SERVICE=%s\n", boolStr(v)))
}

func (s *Store) mirrorDebito(v bool) {
	s.writeBestEffort(s.paths.Debito, fmt.Sprintf("DebitoEnergetico=%s\n", boolStr(v)))
}

func (s *Store) mirrorMachineAlarm(v bool) {
	msg := "MACCHINA OK"
	if v {
		msg = "MACCHINA IN ALLARME"
	}
	s.writeBestEffort(s.paths.MachineAlarm, msg)
}

// sharingDoc mirrors the <sharing> XML document spec.md §6 names explicitly.
type sharingDoc struct {
	XMLName   xml.Name `xml:"sharing"`
	Value     int      `xml:",chardata"`
	Timestamp string   `xml:"timestamp,attr"`
}

func (s *Store) mirrorSharing(v bool) {
	val := 0
	if v {
		val = 1
	}
	doc := sharingDoc{Value: val, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Printf("[FLAGS] marshal sharing.xml: %v", err)
		return
	}
	s.writeBestEffortBytes(s.paths.Sharing, data)
}

// writeBestEffort mirrors a flag to its sidecar file. Failures are logged,
// never propagated: per spec.md §5, "the mirror write may fail silently
// (best-effort observability)".
func (s *Store) writeBestEffort(path, content string) {
	s.writeBestEffortBytes(path, []byte(content))
}

func (s *Store) writeBestEffortBytes(path string, content []byte) {
	if path == "" {
		return
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".flag-*.tmp")
	if err != nil {
		s.logger.Printf("[FLAGS] create temp for %s: %v", path, err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.logger.Printf("[FLAGS] write %s: %v", path, err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.logger.Printf("[FLAGS] close %s: %v", path, err)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		s.logger.Printf("[FLAGS] rename into %s: %v", path, err)
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
