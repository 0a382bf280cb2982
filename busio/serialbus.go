// Package busio implements the SerialBus: a single-threaded actor owning
// the RTU serial device, performing chunked register reads, single-register
// writes with read-back verification, warm-up, gap pacing, reopen-on-error,
// and foreign-frame detection. Grounded on the Python original's SerialBus/
// io_worker() and the teacher's sigenergy.SigenModbusClient (goburrow/modbus
// RTU handler usage, byte-conversion idiom).
package busio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/inbox"
	"github.com/devskill-org/gridctl/snapshot"
)

// State names the SerialBus lifecycle states from spec.md §4.A.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateWarmingUp     State = "WARMING_UP"
	StateRunning       State = "RUNNING"
	StateReopening     State = "REOPENING"
)

// SerialBus owns the serial device exclusively. All of its exported methods
// except State(), ReopenCalls() and Reload() are meant to be called only
// from its own actor goroutine (Run); those three are safe to call from
// other goroutines, such as the dashboard or the scheduler.
type SerialBus struct {
	cfg     atomic.Pointer[config.Config]
	readSet []int
	logger  *log.Logger

	snap  *snapshot.TelemetrySnapshot
	inbox *inbox.CommandInbox

	handler *modbus.RTUClientHandler
	client  modbus.Client

	foreign *foreignDetector
	csv     *csvLogger

	mu          sync.RWMutex
	state       State
	reopenCalls int
}

// New builds a SerialBus bound to cfg's serial parameters, reading readSet
// (deduplicated and sorted internally) on every poll cycle.
func New(cfg *config.Config, readSet []int, snap *snapshot.TelemetrySnapshot, box *inbox.CommandInbox, logger *log.Logger) *SerialBus {
	if logger == nil {
		logger = log.Default()
	}
	var csv *csvLogger
	if cfg.CSVEnabled {
		csv = newCSVLogger(cfg.CSVPath, cfg.LogRolloverBytes, readSet)
	}
	b := &SerialBus{
		readSet: dedupeSort(readSet),
		logger:  logger,
		snap:    snap,
		inbox:   box,
		foreign: newForeignDetector(cfg.ForeignWindow, cfg.ForeignThreshold),
		csv:     csv,
		state:   StateInitializing,
	}
	b.cfg.Store(cfg)
	return b
}

// c returns the currently active configuration. SerialBus stores it behind
// an atomic pointer rather than a plain field because Reload is invoked from
// gridsched.Scheduler's goroutine while every other method here runs on the
// bus's own Run goroutine.
func (b *SerialBus) c() *config.Config {
	return b.cfg.Load()
}

// Reload swaps in a freshly hot-reloaded configuration, satisfying
// gridsched.ConfigReloader.
func (b *SerialBus) Reload(cfg *config.Config) {
	b.cfg.Store(cfg)
}

// State reports the current actor lifecycle state.
func (b *SerialBus) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// ReopenCalls reports how many times reopen has been invoked, for tests and
// diagnostics.
func (b *SerialBus) ReopenCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reopenCalls
}

func (b *SerialBus) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Run drives the actor loop until ctx is cancelled: open the port, then
// repeatedly execute the polling cycle and sleep poll_ms±poll_jitter_ms.
// This is the "I/O worker" concurrency domain of spec.md §5 — meant to be
// launched in its own goroutine.
func (b *SerialBus) Run(ctx context.Context) error {
	if err := b.open(); err != nil {
		return fmt.Errorf("open serial device at startup: %w", err)
	}
	defer func() {
		if b.handler != nil {
			b.handler.Close()
		}
		if b.csv != nil {
			b.csv.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		b.tick()

		jitter := time.Duration(0)
		if b.c().PollJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(2*b.c().PollJitter))) - b.c().PollJitter
		}
		sleepFor := b.c().PollInterval + jitter
		if sleepFor < 0 {
			sleepFor = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleepFor):
		}
	}
}

// tick executes one polling cycle: steps 1-4 of spec.md §4.A. The step-5
// sleep happens in Run.
func (b *SerialBus) tick() {
	b.processCommand()
	b.pollReads()
	b.snap.SetForeignAlert(b.foreign.refresh(time.Now()))

	if err := b.snap.WriteAtomic(b.c().FromSnapshotPath); err != nil {
		if b.c().IgnoreWriteErrors {
			b.logger.Printf("[BUS] snapshot publish failed, dropping cycle: %v", err)
		} else {
			b.logger.Printf("[BUS] snapshot publish failed: %v", err)
		}
	}

	if b.csv != nil {
		vals, _ := b.snap.Clone()
		if err := b.csv.Append(vals); err != nil {
			b.logger.Printf("[BUS] csv append failed: %v", err)
		}
	}
}

// --- command (write) phase -------------------------------------------------

func (b *SerialBus) processCommand() {
	cmd, ok := b.inbox.Take()
	if !ok {
		return
	}

	success := b.writeWithRetry(cmd.Index, cmd.Value)
	if !success {
		b.snap.IncWriteErr()
		b.logger.Printf("[BUS] write exhausted for cmd id=%s index=%d value=%d", cmd.ID, cmd.Index, cmd.Value)
		return
	}

	if cmd.Kind == inbox.KindWriteWithCommit {
		if !b.writeWithRetry(b.c().CommitRegister, b.c().CommitValue) {
			b.logger.Printf("[BUS] commit write failed for cmd id=%s", cmd.ID)
		}
	}

	b.snap.IncWriteOK()
	b.snap.SetWriterLastID(cmd.ID)
}

func (b *SerialBus) writeWithRetry(index, value int) bool {
	for attempt := 0; attempt < b.c().WriteRetries; attempt++ {
		err := b.writeRegisterRaw(index, value)
		if err == nil {
			return true
		}
		if isForeignFrameError(err) {
			b.noteForeign()
		}
		if b.c().VerifyWrites {
			if readback, rerr := b.readBlockRaw(index, 1); rerr == nil && len(readback) == 1 && readback[0] == int(int16(value)) {
				// The inverter may have accepted the frame despite a
				// response glitch; read-back confirms the real state.
				return true
			}
		}
		time.Sleep(b.c().RetryBackoff)
	}
	return false
}

// writeRegisterRaw is the public write_register primitive: function code 6,
// address-corrected, gap-paced.
func (b *SerialBus) writeRegisterRaw(index, value int) error {
	wire := uint16(index - b.c().AddressCorrection)
	_, err := b.client.WriteSingleRegister(wire, uint16(int16(value)))
	b.gap()
	return err
}

// --- read phase -------------------------------------------------------------

func (b *SerialBus) pollReads() {
	for _, r := range contiguousRanges(b.readSet) {
		start, count := r[0], r[1]
		for count > 0 {
			chunk := count
			if chunk > b.c().ReadMaxChunk {
				chunk = b.c().ReadMaxChunk
			}
			b.readChunk(start, chunk)
			start += chunk
			count -= chunk
		}
	}
}

// readChunk retries a single chunked read up to MaxRetry times, logging
// each failed attempt, then halves the chunk on persistent failure. Only
// once all attempts for this chunk are exhausted on a genuine (non-foreign)
// transport error does it trigger handleTransportError/reopen — mirroring
// the Python original's io_worker loop, where reopen() is only ever called
// from the top-level exception handler wrapping a whole cycle, never from
// inside a single read's retry loop. A CRC blip or a one-off exception
// response on the first of several attempts must not force a full bus
// reopen identical to a catastrophic transport failure.
func (b *SerialBus) readChunk(start, count int) {
	var lastErr error
	for attempt := 0; attempt < b.c().MaxRetry; attempt++ {
		vals, err := b.readBlockRaw(start, count)
		if err == nil {
			m := make(map[int]int, count)
			for i, v := range vals {
				m[start+i] = v
			}
			b.snap.SetValues(m)
			b.snap.IncReadOK()
			b.snap.SetBusOK(true)
			return
		}
		lastErr = err
		b.snap.IncReadErr()
		b.snap.SetBusOK(false)
		if isForeignFrameError(err) {
			b.noteForeign()
		} else {
			b.logger.Printf("[BUS] read error for registers %d..%d (attempt %d/%d): %v", start, start+count-1, attempt+1, b.c().MaxRetry, err)
		}
		time.Sleep(b.c().RetryBackoff)
	}

	if lastErr != nil && !isForeignFrameError(lastErr) {
		b.handleTransportError(lastErr)
	}

	if count <= b.c().ReadMinChunk {
		b.logger.Printf("[BUS] no answer for registers %d..%d", start, start+count-1)
		return
	}

	half := count / 2
	if half < b.c().ReadMinChunk {
		half = b.c().ReadMinChunk
	}
	b.readChunk(start, half)
	if half < count {
		b.readChunk(start+half, count-half)
	}
}

// readBlockRaw is the public read_block primitive: a single chunked Modbus
// read, address-corrected, gap-paced.
func (b *SerialBus) readBlockRaw(start, count int) ([]int, error) {
	wire := uint16(start - b.c().AddressCorrection)
	raw, err := b.client.ReadHoldingRegisters(wire, uint16(count))
	b.gap()
	if err != nil {
		return nil, err
	}
	vals := make([]int, count)
	for i := 0; i < count; i++ {
		vals[i] = int(int16(binary.BigEndian.Uint16(raw[i*2 : i*2+2])))
	}
	return vals, nil
}

func (b *SerialBus) gap() {
	if b.c().RTUGap > 0 {
		time.Sleep(b.c().RTUGap)
	}
}

func (b *SerialBus) noteForeign() {
	now := time.Now()
	alert := b.foreign.note(now)
	b.snap.NoteForeignFrame(now, alert)
}

// handleTransportError treats persistent serial-layer errors as a trigger
// for reopen; it never propagates out of SerialBus (spec.md §7: "bus
// transport... never propagated out of SerialBus").
func (b *SerialBus) handleTransportError(err error) {
	b.logger.Printf("[BUS] transport error: %v", err)
	if reopenErr := b.reopen(); reopenErr != nil {
		b.logger.Printf("[BUS] reopen failed: %v", reopenErr)
	}
}

// --- open / warm-up / reopen -------------------------------------------------

func (b *SerialBus) open() error {
	b.setState(StateWarmingUp)

	handler := modbus.NewRTUClientHandler(b.c().SerialDevice)
	handler.BaudRate = b.c().BaudRate
	handler.DataBits = b.c().DataBits
	handler.Parity = b.c().Parity
	handler.StopBits = b.c().StopBits
	handler.SlaveId = byte(b.c().SlaveID)
	handler.Timeout = b.c().SerialTimeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect serial device: %w", err)
	}

	b.handler = handler
	b.client = modbus.NewClient(handler)

	time.Sleep(b.c().WarmupDelay)

	firstReg := b.readSet
	if len(firstReg) == 0 {
		firstReg = []int{1040}
	}
	for i := 0; i < b.c().WarmupReads; i++ {
		_, _ = b.readBlockRaw(firstReg[0], 1) // results ignored: warm-up only
	}

	b.setState(StateRunning)
	return nil
}

// reopen closes, reopens (with bounded retry per SPEC_FULL's supplemented
// feature 3), increments the resync counter, and stamps last_reset_iso.
func (b *SerialBus) reopen() error {
	b.mu.Lock()
	b.reopenCalls++
	b.mu.Unlock()

	b.setState(StateReopening)
	if b.handler != nil {
		b.handler.Close()
	}

	var lastErr error
	for attempt := 0; attempt <= b.c().WarmupMaxRetries; attempt++ {
		if err := b.open(); err == nil {
			b.snap.NoteResync(time.Now())
			return nil
		} else {
			lastErr = err
			time.Sleep(b.c().WarmupRetryBackoff)
		}
	}
	return fmt.Errorf("reopen exhausted after %d attempts: %w", b.c().WarmupMaxRetries+1, lastErr)
}

// --- read-set helpers --------------------------------------------------------

func dedupeSort(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// contiguousRanges splits a sorted, deduplicated slice of register addresses
// into maximal contiguous runs, returned as [start, count] pairs.
func contiguousRanges(sorted []int) [][2]int {
	if len(sorted) == 0 {
		return nil
	}
	var ranges [][2]int
	start := sorted[0]
	count := 1
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1]+1 {
			count++
			continue
		}
		ranges = append(ranges, [2]int{start, count})
		start = sorted[i]
		count = 1
	}
	ranges = append(ranges, [2]int{start, count})
	return ranges
}
