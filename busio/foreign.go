package busio

import (
	"strings"
	"sync"
	"time"
)

// foreignDetector maintains a sliding window of "unexpected function code"
// timestamps, matching the Python original's collections.deque(maxlen=100)
// window plus FOREIGN_THRESHOLD/FOREIGN_WINDOW_S configuration.
type foreignDetector struct {
	mu        sync.Mutex
	events    []time.Time
	window    time.Duration
	threshold int
}

func newForeignDetector(window time.Duration, threshold int) *foreignDetector {
	return &foreignDetector{window: window, threshold: threshold}
}

// note records a new foreign-frame event and reports whether the alert
// threshold is currently met.
func (f *foreignDetector) note(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, now)
	f.trimLocked(now)
	return len(f.events) >= f.threshold
}

// refresh drops expired events without adding a new one, so the alert can
// clear purely from time passing, with no further foreign frames observed.
func (f *foreignDetector) refresh(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trimLocked(now)
	return len(f.events) >= f.threshold
}

func (f *foreignDetector) trimLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.events) && f.events[i].Before(cutoff) {
		i++
	}
	f.events = f.events[i:]
}

// isForeignFrameError matches goburrow/modbus's response-function-code
// verification error text, the Go analogue of the Python original's
// substring check `"Wrong functioncode" in msg`.
func isForeignFrameError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "function code")
}
