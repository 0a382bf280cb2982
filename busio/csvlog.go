package busio

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"
)

// csvLogger appends one row per poll cycle (timestamp + values in read-set
// order) and rolls the file over by size, renaming it with start/end
// timestamps — grounded on the Python original's csv_open/csv_rollover.
// CSV itself is named out-of-scope in spec.md ("only their semantic schema
// is specified"); this is the minimal stdlib encoding/csv implementation
// satisfying the rollover cadence the polling cycle requires.
type csvLogger struct {
	path          string
	rolloverBytes int64
	readSet       []int

	f         *os.File
	w         *csv.Writer
	startedAt time.Time
}

func newCSVLogger(path string, rolloverBytes int64, readSet []int) *csvLogger {
	sorted := append([]int(nil), readSet...)
	sort.Ints(sorted)
	return &csvLogger{path: path, rolloverBytes: rolloverBytes, readSet: sorted}
}

func (c *csvLogger) ensureOpen() error {
	if c.f != nil {
		return nil
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat csv log: %w", err)
	}
	if info.Size() == 0 {
		header := append([]string{"timestamp"}, registerHeaders(c.readSet)...)
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
		w.Flush()
	}
	c.f = f
	c.w = csv.NewWriter(f)
	c.startedAt = time.Now()
	return nil
}

// Append writes one row of values keyed by the logger's read set, then
// rolls the file over once it crosses rolloverBytes.
func (c *csvLogger) Append(values map[int]int) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}

	now := time.Now()
	row := make([]string, 0, len(c.readSet)+1)
	row = append(row, now.UTC().Format(time.RFC3339))
	for _, addr := range c.readSet {
		v, ok := values[addr]
		if !ok {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.Itoa(v))
	}

	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}

	info, err := c.f.Stat()
	if err != nil {
		return fmt.Errorf("stat csv log: %w", err)
	}
	if info.Size() >= c.rolloverBytes {
		return c.rollover(now)
	}
	return nil
}

func (c *csvLogger) rollover(end time.Time) error {
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("close csv log before rollover: %w", err)
	}
	rolled := fmt.Sprintf("%s.%s_%s", c.path, c.startedAt.UTC().Format("20060102T150405"), end.UTC().Format("20060102T150405"))
	if err := os.Rename(c.path, rolled); err != nil {
		return fmt.Errorf("rename csv log for rollover: %w", err)
	}
	c.f = nil
	c.w = nil
	return c.ensureOpen()
}

func (c *csvLogger) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	c.w = nil
	return err
}

func registerHeaders(readSet []int) []string {
	out := make([]string, len(readSet))
	for i, addr := range readSet {
		out[i] = strconv.Itoa(addr)
	}
	return out
}
