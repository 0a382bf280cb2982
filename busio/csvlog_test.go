package busio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCSVLoggerAppendAndRollover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.csv")

	logger := newCSVLogger(path, 80, []int{1040, 1090})

	if err := logger.Append(map[int]int{1040: 500, 1090: 5000}); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "1040,1090") {
		t.Errorf("expected header with register columns, got: %s", data)
	}
	if !strings.Contains(string(data), "500,5000") {
		t.Errorf("expected row values, got: %s", data)
	}

	// Force several more appends so the file crosses rolloverBytes.
	for i := 0; i < 10; i++ {
		if err := logger.Append(map[int]int{1040: 500 + i, 1090: 5000}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	logger.Close()

	matches, _ := filepath.Glob(path + ".*")
	if len(matches) == 0 {
		t.Error("expected at least one rolled-over file after crossing rolloverBytes")
	}
}
