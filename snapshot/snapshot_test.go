package snapshot

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRoundTripLosslessly(t *testing.T) {
	s := New()
	s.SetValues(map[int]int{1040: 600, 1013: 120, 1070: 2, 1090: 5000, 1060: 42})
	s.IncReadOK()
	s.IncReadOK()
	s.IncWriteErr()
	s.SetWriterLastID("cmd-7")
	s.NoteResync(time.Now())
	s.NoteForeignFrame(time.Now(), true)
	s.SetBusOK(true)

	path := filepath.Join(t.TempDir(), "FromSnapshot")
	if err := s.WriteAtomic(path); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	parsed, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := map[int]int{1040: 600, 1013: 120, 1070: 2, 1090: 5000, 1060: 42}
	for addr, v := range want {
		if got := parsed.Values[addr]; got != v {
			t.Errorf("register %d = %d, want %d", addr, got, v)
		}
	}

	if parsed.Meta["WRITER_LAST_ID"] != "cmd-7" {
		t.Errorf("WRITER_LAST_ID = %q, want cmd-7", parsed.Meta["WRITER_LAST_ID"])
	}
	if parsed.Meta["FOREIGN_ALERT"] != "1" {
		t.Errorf("FOREIGN_ALERT = %q, want 1", parsed.Meta["FOREIGN_ALERT"])
	}
	if parsed.Meta["READ_OK_TOTAL"] != "2" {
		t.Errorf("READ_OK_TOTAL = %q, want 2", parsed.Meta["READ_OK_TOTAL"])
	}
	if parsed.Meta["WRITE_ERR_TOTAL"] != "1" {
		t.Errorf("WRITE_ERR_TOTAL = %q, want 1", parsed.Meta["WRITE_ERR_TOTAL"])
	}
}

func TestForeignAlertClearsIndependently(t *testing.T) {
	s := New()
	s.NoteForeignFrame(time.Now(), true)
	if !s.ForeignAlert() {
		t.Fatal("expected alert set")
	}
	s.SetForeignAlert(false)
	if s.ForeignAlert() {
		t.Fatal("expected alert cleared")
	}
}
