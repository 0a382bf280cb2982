package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devskill-org/gridctl/config"
	"github.com/devskill-org/gridctl/flags"
	"github.com/devskill-org/gridctl/snapshot"
)

func testSource(t *testing.T) StatusSource {
	t.Helper()
	dir := t.TempDir()
	paths := flags.Paths{
		Guardrail:     dir + "/guardrail.txt",
		ServiceStatus: dir + "/service_status.txt",
		Debito:        dir + "/debito.txt",
		MachineAlarm:  dir + "/machine_alarm.txt",
		Sharing:       dir + "/sharing.xml",
	}
	cfg := config.DefaultConfig()
	snap := snapshot.New()
	snap.SetValues(map[int]int{1040: 500, 1090: 5000})
	return StatusSource{Snapshot: snap, Flags: flags.New(paths, nil), Cfg: cfg}
}

func TestDashboardDisabledWhenPortZero(t *testing.T) {
	d := New(testSource(t), 0, nil)
	if d != nil {
		t.Fatalf("expected nil dashboard when port is 0")
	}
	// Start/Stop must be no-ops on a nil dashboard.
	d.Start()
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("expected Stop on a nil dashboard to return nil, got %v", err)
	}
}

func TestDashboardStatusHandlerServesJSON(t *testing.T) {
	d := New(testSource(t), 18080, nil)
	if d == nil {
		t.Fatalf("expected non-nil dashboard")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	d.statusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload statusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Registers[1040] != 500 {
		t.Fatalf("expected register 1040=500 in payload, got %d", payload.Registers[1040])
	}
}

func TestDashboardReloadSwapsConfig(t *testing.T) {
	d := New(testSource(t), 18082, nil)
	if d == nil {
		t.Fatalf("expected non-nil dashboard")
	}

	next := config.DefaultConfig()
	next.Latitude = 12.5
	next.Longitude = -7.25
	d.Reload(next)

	if d.cfg.Load() != next {
		t.Fatalf("expected Reload to swap in the new config")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	d.statusHandler(rec, req)

	var payload statusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestDashboardReloadOnNilDashboardIsNoop(t *testing.T) {
	var d *Dashboard
	d.Reload(config.DefaultConfig())
}

func TestDashboardStatusHandlerRejectsNonGet(t *testing.T) {
	d := New(testSource(t), 18081, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	d.statusHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
