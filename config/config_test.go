package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestConfigRoundTripJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SerialDevice = "/dev/ttyS5"
	cfg.PollInterval = 750 * time.Millisecond

	var buf bytes.Buffer
	if err := cfg.SaveConfigToWriter(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfigFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.SerialDevice != "/dev/ttyS5" {
		t.Errorf("serial device = %q, want /dev/ttyS5", loaded.SerialDevice)
	}
	if loaded.PollInterval != 750*time.Millisecond {
		t.Errorf("poll interval = %v, want 750ms", loaded.PollInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate func(*Config)
	}{
		{"empty device", func(c *Config) { c.SerialDevice = "" }},
		{"zero baud", func(c *Config) { c.BaudRate = 0 }},
		{"min>max 1101", func(c *Config) { c.Param1101Min = 100; c.Param1101Max = -100 }},
		{"nonzero emergency max", func(c *Config) { c.Emergency1101Max = 10 }},
		{"bad chunk sizes", func(c *Config) { c.ReadMinChunk = 20; c.ReadMaxChunk = 10 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestWatcherReloadsOnMTimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.SerialDevice = "/dev/ttyUSB0"
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.SaveConfigToWriter(f); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if _, reloaded, err := w.CheckReload(); err != nil || reloaded {
		t.Fatalf("unexpected reload on unchanged file: reloaded=%v err=%v", reloaded, err)
	}

	// Ensure the mtime strictly advances on filesystems with coarse
	// resolution before rewriting with a changed value.
	future := time.Now().Add(2 * time.Second)
	cfg.SerialDevice = "/dev/ttyUSB1"
	f, err = os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.SaveConfigToWriter(f); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	newCfg, reloaded, err := w.CheckReload()
	if err != nil {
		t.Fatalf("CheckReload: %v", err)
	}
	if !reloaded {
		t.Fatal("expected reload after mtime bump")
	}
	if newCfg.SerialDevice != "/dev/ttyUSB1" {
		t.Errorf("reloaded device = %q, want /dev/ttyUSB1", newCfg.SerialDevice)
	}
}
