package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjboer/labscope/internal/dsp"
)

func TestParseConfigDefaults(t *testing.T) {
	defaults := defaultPersistentConfig()
	cfg, err := parseConfig([]string{}, func(string) (string, bool) { return "", false }, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.webAddr != ":8080" || cfg.feedIntervalMs != 50 || cfg.axisTolerance != 0.1 || cfg.window != "hamming" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if !cfg.mdns || cfg.mdnsServices != "_lxi._tcp,_scpi-raw._tcp" {
		t.Fatalf("unexpected discovery defaults: %#v", cfg)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"LABSCOPE_WEB_ADDR":         ":9090",
		"LABSCOPE_FEED_INTERVAL_MS": "100",
		"LABSCOPE_MDNS":             "false",
		"LABSCOPE_INTERVAL":         "25ms",
		"LABSCOPE_AXIS_TOLERANCE":   "not-a-number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := parseConfig([]string{"--fft-window", "none"}, lookup, defaultPersistentConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.webAddr != ":9090" || cfg.feedIntervalMs != 100 || cfg.mdns || cfg.interval != 25*time.Millisecond || cfg.window != "none" {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.axisTolerance != 0.1 {
		t.Fatalf("invalid env value should fall back to default, got %v", cfg.axisTolerance)
	}
}

func TestAppConfig(t *testing.T) {
	p := defaultPersistentConfig()
	cfg, err := parseConfig(nil, func(string) (string, bool) { return "", false }, p)
	if err != nil {
		t.Fatal(err)
	}
	out, err := appConfig(cfg, p)
	if err != nil {
		t.Fatalf("appConfig: %v", err)
	}
	if out.Window != dsp.WindowHamming || len(out.Simulated) != 1 || len(out.Discovery.Services) != 2 {
		t.Fatalf("unexpected app config: %#v", out)
	}

	cfg.window = "blackman"
	if _, err := appConfig(cfg, p); err == nil {
		t.Fatal("expected error for unknown window")
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labscope.yaml")
	created, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	created.WebAddr = ":7000"
	created.MDNS.Interval = 30 * time.Second
	if err := saveConfig(path, created); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.WebAddr != ":7000" || loaded.MDNS.Interval != 30*time.Second || len(loaded.Simulated) != 1 {
		t.Fatalf("round trip lost settings: %#v", loaded)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitList = %q", got)
	}
}
