package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/labscope/internal/app"
	"github.com/rjboer/labscope/internal/dsp"
	"github.com/rjboer/labscope/internal/logging"
	"github.com/rjboer/labscope/internal/provider/scpi"
	"github.com/rjboer/labscope/internal/telemetry"
)

func main() {
	const configPath = "labscope.yaml"

	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persistentCfg)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg, persistentCfg)); err != nil {
		log.Fatalf("save config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logging.SetDefault(logger)

	appCfg, err := appConfig(cfg, persistentCfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	a, err := app.New(appCfg, logger)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.webAddr != "" {
		logger.Info("web interface", logging.Field{Key: "url", Value: "http://localhost" + cfg.webAddr})
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("run: %v", err)
	}
}

type cliConfig struct {
	logLevel       string
	logFormat      string
	webAddr        string
	interval       time.Duration
	window         string
	feedIntervalMs int
	axisTolerance  float64
	historyLimit   int
	exportDir      string
	recorderPath   string
	mdns           bool
	mdnsServices   string
	mdnsInterval   time.Duration
	usb            bool
	stdout         bool
}

type persistentConfig struct {
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"`
	WebAddr        string          `yaml:"web_addr"`
	Interval       time.Duration   `yaml:"acquisition_interval"`
	Window         string          `yaml:"fft_window"`
	FeedIntervalMs int             `yaml:"feed_interval_ms"`
	AxisTolerance  float64         `yaml:"axis_tolerance"`
	HistoryLimit   int             `yaml:"history_limit"`
	ExportDir      string          `yaml:"export_dir"`
	RecorderPath   string          `yaml:"recorder_path"`
	MDNS           mdnsConfig      `yaml:"mdns"`
	USB            bool            `yaml:"usb"`
	Stdout         bool            `yaml:"stdout"`
	Simulated      []app.Simulated `yaml:"simulated"`
	Endpoints      []app.Endpoint  `yaml:"scpi"`
	SSH            *scpi.SSHConfig `yaml:"ssh,omitempty"`
}

type mdnsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Services []string      `yaml:"services"`
	Interval time.Duration `yaml:"interval"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("labscope", flag.ContinueOnError)
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "LABSCOPE_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "LABSCOPE_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "LABSCOPE_WEB_ADDR", defaults.WebAddr), "Web API listen address (empty disables)")
	fs.DurationVar(&cfg.interval, "interval", envDuration(lookup, "LABSCOPE_INTERVAL", defaults.Interval), "Minimum spacing between acquisitions")
	fs.StringVar(&cfg.window, "fft-window", envString(lookup, "LABSCOPE_FFT_WINDOW", defaults.Window), "FFT window (none|hamming)")
	fs.IntVar(&cfg.feedIntervalMs, "feed-interval-ms", envInt(lookup, "LABSCOPE_FEED_INTERVAL_MS", defaults.FeedIntervalMs), "Live feed poll period in milliseconds")
	fs.Float64Var(&cfg.axisTolerance, "axis-tolerance", envFloat(lookup, "LABSCOPE_AXIS_TOLERANCE", defaults.AxisTolerance), "Fraction of the span an axis may shrink before following")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "LABSCOPE_HISTORY_LIMIT", defaults.HistoryLimit), "Events kept for the web API")
	fs.StringVar(&cfg.exportDir, "export-dir", envString(lookup, "LABSCOPE_EXPORT_DIR", defaults.ExportDir), "Directory for CSV and PNG exports")
	fs.StringVar(&cfg.recorderPath, "recorder", envString(lookup, "LABSCOPE_RECORDER", defaults.RecorderPath), "SQLite session database (empty disables)")
	fs.BoolVar(&cfg.mdns, "mdns", envBool(lookup, "LABSCOPE_MDNS", defaults.MDNS.Enabled), "Discover LAN instruments over mDNS")
	fs.StringVar(&cfg.mdnsServices, "mdns-services", envString(lookup, "LABSCOPE_MDNS_SERVICES", strings.Join(defaults.MDNS.Services, ",")), "Comma separated mDNS service types")
	fs.DurationVar(&cfg.mdnsInterval, "mdns-interval", envDuration(lookup, "LABSCOPE_MDNS_INTERVAL", defaults.MDNS.Interval), "Time between mDNS scans")
	fs.BoolVar(&cfg.usb, "usb", envBool(lookup, "LABSCOPE_USB", defaults.USB), "Watch USB hotplug events")
	fs.BoolVar(&cfg.stdout, "stdout", envBool(lookup, "LABSCOPE_STDOUT", defaults.Stdout), "Log a summary of every frame")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func newLogger(cfg cliConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func appConfig(cfg cliConfig, p persistentConfig) (app.Config, error) {
	window, err := dsp.ParseWindow(cfg.window)
	if err != nil {
		return app.Config{}, err
	}
	out := app.Config{
		WebAddr:  cfg.webAddr,
		Interval: cfg.interval,
		Window:   window,
		Feed: telemetry.Config{
			FeedIntervalMs: cfg.feedIntervalMs,
			AxisTolerance:  cfg.axisTolerance,
			HistoryLimit:   cfg.historyLimit,
		},
		ExportDir:    cfg.exportDir,
		RecorderPath: cfg.recorderPath,
		Simulated:    p.Simulated,
		Endpoints:    p.Endpoints,
		SSH:          p.SSH,
		Discovery: app.Discovery{
			Enabled:  cfg.mdns,
			Services: splitList(cfg.mdnsServices),
			Interval: cfg.mdnsInterval,
		},
		USB:    cfg.usb,
		Stdout: cfg.stdout,
	}
	if err := out.Validate(); err != nil {
		return app.Config{}, err
	}
	return out, nil
}

func persistentFromCLI(cfg cliConfig, p persistentConfig) persistentConfig {
	p.LogLevel = cfg.logLevel
	p.LogFormat = cfg.logFormat
	p.WebAddr = cfg.webAddr
	p.Interval = cfg.interval
	p.Window = cfg.window
	p.FeedIntervalMs = cfg.feedIntervalMs
	p.AxisTolerance = cfg.axisTolerance
	p.HistoryLimit = cfg.historyLimit
	p.ExportDir = cfg.exportDir
	p.RecorderPath = cfg.recorderPath
	p.MDNS = mdnsConfig{Enabled: cfg.mdns, Services: splitList(cfg.mdnsServices), Interval: cfg.mdnsInterval}
	p.USB = cfg.usb
	p.Stdout = cfg.stdout
	return p
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultPersistentConfig() persistentConfig {
	feed := telemetry.DefaultConfig()
	return persistentConfig{
		LogLevel:       "info",
		LogFormat:      "text",
		WebAddr:        ":8080",
		Interval:       10 * time.Millisecond,
		Window:         string(dsp.WindowHamming),
		FeedIntervalMs: feed.FeedIntervalMs,
		AxisTolerance:  feed.AxisTolerance,
		HistoryLimit:   feed.HistoryLimit,
		ExportDir:      "export",
		RecorderPath:   "",
		MDNS: mdnsConfig{
			Enabled:  true,
			Services: []string{"_lxi._tcp", "_scpi-raw._tcp"},
			Interval: 10 * time.Second,
		},
		USB: true,
		Simulated: []app.Simulated{
			{Vendor: "Tiepie", Name: "HS5", Serial: "29619", Channels: 2},
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
