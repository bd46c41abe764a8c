package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigFile, envListenAddr, envDBPath, envLogLevel, envDataDir, envNodeID,
		envOwnerAddress, envOwnerPort, envSweepInterval, envRuntimes, envCORSOrigins,
		envWorkerEnabled, envWorkerPerf, envWorkerCores, envWorkerPoll,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr || cfg.DBPath != defaultDBPath || cfg.DataDir != defaultDataDir {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.OwnerPort != defaultOwnerPort || cfg.SweepInterval != time.Second {
		t.Errorf("owner/sweep = %d/%v", cfg.OwnerPort, cfg.SweepInterval)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v", cfg.Level())
	}
	if !slices.Equal(cfg.Runtimes, []string{"process"}) {
		t.Errorf("Runtimes = %v", cfg.Runtimes)
	}
	if !cfg.Worker.Enabled || cfg.Worker.Cores <= 0 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.NodeID == "" {
		t.Error("NodeID should be generated")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envNodeID, "node-7")
	t.Setenv(envOwnerPort, "41000")
	t.Setenv(envSweepInterval, "250ms")
	t.Setenv(envRuntimes, "firecracker, process")
	t.Setenv(envWorkerEnabled, "false")
	t.Setenv(envWorkerPerf, "2200")
	t.Setenv(envWorkerCores, "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" || cfg.DBPath != "/tmp/test.db" || cfg.NodeID != "node-7" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v", cfg.Level())
	}
	if cfg.OwnerPort != 41000 || cfg.SweepInterval != 250*time.Millisecond {
		t.Errorf("owner/sweep = %d/%v", cfg.OwnerPort, cfg.SweepInterval)
	}
	if !slices.Equal(cfg.Runtimes, []string{"firecracker", "process"}) {
		t.Errorf("Runtimes = %v", cfg.Runtimes)
	}
	if cfg.Worker.Enabled || cfg.Worker.Performance != 2200 || cfg.Worker.Cores != 4 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct{ key, value string }{
		{envOwnerPort, "99999"},
		{envSweepInterval, "soon"},
		{envWorkerEnabled, "maybe"},
		{envWorkerPerf, "-1"},
		{envWorkerCores, "zero"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load err = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "taskmesh.toml")
	content := `
listen_addr = ":7070"
data_dir = "/srv/taskmesh"
sweep_interval = "2s"
runtimes = ["firecracker"]

[worker]
enabled = false
performance = 1500.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envConfigFile, path)
	t.Setenv(envListenAddr, ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("env should win over file, ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DataDir != "/srv/taskmesh" || cfg.SweepInterval != 2*time.Second {
		t.Errorf("file values = %q/%v", cfg.DataDir, cfg.SweepInterval)
	}
	if !slices.Equal(cfg.Runtimes, []string{"firecracker"}) {
		t.Errorf("Runtimes = %v", cfg.Runtimes)
	}
	if cfg.Worker.Enabled || cfg.Worker.Performance != 1500 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Worker.PollInterval != defaultPollInterval {
		t.Errorf("unset key lost its default: %v", cfg.Worker.PollInterval)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()

	if err := LoadFile(filepath.Join(dir, "missing.toml"), &cfg); err == nil {
		t.Error("expected error for missing file")
	}

	unknown := filepath.Join(dir, "unknown.toml")
	os.WriteFile(unknown, []byte("listen_adr = \":1\"\n"), 0o644)
	if err := LoadFile(unknown, &cfg); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("err = %v, want unknown keys", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.input); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("lease granted", "task_id", "t1")
	logger.Debug("hidden")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not a single JSON line: %v\noutput: %s", err, buf.String())
	}
	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "lease granted" || entry["task_id"] != "t1" {
		t.Errorf("entry = %v", entry)
	}
}
