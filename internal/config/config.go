// Package config loads taskmesh settings and builds the process logger.
//
// Settings come from three layers, later ones winning: built-in defaults,
// an optional TOML file named by TASKMESH_CONFIG, and TASKMESH_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "taskmesh.db"
	defaultDataDir       = "taskmesh-data"
	defaultOwnerAddress  = "127.0.0.1"
	defaultOwnerPort     = 40102
	defaultSweepInterval = time.Second
	defaultPollInterval  = 500 * time.Millisecond
	defaultPerformance   = 1000.0

	envConfigFile    = "TASKMESH_CONFIG"
	envListenAddr    = "TASKMESH_LISTEN_ADDR"
	envDBPath        = "TASKMESH_DB_PATH"
	envLogLevel      = "TASKMESH_LOG_LEVEL"
	envDataDir       = "TASKMESH_DATA_DIR"
	envNodeID        = "TASKMESH_NODE_ID"
	envOwnerAddress  = "TASKMESH_OWNER_ADDRESS"
	envOwnerPort     = "TASKMESH_OWNER_PORT"
	envSweepInterval = "TASKMESH_SWEEP_INTERVAL"
	envRuntimes      = "TASKMESH_RUNTIMES"
	envCORSOrigins   = "TASKMESH_CORS_ORIGINS"
	envWorkerEnabled = "TASKMESH_WORKER_ENABLED"
	envWorkerPerf    = "TASKMESH_WORKER_PERFORMANCE"
	envWorkerCores   = "TASKMESH_WORKER_CORES"
	envWorkerPoll    = "TASKMESH_WORKER_POLL_INTERVAL"
)

// Config holds the node configuration.
type Config struct {
	ListenAddr  string   `toml:"listen_addr"`
	DBPath      string   `toml:"db_path"`
	LogLevel    string   `toml:"log_level"`
	CORSOrigins []string `toml:"cors_origins"`

	// DataDir is the root of the per-task directory layout.
	DataDir string `toml:"data_dir"`
	NodeID  string `toml:"node_id"`

	OwnerAddress  string        `toml:"owner_address"`
	OwnerPort     int           `toml:"owner_port"`
	SweepInterval time.Duration `toml:"sweep_interval"`

	// Runtimes lists the sandbox runtimes to register, in preference order.
	Runtimes []string `toml:"runtimes"`

	Worker WorkerConfig `toml:"worker"`
}

// WorkerConfig configures the local worker loop.
type WorkerConfig struct {
	Enabled      bool          `toml:"enabled"`
	Performance  float64       `toml:"performance"`
	Cores        int           `toml:"cores"`
	PollInterval time.Duration `toml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      "info",
		CORSOrigins:   []string{"*"},
		DataDir:       defaultDataDir,
		OwnerAddress:  defaultOwnerAddress,
		OwnerPort:     defaultOwnerPort,
		SweepInterval: defaultSweepInterval,
		Runtimes:      []string{"process"},
		Worker: WorkerConfig{
			Enabled:      true,
			Performance:  defaultPerformance,
			Cores:        runtime.NumCPU(),
			PollInterval: defaultPollInterval,
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file and
// the environment. A node id is generated when none is configured.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg, nil
}

// LoadFile decodes a TOML file over cfg. Keys absent from the file keep
// their current values.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config %s: unknown keys %v", path, undecoded)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddr, envListenAddr)
	setString(&cfg.DBPath, envDBPath)
	setString(&cfg.LogLevel, envLogLevel)
	setString(&cfg.DataDir, envDataDir)
	setString(&cfg.NodeID, envNodeID)
	setString(&cfg.OwnerAddress, envOwnerAddress)
	setList(&cfg.Runtimes, envRuntimes)
	setList(&cfg.CORSOrigins, envCORSOrigins)

	if v := os.Getenv(envOwnerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", envOwnerPort, v)
		}
		cfg.OwnerPort = port
	}
	if err := setDuration(&cfg.SweepInterval, envSweepInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Worker.PollInterval, envWorkerPoll); err != nil {
		return err
	}
	if v := os.Getenv(envWorkerEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envWorkerEnabled, err)
		}
		cfg.Worker.Enabled = enabled
	}
	if v := os.Getenv(envWorkerPerf); v != "" {
		perf, err := strconv.ParseFloat(v, 64)
		if err != nil || perf <= 0 {
			return fmt.Errorf("%s: invalid performance %q", envWorkerPerf, v)
		}
		cfg.Worker.Performance = perf
	}
	if v := os.Getenv(envWorkerCores); v != "" {
		cores, err := strconv.Atoi(v)
		if err != nil || cores <= 0 {
			return fmt.Errorf("%s: invalid core count %q", envWorkerCores, v)
		}
		cfg.Worker.Cores = cores
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
