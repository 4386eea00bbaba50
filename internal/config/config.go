// Package config loads environment-variable configuration for the Manager
// and Agent binaries and constructs their structured loggers. There is no
// dynamic reload: each binary reads its configuration once at startup.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultManagerListenAddr = ":8080"
	defaultAgentListenAddr   = ":8081"
	defaultDBPath            = "vulcan.db"
	defaultManagerBaseURL    = "http://localhost:8080"
	defaultRuntimeDir        = "/var/lib/vulcan/run"
	defaultImagesDir         = "/var/lib/vulcan/images"
	defaultLivenessInterval  = 10 * time.Second
	defaultLivenessMultiple  = 3
	defaultRPCTimeout        = 15 * time.Second
	defaultMetricsRetention  = 7 * 24 * time.Hour
	defaultReconcileInterval = 10 * time.Second
	defaultTransitionDeadline = 60 * time.Second
	defaultTombstoneRetention = 5 * time.Minute
	defaultSnapshotFailureLimit = 3

	envLogLevel = "VULCAN_LOG_LEVEL"

	envManagerListenAddr  = "VULCAN_MANAGER_LISTEN_ADDR"
	envDBPath             = "VULCAN_DB_PATH"
	envLivenessInterval   = "VULCAN_LIVENESS_INTERVAL"
	envLivenessMultiple   = "VULCAN_LIVENESS_MULTIPLE"
	envRPCTimeout         = "VULCAN_RPC_TIMEOUT"
	envMetricsRetention   = "VULCAN_METRICS_RETENTION"
	envJWTSigningKey      = "VULCAN_JWT_SIGNING_KEY"
	envReconcileInterval   = "VULCAN_RECONCILE_INTERVAL"
	envTransitionDeadline  = "VULCAN_TRANSITION_DEADLINE"
	envTombstoneRetention  = "VULCAN_TOMBSTONE_RETENTION"
	envSnapshotFailureLimit = "VULCAN_SNAPSHOT_FAILURE_LIMIT"

	envAgentListenAddr = "VULCAN_AGENT_LISTEN_ADDR"
	envManagerBaseURL  = "VULCAN_MANAGER_BASE_URL"
	envRuntimeDir      = "VULCAN_RUNTIME_DIR"
	envImagesDir       = "VULCAN_IMAGES_DIR"
	envHostAddress     = "VULCAN_HOST_ADDRESS"
	envHostBridges     = "VULCAN_HOST_BRIDGES"
	envHostName        = "VULCAN_HOST_NAME"
	envAgentToken      = "VULCAN_AGENT_TOKEN"
	envHeartbeatInterval = "VULCAN_HEARTBEAT_INTERVAL"

	defaultHeartbeatInterval = 5 * time.Second

	defaultFirecrackerBin   = "/usr/bin/firecracker"
	defaultCNIBinDir        = "/opt/cni/bin"
	defaultVsockCIDBase     = 100
	defaultMaxConcurrentVMs = 64

	envFirecrackerBin   = "VULCAN_FC_BIN"
	envCNIBinDir        = "VULCAN_FC_CNI_BIN_DIR"
	envVsockCIDBase     = "VULCAN_FC_CID_BASE"
	envMaxConcurrentVMs = "VULCAN_FC_MAX_CONCURRENT_VMS"
)

// ManagerConfig holds the Manager binary's configuration.
type ManagerConfig struct {
	ListenAddr        string
	DBPath            string
	LogLevel          slog.Level
	LivenessInterval  time.Duration
	LivenessMultiple  int
	RPCTimeout        time.Duration
	MetricsRetention  time.Duration
	JWTSigningKey     string
	ReconcileInterval time.Duration
	TransitionDeadline time.Duration
	TombstoneRetention time.Duration
	SnapshotFailureLimit int
}

// LoadManager reads Manager configuration from environment variables with
// sensible defaults.
func LoadManager() ManagerConfig {
	cfg := ManagerConfig{
		ListenAddr:       defaultManagerListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		LivenessInterval: defaultLivenessInterval,
		LivenessMultiple: defaultLivenessMultiple,
		RPCTimeout:       defaultRPCTimeout,
		MetricsRetention: defaultMetricsRetention,
		ReconcileInterval: defaultReconcileInterval,
		TransitionDeadline: defaultTransitionDeadline,
		TombstoneRetention: defaultTombstoneRetention,
		SnapshotFailureLimit: defaultSnapshotFailureLimit,
	}

	if v := os.Getenv(envManagerListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLivenessInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LivenessInterval = d
		}
	}
	if v := os.Getenv(envLivenessMultiple); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LivenessMultiple = n
		}
	}
	if v := os.Getenv(envRPCTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RPCTimeout = d
		}
	}
	if v := os.Getenv(envMetricsRetention); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MetricsRetention = d
		}
	}
	cfg.JWTSigningKey = os.Getenv(envJWTSigningKey)
	if v := os.Getenv(envReconcileInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconcileInterval = d
		}
	}
	if v := os.Getenv(envTransitionDeadline); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TransitionDeadline = d
		}
	}
	if v := os.Getenv(envTombstoneRetention); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TombstoneRetention = d
		}
	}
	if v := os.Getenv(envSnapshotFailureLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SnapshotFailureLimit = n
		}
	}

	return cfg
}

// LivenessWindow is the duration after which a Host with no heartbeat is
// considered unhealthy: LivenessInterval * LivenessMultiple.
func (c ManagerConfig) LivenessWindow() time.Duration {
	return c.LivenessInterval * time.Duration(c.LivenessMultiple)
}

// AgentConfig holds the Agent binary's configuration.
type AgentConfig struct {
	ListenAddr       string
	LogLevel         slog.Level
	ManagerBaseURL   string
	RuntimeDir       string
	ImagesDir        string
	HostAddress      string
	HostName         string
	HostBridges      []string
	LivenessInterval time.Duration
	HeartbeatInterval time.Duration
	RPCTimeout       time.Duration
	AgentToken       string
	FirecrackerBin   string
	CNIBinDir        string
	VsockCIDBase     uint32
	MaxConcurrentVMs int
}

// LoadAgent reads Agent configuration from environment variables with
// sensible defaults.
func LoadAgent() AgentConfig {
	cfg := AgentConfig{
		ListenAddr:       defaultAgentListenAddr,
		LogLevel:         slog.LevelInfo,
		ManagerBaseURL:   defaultManagerBaseURL,
		RuntimeDir:       defaultRuntimeDir,
		ImagesDir:        defaultImagesDir,
		LivenessInterval: defaultLivenessInterval,
		HeartbeatInterval: defaultHeartbeatInterval,
		RPCTimeout:       defaultRPCTimeout,
		FirecrackerBin:   defaultFirecrackerBin,
		CNIBinDir:        defaultCNIBinDir,
		VsockCIDBase:     defaultVsockCIDBase,
		MaxConcurrentVMs: defaultMaxConcurrentVMs,
	}

	if v := os.Getenv(envAgentListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envManagerBaseURL); v != "" {
		cfg.ManagerBaseURL = v
	}
	if v := os.Getenv(envRuntimeDir); v != "" {
		cfg.RuntimeDir = v
	}
	if v := os.Getenv(envImagesDir); v != "" {
		cfg.ImagesDir = v
	}
	if v := os.Getenv(envHostAddress); v != "" {
		cfg.HostAddress = v
	}
	if v := os.Getenv(envHostBridges); v != "" {
		cfg.HostBridges = strings.Split(v, ",")
	}
	if v := os.Getenv(envHostName); v != "" {
		cfg.HostName = v
	}
	cfg.AgentToken = os.Getenv(envAgentToken)
	if v := os.Getenv(envLivenessInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LivenessInterval = d
		}
	}
	if v := os.Getenv(envHeartbeatInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv(envRPCTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RPCTimeout = d
		}
	}
	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockCIDBase); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockCIDBase = uint32(n)
		}
	}
	if v := os.Getenv(envMaxConcurrentVMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level, matching the production handler used by both Manager and Agent.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a line-oriented text logger, used by the guest-init
// daemon where the destination is a serial console rather than a log
// collector.
func NewTextLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
