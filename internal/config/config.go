package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// EngineConfig holds the full runtime configuration of the netshare engine:
// the external HTTP interface, the relay control endpoint, the orchestrator
// and health-monitor cadence, and the snapshot store.
type EngineConfig struct {
	ListenAddr string
	DBPath     string
	APIToken   string
	PprofAddr  string

	RelayURL         string
	RelayPortMin     int
	RelayPortMax     int
	RelayCallTimeout time.Duration
	RelayRetries     int
	RelayBackoffBase time.Duration
	RelayBackoffCap  time.Duration

	RelayRestartCmd      string
	RelayRestartAttempts int

	TickInterval      time.Duration
	HealthInterval    time.Duration
	MatchTimeout      time.Duration
	HeartbeatMisses   int
	HeartbeatTimeout  time.Duration
	TerminalRetention time.Duration

	LogLevel  string
	LogFormat string
}

const defaultListenAddr = ":8470"
const defaultDBPath = "./netshare.db"
const defaultRelayPortMin = 9000
const defaultRelayPortMax = 9999
const defaultRelayCallTimeout = 2 * time.Second
const defaultRelayRetries = 3
const defaultRelayBackoffBase = 200 * time.Millisecond
const defaultRelayBackoffCap = 2 * time.Second
const defaultRelayRestartAttempts = 3
const defaultTickInterval = 5 * time.Second
const defaultHealthInterval = 15 * time.Second
const defaultMatchTimeout = 30 * time.Second
const defaultHeartbeatMisses = 3
const defaultTerminalRetention = time.Hour

// ParseEngineFlags builds an EngineConfig from NETSHARE_* environment
// variables with command-line flag overrides.
func ParseEngineFlags(args []string) (EngineConfig, error) {
	cfg := EngineConfig{
		ListenAddr: envOrDefault("NETSHARE_LISTEN", defaultListenAddr),
		DBPath:     envOrDefault("NETSHARE_DB_PATH", defaultDBPath),
		APIToken:   envOrDefault("NETSHARE_API_TOKEN", ""),
		PprofAddr:  envOrDefault("NETSHARE_PPROF_ADDR", ""),

		RelayURL:         envOrDefault("NETSHARE_RELAY_URL", ""),
		RelayPortMin:     envIntOrDefault("NETSHARE_RELAY_PORT_MIN", defaultRelayPortMin),
		RelayPortMax:     envIntOrDefault("NETSHARE_RELAY_PORT_MAX", defaultRelayPortMax),
		RelayCallTimeout: envDurationOrDefault("NETSHARE_RELAY_CALL_TIMEOUT", defaultRelayCallTimeout),
		RelayRetries:     envIntOrDefault("NETSHARE_RELAY_RETRIES", defaultRelayRetries),
		RelayBackoffBase: envDurationOrDefault("NETSHARE_RELAY_BACKOFF_BASE", defaultRelayBackoffBase),
		RelayBackoffCap:  envDurationOrDefault("NETSHARE_RELAY_BACKOFF_CAP", defaultRelayBackoffCap),

		RelayRestartCmd:      envOrDefault("NETSHARE_RELAY_RESTART_CMD", ""),
		RelayRestartAttempts: envIntOrDefault("NETSHARE_RELAY_RESTART_ATTEMPTS", defaultRelayRestartAttempts),

		TickInterval:      envDurationOrDefault("NETSHARE_TICK_INTERVAL", defaultTickInterval),
		HealthInterval:    envDurationOrDefault("NETSHARE_HEALTH_INTERVAL", defaultHealthInterval),
		MatchTimeout:      envDurationOrDefault("NETSHARE_MATCH_TIMEOUT", defaultMatchTimeout),
		HeartbeatMisses:   envIntOrDefault("NETSHARE_HEARTBEAT_MISSES", defaultHeartbeatMisses),
		TerminalRetention: envDurationOrDefault("NETSHARE_TERMINAL_RETENTION", defaultTerminalRetention),

		LogLevel:  envOrDefault("NETSHARE_LOG_LEVEL", "info"),
		LogFormat: envOrDefault("NETSHARE_LOG_FORMAT", "text"),
	}

	fs := flag.NewFlagSet("engine", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite snapshot database path")
	fs.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "Bearer token required on API calls (empty disables auth)")
	fs.StringVar(&cfg.PprofAddr, "pprof-addr", cfg.PprofAddr, "Optional pprof listen address")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "Relay control endpoint, e.g. http://127.0.0.1:7500")
	fs.IntVar(&cfg.RelayPortMin, "relay-port-min", cfg.RelayPortMin, "First relay port usable for tunnel mappings")
	fs.IntVar(&cfg.RelayPortMax, "relay-port-max", cfg.RelayPortMax, "Last relay port usable for tunnel mappings")
	fs.StringVar(&cfg.RelayRestartCmd, "relay-restart-cmd", cfg.RelayRestartCmd, "Shell command the health monitor runs to restart the relay")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Orchestrator tick interval")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "Health monitor interval")
	fs.DurationVar(&cfg.MatchTimeout, "match-timeout", cfg.MatchTimeout, "How long a pending connection waits for a sharer before expiring")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.RelayURL = strings.TrimSuffix(strings.TrimSpace(cfg.RelayURL), "/")
	if cfg.RelayURL == "" {
		return cfg, errors.New("missing --relay-url or NETSHARE_RELAY_URL")
	}
	if cfg.RelayPortMin <= 0 || cfg.RelayPortMax > 65535 || cfg.RelayPortMin > cfg.RelayPortMax {
		return cfg, errors.New("relay port range must satisfy 0 < min <= max <= 65535")
	}
	if cfg.TickInterval <= 0 {
		return cfg, errors.New("tick interval must be > 0")
	}
	if cfg.HealthInterval <= 0 {
		return cfg, errors.New("health interval must be > 0")
	}
	if cfg.MatchTimeout <= 0 {
		return cfg, errors.New("match timeout must be > 0")
	}
	if cfg.HeartbeatMisses <= 0 {
		return cfg, errors.New("heartbeat miss threshold must be > 0")
	}
	if cfg.RelayRetries <= 0 {
		return cfg, errors.New("relay retries must be > 0")
	}
	if cfg.RelayCallTimeout <= 0 {
		return cfg, errors.New("relay call timeout must be > 0")
	}
	if cfg.HeartbeatTimeout <= 0 {
		// A heartbeat is considered missed after one tick without a
		// successful poll; the timeout covers the configured miss count.
		cfg.HeartbeatTimeout = time.Duration(cfg.HeartbeatMisses) * cfg.TickInterval
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
