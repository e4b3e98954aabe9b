// ABOUTME: Configuration loading and parsing for the pulse-mesh coordinator.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coordinator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Auth      AuthConfig      `yaml:"auth"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	// ListenAddr is the host:port agents connect to with the framed protocol.
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr serves health checks and, when enabled, metrics.
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds the optional tsnet listener configuration. When
// enabled, the coordinator joins the tailnet and agent traffic stays on the
// private overlay network.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ClusterConfig holds coordination timing and queue limits.
type ClusterConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	InvokeTimeout     time.Duration `yaml:"-"`
	DrainGrace        time.Duration `yaml:"-"`

	// SuspectMultiplier and DeadMultiplier scale the heartbeat interval into
	// silence thresholds. The 3x/6x ratio is the default contract.
	SuspectMultiplier int `yaml:"suspect_multiplier"`
	DeadMultiplier    int `yaml:"dead_multiplier"`

	SendQueueSize int `yaml:"send_queue_size"`
	MaxFrameSize  int `yaml:"max_frame_size"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	InvokeTimeoutRaw     string `yaml:"invoke_timeout"`
	DrainGraceRaw        string `yaml:"drain_grace"`
}

// AuthConfig holds the shared cluster secret. When empty, the cluster runs
// open and unencrypted (development only).
type AuthConfig struct {
	ClusterSecret string `yaml:"cluster_secret"`
}

// LedgerConfig holds the optional audit ledger configuration.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Cluster.HeartbeatInterval == 0 {
		c.Cluster.HeartbeatInterval = 10 * time.Second
	}
	if c.Cluster.SuspectMultiplier == 0 {
		c.Cluster.SuspectMultiplier = 3
	}
	if c.Cluster.DeadMultiplier == 0 {
		c.Cluster.DeadMultiplier = 6
	}
	if c.Cluster.InvokeTimeout == 0 {
		c.Cluster.InvokeTimeout = 30 * time.Second
	}
	if c.Cluster.DrainGrace == 0 {
		c.Cluster.DrainGrace = 5 * time.Second
	}
	if c.Cluster.SendQueueSize == 0 {
		c.Cluster.SendQueueSize = 64
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.ListenAddr == "" {
			return fmt.Errorf("server.listen_addr is required (or enable tailscale)")
		}
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Cluster.SuspectMultiplier >= c.Cluster.DeadMultiplier {
		return fmt.Errorf("cluster.dead_multiplier must exceed cluster.suspect_multiplier")
	}

	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required when the ledger is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Cluster.HeartbeatIntervalRaw != "" {
		cfg.Cluster.HeartbeatInterval, err = time.ParseDuration(cfg.Cluster.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Cluster.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Cluster.InvokeTimeoutRaw != "" {
		cfg.Cluster.InvokeTimeout, err = time.ParseDuration(cfg.Cluster.InvokeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing invoke_timeout %q: %w", cfg.Cluster.InvokeTimeoutRaw, err)
		}
	}

	if cfg.Cluster.DrainGraceRaw != "" {
		cfg.Cluster.DrainGrace, err = time.ParseDuration(cfg.Cluster.DrainGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing drain_grace %q: %w", cfg.Cluster.DrainGraceRaw, err)
		}
	}

	return nil
}
