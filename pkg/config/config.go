package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s".
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Config holds the server configuration. Values come from DefaultConfig,
// overridden by the YAML file, overridden by CODESYNC_* environment
// variables, overridden by command-line flags.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"dataDir"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`

	// Document store.
	IdleGrace        Duration `yaml:"idleGrace"`
	SweepInterval    Duration `yaml:"sweepInterval"`
	FlushInterval    Duration `yaml:"flushInterval"`
	FlushParallelism int      `yaml:"flushParallelism"`
	FlushRetries     int      `yaml:"flushRetries"`
	SnapshotTimeout  Duration `yaml:"snapshotTimeout"`

	// Session endpoint.
	HandlerTimeout    Duration `yaml:"handlerTimeout"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	OutboundQueueSize int      `yaml:"outboundQueueSize"`
	InboundRate       float64  `yaml:"inboundRate"`
	InboundBurst      int      `yaml:"inboundBurst"`
	MalformedLimit    int      `yaml:"malformedLimit"`
	MaxFrameBytes     int64    `yaml:"maxFrameBytes"`

	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// ServiceTokens authenticate administrative peers (codesync bucket ...).
	ServiceTokens []string `yaml:"serviceTokens"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":8443",
		DataDir:           "/var/lib/codesync",
		LogLevel:          "info",
		LogJSON:           true,
		IdleGrace:         Duration(5 * time.Minute),
		SweepInterval:     Duration(30 * time.Second),
		FlushInterval:     Duration(15 * time.Second),
		FlushParallelism:  8,
		FlushRetries:      5,
		SnapshotTimeout:   Duration(10 * time.Second),
		HandlerTimeout:    Duration(5 * time.Second),
		HeartbeatInterval: Duration(30 * time.Second),
		OutboundQueueSize: 256,
		InboundRate:       200,
		InboundBurst:      400,
		MalformedLimit:    10,
		MaxFrameBytes:     4 << 20,
		ShutdownTimeout:   Duration(10 * time.Second),
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (missing file is fine when path is the default location), then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Run on defaults; explicit env/flags still apply.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CODESYNC_* variables onto the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv("CODESYNC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CODESYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODESYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CODESYNC_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CODESYNC_LOG_JSON: %w", err)
		}
		c.LogJSON = b
	}
	for _, d := range []struct {
		env string
		dst *Duration
	}{
		{"CODESYNC_IDLE_GRACE", &c.IdleGrace},
		{"CODESYNC_SWEEP_INTERVAL", &c.SweepInterval},
		{"CODESYNC_FLUSH_INTERVAL", &c.FlushInterval},
		{"CODESYNC_SNAPSHOT_TIMEOUT", &c.SnapshotTimeout},
		{"CODESYNC_HANDLER_TIMEOUT", &c.HandlerTimeout},
		{"CODESYNC_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"CODESYNC_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = Duration(dur)
	}
	for _, n := range []struct {
		env string
		dst *int
	}{
		{"CODESYNC_FLUSH_PARALLELISM", &c.FlushParallelism},
		{"CODESYNC_FLUSH_RETRIES", &c.FlushRetries},
		{"CODESYNC_OUTBOUND_QUEUE_SIZE", &c.OutboundQueueSize},
		{"CODESYNC_INBOUND_BURST", &c.InboundBurst},
		{"CODESYNC_MALFORMED_LIMIT", &c.MalformedLimit},
	} {
		v := os.Getenv(n.env)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", n.env, err)
		}
		*n.dst = i
	}
	if v := os.Getenv("CODESYNC_INBOUND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CODESYNC_INBOUND_RATE: %w", err)
		}
		c.InboundRate = f
	}
	if v := os.Getenv("CODESYNC_MAX_FRAME_BYTES"); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CODESYNC_MAX_FRAME_BYTES: %w", err)
		}
		c.MaxFrameBytes = i
	}
	if v := os.Getenv("CODESYNC_SERVICE_TOKEN"); v != "" {
		c.ServiceTokens = append(c.ServiceTokens, v)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.FlushParallelism < 1 {
		return fmt.Errorf("flushParallelism must be at least 1, got %d", c.FlushParallelism)
	}
	if c.OutboundQueueSize < 1 {
		return fmt.Errorf("outboundQueueSize must be at least 1, got %d", c.OutboundQueueSize)
	}
	if c.InboundRate <= 0 {
		return fmt.Errorf("inboundRate must be positive, got %v", c.InboundRate)
	}
	if c.InboundBurst < 1 {
		return fmt.Errorf("inboundBurst must be at least 1, got %d", c.InboundBurst)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("maxFrameBytes must be at least 1024, got %d", c.MaxFrameBytes)
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"idleGrace", c.IdleGrace},
		{"sweepInterval", c.SweepInterval},
		{"flushInterval", c.FlushInterval},
		{"snapshotTimeout", c.SnapshotTimeout},
		{"handlerTimeout", c.HandlerTimeout},
		{"heartbeatInterval", c.HeartbeatInterval},
		{"shutdownTimeout", c.ShutdownTimeout},
	} {
		if d.val.D() <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.val.D())
		}
	}
	return nil
}
