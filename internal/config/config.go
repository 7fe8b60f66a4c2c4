// YAML config loader with CUE validation integration
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fleetsim/internal/template"
)

// ErrInvalidConfig wraps every semantic validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration wraps time.Duration for YAML strings like "10s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Hub points the fleet at an IoT hub endpoint.
type Hub struct {
	Endpoint       string   `yaml:"endpoint"`
	Protocol       string   `yaml:"protocol"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// Connection tunes the shared connection manager.
type Connection struct {
	MaxConnections    int      `yaml:"max_connections"`
	AcquireQueueDepth int      `yaml:"acquire_queue_depth"`
	AcquireTimeout    Duration `yaml:"acquire_timeout"`
	SendRate          float64  `yaml:"send_rate"`
	SendBurst         int      `yaml:"send_burst"`
	MaxSendDelay      Duration `yaml:"max_send_delay"`
}

// Cadence is the per-device telemetry and retry policy. Fleets may
// override individual knobs.
type Cadence struct {
	Interval         Duration `yaml:"interval"`
	Jitter           float64  `yaml:"jitter"`
	BurstCount       int      `yaml:"burst_count"`
	BurstGap         Duration `yaml:"burst_gap"`
	MaxMessages      uint64   `yaml:"max_messages"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryBase        Duration `yaml:"retry_base"`
	RetryCap         Duration `yaml:"retry_cap"`
	ThrottleCooldown Duration `yaml:"throttle_cooldown"`
	SendTimeout      Duration `yaml:"send_timeout"`
}

// EngineConfig tunes fleet-level coordination.
type EngineConfig struct {
	MaxDevices       int      `yaml:"max_devices"`
	StartConcurrency int      `yaml:"start_concurrency"`
	StartJitter      Duration `yaml:"start_jitter"`
	StatsInterval    Duration `yaml:"stats_interval"`
	StopGrace        Duration `yaml:"stop_grace"`
}

// Fleet defines a group of devices sharing a template and cadence.
type Fleet struct {
	Name       string   `yaml:"name"`
	Template   string   `yaml:"template"`
	Count      int      `yaml:"count"`
	Prefix     string   `yaml:"prefix"`
	Protocol   string   `yaml:"protocol"`
	Credential string   `yaml:"credential"`
	Cadence    *Cadence `yaml:"cadence"`
}

// FileSink configures the JSONL file sink.
type FileSink struct {
	Events string `yaml:"events"`
	Stats  string `yaml:"stats"`
}

// GreptimeSink configures the GreptimeDB event archive.
type GreptimeSink struct {
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
}

// Sinks selects and configures event outputs.
type Sinks struct {
	Stdout     bool          `yaml:"stdout"`
	TUI        bool          `yaml:"tui"`
	Prometheus bool          `yaml:"prometheus"`
	File       *FileSink     `yaml:"file"`
	NATS       string        `yaml:"nats"`
	Greptime   *GreptimeSink `yaml:"greptime"`
}

// Admin configures the embedded admin HTTP server. An empty addr
// disables it.
type Admin struct {
	Addr string `yaml:"addr"`
}

// Logging selects slog level and output format.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SimulationConfig is the root configuration for hub, fleets, sinks,
// and the admin surface.
type SimulationConfig struct {
	Hub        Hub                 `yaml:"hub"`
	Connection Connection          `yaml:"connection"`
	Defaults   Cadence             `yaml:"defaults"`
	Engine     EngineConfig        `yaml:"engine"`
	Fleets     []Fleet             `yaml:"fleets"`
	Templates  []template.Template `yaml:"templates"`
	Sinks      Sinks               `yaml:"sinks"`
	Admin      Admin               `yaml:"admin"`
	Logging    Logging             `yaml:"logging"`
}

// Load loads YAML config and validates it against a CUE schema. An
// empty cueSchemaPath skips schema validation.
func Load(configPath, cueSchemaPath string) (*SimulationConfig, error) {
	if cueSchemaPath != "" {
		if err := ValidateWithCue(configPath, cueSchemaPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	var cfg SimulationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *SimulationConfig) applyDefaults() {
	if c.Hub.Protocol == "" {
		c.Hub.Protocol = "sim"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Fleets {
		f := &c.Fleets[i]
		if f.Prefix == "" {
			f.Prefix = f.Name
		}
		if f.Protocol == "" {
			f.Protocol = c.Hub.Protocol
		}
	}
}

// Validate checks cross-field constraints the CUE schema cannot see.
func (c *SimulationConfig) Validate() error {
	known := make(map[string]struct{})
	for name := range template.Builtin() {
		known[name] = struct{}{}
	}
	for i := range c.Templates {
		t := &c.Templates[i]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: template %q: %v", ErrInvalidConfig, t.Name, err)
		}
		known[t.Name] = struct{}{}
	}
	names := make(map[string]struct{})
	for i := range c.Fleets {
		f := &c.Fleets[i]
		if f.Name == "" {
			return fmt.Errorf("%w: fleet %d has no name", ErrInvalidConfig, i)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("%w: duplicate fleet name %q", ErrInvalidConfig, f.Name)
		}
		names[f.Name] = struct{}{}
		if f.Count <= 0 {
			return fmt.Errorf("%w: fleet %q count must be positive", ErrInvalidConfig, f.Name)
		}
		if _, ok := known[f.Template]; !ok {
			return fmt.Errorf("%w: fleet %q references unknown template %q", ErrInvalidConfig, f.Name, f.Template)
		}
		switch f.Protocol {
		case "mqtt", "amqp", "https", "sim":
		default:
			return fmt.Errorf("%w: fleet %q has unknown protocol %q", ErrInvalidConfig, f.Name, f.Protocol)
		}
	}
	if c.Hub.Protocol != "sim" && c.Hub.Endpoint == "" {
		return fmt.Errorf("%w: hub endpoint required for protocol %q", ErrInvalidConfig, c.Hub.Protocol)
	}
	return nil
}
