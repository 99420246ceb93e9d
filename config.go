package agentmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration decoded from a Go duration string ("30s") or a
// number of seconds
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML)
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q", ErrInvalidConfig, s)
	}
	return v, nil
}

// Config is the file configuration of an agentmgr daemon
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error, off
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// HeartbeatInterval is the default loop interval of service components
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	// CheckInterval is the default loop interval of monitor components
	CheckInterval Duration `yaml:"check_interval" toml:"check_interval"`

	Services   ServicesConfig    `yaml:"services" toml:"services"`
	Snapshot   SnapshotConfig    `yaml:"snapshot" toml:"snapshot"`
	Watchdog   WatchdogConfig    `yaml:"watchdog" toml:"watchdog"`
	Components []ComponentConfig `yaml:"components" toml:"components"`
}

// ServicesConfig configures the ServiceManager fan-out
type ServicesConfig struct {
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	// TCP lists services probed by dialing an address
	TCP []TCPServiceConfig `yaml:"tcp" toml:"tcp"`
}

// TCPServiceConfig declares a service checked with a TCPDriver
type TCPServiceConfig struct {
	Name string `yaml:"name" toml:"name"`
	Addr string `yaml:"addr" toml:"addr"`
}

// SnapshotConfig configures the periodic status snapshot. An empty path
// disables it.
type SnapshotConfig struct {
	Path     string   `yaml:"path" toml:"path"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// WatchdogConfig configures stale heartbeat detection. A zero interval
// disables it.
type WatchdogConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	Factor   float64  `yaml:"factor" toml:"factor"`
}

// ComponentConfig declares a component created at startup
type ComponentConfig struct {
	Name   string         `yaml:"name" toml:"name"`
	Kind   string         `yaml:"kind" toml:"kind"`
	Config map[string]any `yaml:"config" toml:"config"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		LogLevel:          "info",
		HeartbeatInterval: Duration{DefaultHeartbeatInterval},
		CheckInterval:     Duration{DefaultCheckInterval},
		Services: ServicesConfig{
			Concurrency: DefaultConcurrency,
			Timeout:     Duration{DefaultServiceTimeout},
		},
		Snapshot: SnapshotConfig{
			Interval: Duration{DefaultSnapshotInterval},
		},
		Watchdog: WatchdogConfig{
			Factor: DefaultWatchdogFactor,
		},
	}
}

// LoadConfig reads path over DefaultConfig. The format follows the file
// extension: .yaml, .yml or .toml.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and component declarations
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HeartbeatInterval.Duration < 0 || c.CheckInterval.Duration < 0 {
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}
	if c.Services.Concurrency < 0 {
		return fmt.Errorf("%w: services.concurrency must not be negative", ErrInvalidConfig)
	}
	if c.Services.Timeout.Duration < 0 {
		return fmt.Errorf("%w: services.timeout must not be negative", ErrInvalidConfig)
	}
	if c.Snapshot.Path != "" && c.Snapshot.Interval.Duration <= 0 {
		return fmt.Errorf("%w: snapshot.interval must be positive", ErrInvalidConfig)
	}
	if c.Watchdog.Interval.Duration > 0 && c.Watchdog.Factor < 1 {
		return fmt.Errorf("%w: watchdog.factor must be at least 1", ErrInvalidConfig)
	}

	svcs := make(map[string]struct{}, len(c.Services.TCP))
	for i, svc := range c.Services.TCP {
		if strings.TrimSpace(svc.Name) == "" || strings.TrimSpace(svc.Addr) == "" {
			return fmt.Errorf("%w: services.tcp[%d] needs name and addr", ErrInvalidConfig, i)
		}
		if _, dup := svcs[svc.Name]; dup {
			return fmt.Errorf("%w: services.tcp[%d] duplicate name %q", ErrInvalidConfig, i, svc.Name)
		}
		svcs[svc.Name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(c.Components))
	for i, comp := range c.Components {
		if strings.TrimSpace(comp.Name) == "" {
			return fmt.Errorf("%w: components[%d] missing name", ErrInvalidConfig, i)
		}
		if _, dup := seen[comp.Name]; dup {
			return fmt.Errorf("%w: components[%d] duplicate name %q", ErrInvalidConfig, i, comp.Name)
		}
		seen[comp.Name] = struct{}{}
		if _, err := ParseKind(comp.Kind); err != nil {
			return fmt.Errorf("%w: components[%d]: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}
