// Package config provides configuration handling for the userspace stack.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/ustack/pkg/logging"
	"gopkg.in/yaml.v3"
)

// InterfaceConfig describes one network interface the stack owns.
type InterfaceConfig struct {
	// Name is the device name (e.g. "tap0").
	Name string `json:"name" yaml:"name"`

	// Backend selects the frame transport: "tun" or "channel".
	Backend string `json:"backend" yaml:"backend"`

	// MAC is the link address in colon notation.
	MAC string `json:"mac" yaml:"mac"`

	// Addrs are local IP prefixes in CIDR notation.
	Addrs []string `json:"addrs" yaml:"addrs"`

	// MTU is the payload limit in bytes.
	MTU int `json:"mtu" yaml:"mtu"`
}

// StackConfig contains tuning knobs consumed by the protocol core.
type StackConfig struct {
	// Workers is the shard/worker count; 0 means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`

	// MSS is the maximum segment size advertised and used for segmentation.
	MSS int `json:"mss" yaml:"mss"`

	// InitialCwndMSS is the initial congestion window in segments.
	InitialCwndMSS int `json:"initialCwndMss" yaml:"initialCwndMss"`

	// TimeWait is the TIME_WAIT quarantine duration (2*MSL).
	TimeWait time.Duration `json:"timeWait" yaml:"timeWait"`

	// MaxRetransmits aborts a connection after this many consecutive
	// retransmissions of the same segment.
	MaxRetransmits int `json:"maxRetransmits" yaml:"maxRetransmits"`

	// PoolFrames is the buffer pool capacity per size class.
	PoolFrames int `json:"poolFrames" yaml:"poolFrames"`

	// ShardQueue is the per-shard ingress queue capacity.
	ShardQueue int `json:"shardQueue" yaml:"shardQueue"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file" yaml:"file"`
	MaxSize    int    `json:"maxSize" yaml:"maxSize"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAge     int    `json:"maxAge" yaml:"maxAge"`
}

// Config represents the complete daemon configuration.
type Config struct {
	Interfaces []InterfaceConfig `json:"interfaces" yaml:"interfaces"`
	Stack      StackConfig       `json:"stack" yaml:"stack"`
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Interfaces: []InterfaceConfig{{
			Name:    "tap0",
			Backend: "tun",
			MAC:     "02:00:00:00:00:01",
			Addrs:   []string{"192.168.64.2/24"},
			MTU:     1500,
		}},
		Stack: StackConfig{
			Workers:        0,
			MSS:            1460,
			InitialCwndMSS: 10,
			TimeWait:       60 * time.Second,
			MaxRetransmits: 8,
			PoolFrames:     2048,
			ShardQueue:     1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv overrides configuration from environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("USTACK_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.Workers = n
		}
	}
	if val := os.Getenv("USTACK_MSS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MSS = n
		}
	}
	if val := os.Getenv("USTACK_INIT_CWND_MSS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.InitialCwndMSS = n
		}
	}
	if val := os.Getenv("USTACK_TIME_WAIT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Stack.TimeWait = d
		}
	}
	if val := os.Getenv("USTACK_MAX_RETRANSMITS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Stack.MaxRetransmits = n
		}
	}
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("at least one interface must be configured")
	}
	for _, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interface name cannot be empty")
		}
		switch ifc.Backend {
		case "tun", "channel":
		default:
			return fmt.Errorf("unsupported interface backend: %s", ifc.Backend)
		}
		if _, err := ParseMAC(ifc.MAC); err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
		if len(ifc.Addrs) == 0 {
			return fmt.Errorf("interface %s has no addresses", ifc.Name)
		}
		for _, a := range ifc.Addrs {
			if _, err := netip.ParsePrefix(a); err != nil {
				return fmt.Errorf("interface %s: invalid address %q: %w", ifc.Name, a, err)
			}
		}
		if ifc.MTU <= 0 {
			return fmt.Errorf("interface %s: invalid MTU %d", ifc.Name, ifc.MTU)
		}
	}
	if c.Stack.MSS < 536 || c.Stack.MSS > 65495 {
		return fmt.Errorf("invalid MSS: %d", c.Stack.MSS)
	}
	if c.Stack.InitialCwndMSS <= 0 {
		return fmt.Errorf("invalid initial cwnd: %d", c.Stack.InitialCwndMSS)
	}
	if c.Stack.TimeWait <= 0 {
		return fmt.Errorf("invalid TIME_WAIT duration: %v", c.Stack.TimeWait)
	}
	if c.Stack.MaxRetransmits <= 0 {
		return fmt.Errorf("invalid max retransmits: %d", c.Stack.MaxRetransmits)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		if err := logging.EnableFileLogging(c.Logging.File, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}

// ParseMAC parses a colon-separated MAC address into 6 bytes.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("invalid MAC address: %s", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("invalid MAC address: %s", s)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}
