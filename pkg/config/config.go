// Package config loads and validates gnmilab configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Readiness strategies.
const (
	ReadinessProbe = "probe"
	ReadinessSleep = "sleep"
)

// Defaults applied by SetDefaults.
const (
	DefaultSubnet          = "10.0.0.0/24"
	DefaultNamespacePrefix = "lk022"
	DefaultReadyTimeout    = 20 * time.Second
	DefaultReadyInterval   = time.Second
	DefaultLogLevel        = "info"
	DefaultLogOutput       = "stderr"
	DefaultEmulatorLog     = "/tmp/link022_emulator.log"

	// ExternalControllerNamespace names the controller host in external
	// target mode, where no namespaces are created.
	ExternalControllerNamespace = "lk022_def"

	configEnv         = "GNMILAB_CONFIG"
	defaultConfigPath = "/etc/gnmilab/config.yaml"
)

// Config is the top-level configuration structure.
type Config struct {
	Topology TopologyConfig `yaml:"topology"`
	Target   TargetConfig   `yaml:"target"`
	Verify   VerifyConfig   `yaml:"verify"`
	Emulator bool           `yaml:"emulator"`
	StateDir string         `yaml:"state_dir"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TopologyConfig holds the virtual network settings.
type TopologyConfig struct {
	Subnet          string `yaml:"subnet"`
	NamespacePrefix string `yaml:"namespace_prefix"`
}

// TargetConfig describes the device under test.
type TargetConfig struct {
	Command       string        `yaml:"command"`
	External      bool          `yaml:"external"`
	Readiness     string        `yaml:"readiness"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// VerifyConfig holds the gnmi_set invocation settings.
type VerifyConfig struct {
	GNMISet    string `yaml:"gnmi_set"`
	CA         string `yaml:"ca"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	TargetName string `yaml:"target_name"`
	TargetAddr string `yaml:"target_addr"`
	JSONConf   string `yaml:"json_conf"`
	// Raw is a pre-built command line run through the shell as is.
	Raw string `yaml:"raw"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// GetDefaultConfigPath returns $GNMILAB_CONFIG or /etc/gnmilab/config.yaml.
func GetDefaultConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// LoadConfig reads a YAML config file. Defaults are not applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Topology.Subnet == "" {
		c.Topology.Subnet = DefaultSubnet
	}
	if c.Topology.NamespacePrefix == "" {
		c.Topology.NamespacePrefix = DefaultNamespacePrefix
	}
	if c.Target.Readiness == "" {
		c.Target.Readiness = ReadinessProbe
	}
	if c.Target.ReadyTimeout == 0 {
		c.Target.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Target.ReadyInterval == 0 {
		c.Target.ReadyInterval = DefaultReadyInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Output == "" {
		if c.Emulator {
			c.Logging.Output = DefaultEmulatorLog
		} else {
			c.Logging.Output = DefaultLogOutput
		}
	}
}

// Validate checks the config as a whole.
func (c *Config) Validate() error {
	if c.Emulator && c.Target.External {
		return errors.New("emulator mode cannot be used with an external target")
	}
	if !c.Target.External {
		if err := c.Topology.Validate(); err != nil {
			return fmt.Errorf("topology: %w", err)
		}
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if !c.Emulator {
		if err := c.Verify.Validate(); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
	}
	return nil
}

// ParsedSubnet parses the topology subnet.
func (c TopologyConfig) ParsedSubnet() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(c.Subnet)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %q: %w", c.Subnet, err)
	}
	return prefix.Masked(), nil
}

// Validate checks the topology settings.
func (c TopologyConfig) Validate() error {
	prefix, err := c.ParsedSubnet()
	if err != nil {
		return err
	}
	if !prefix.Addr().Is4() || prefix.Bits() != 24 {
		return fmt.Errorf("subnet %s must be an IPv4 /24", c.Subnet)
	}
	if c.NamespacePrefix == "" {
		return errors.New("namespace prefix is required")
	}
	return nil
}

// Validate checks the target settings.
func (c TargetConfig) Validate() error {
	if !c.External && c.Command == "" {
		return errors.New("command is required unless the target is external")
	}
	switch c.Readiness {
	case ReadinessProbe, ReadinessSleep:
	default:
		return fmt.Errorf("readiness must be %q or %q, got %q", ReadinessProbe, ReadinessSleep, c.Readiness)
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("ready timeout must be positive")
	}
	if c.ReadyInterval <= 0 {
		return errors.New("ready interval must be positive")
	}
	return nil
}

// Validate checks the verification settings. A raw command line replaces
// every other field.
func (c VerifyConfig) Validate() error {
	if c.Raw != "" {
		return nil
	}
	required := []struct {
		name, value string
	}{
		{"gnmi_set", c.GNMISet},
		{"ca", c.CA},
		{"cert", c.Cert},
		{"key", c.Key},
		{"target_name", c.TargetName},
		{"target_addr", c.TargetAddr},
		{"json_conf", c.JSONConf},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}
	return nil
}
