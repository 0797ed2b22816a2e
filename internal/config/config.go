// ABOUTME: Configuration loading for coven-sshd from YAML or TOML files
// ABOUTME: Expands ${VAR} references, parses duration strings, applies defaults and validates

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_SSHD_CONFIG"

// Defaults used when a field is absent from the file.
const (
	DefaultSSHAddr       = "127.0.0.1:2222"
	DefaultPolicy        = "reject"
	DefaultGracePeriod   = 5 * time.Second
	DefaultParseTimeout  = time.Second
	DefaultMaxLineLength = 64 * 1024
	DefaultPrompt        = "coven> "
	DefaultServiceName   = "coven-sshd"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the complete coven-sshd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Shell     ShellConfig     `yaml:"shell" toml:"shell"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	SSHAddr    string `yaml:"ssh_addr" toml:"ssh_addr"`
	HostKey    string `yaml:"host_key" toml:"host_key"`       // path to a PEM/OpenSSH private key
	HealthAddr string `yaml:"health_addr" toml:"health_addr"` // empty disables the gRPC health endpoint
	Banner     string `yaml:"banner" toml:"banner"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ShellConfig controls command dispatch and execution.
type ShellConfig struct {
	Policy        string `yaml:"policy" toml:"policy"`
	MaxLineLength int    `yaml:"max_line_length" toml:"max_line_length"`
	Prompt        string `yaml:"prompt" toml:"prompt"`

	// Parsed durations (populated by parseDurations)
	GracePeriod  time.Duration `yaml:"-" toml:"-"`
	ParseTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw duration strings from the file
	GracePeriodRaw  string `yaml:"grace_period" toml:"grace_period"`
	ParseTimeoutRaw string `yaml:"parse_timeout" toml:"parse_timeout"`
}

// LoggingConfig selects level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig enables OTLP/HTTP trace export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Enabled reports whether traces should be exported.
func (t TelemetryConfig) Enabled() bool {
	return t.Endpoint != ""
}

// Load reads the configuration file at path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(formatFor(path), data)
	if err != nil {
		return nil, err
	}

	// Relative database and host key paths resolve against the config directory
	dir := filepath.Dir(path)
	cfg.Database.Path = resolvePath(dir, cfg.Database.Path)
	cfg.Server.HostKey = resolvePath(dir, cfg.Server.HostKey)

	return cfg, nil
}

// Parse decodes data in the given format ("yaml" or "toml").
func Parse(format string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		// An empty document decodes to the zero config
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		md, err := toml.Decode(expanded, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config file: unknown key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
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

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

func resolvePath(dir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(dir, p)
}

// expandEnvVars replaces ${VAR} with the environment value; unset vars expand to "".
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.SSHAddr == "" {
		c.Server.SSHAddr = DefaultSSHAddr
	}
	if c.Shell.Policy == "" {
		c.Shell.Policy = DefaultPolicy
	}
	if c.Shell.GracePeriod == 0 {
		c.Shell.GracePeriod = DefaultGracePeriod
	}
	if c.Shell.ParseTimeout == 0 {
		c.Shell.ParseTimeout = DefaultParseTimeout
	}
	if c.Shell.MaxLineLength == 0 {
		c.Shell.MaxLineLength = DefaultMaxLineLength
	}
	if c.Shell.Prompt == "" {
		c.Shell.Prompt = DefaultPrompt
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.SSHAddr == "" {
		return fmt.Errorf("server.ssh_addr is required")
	}

	if c.Server.HostKey == "" {
		return fmt.Errorf("server.host_key is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Shell.Policy {
	case "reject", "queue", "concurrent":
	default:
		return fmt.Errorf("shell.policy must be reject, queue or concurrent, got %q", c.Shell.Policy)
	}

	if c.Shell.GracePeriod < 0 {
		return fmt.Errorf("shell.grace_period must not be negative")
	}
	if c.Shell.ParseTimeout < 0 {
		return fmt.Errorf("shell.parse_timeout must not be negative")
	}
	if c.Shell.MaxLineLength < 0 {
		return fmt.Errorf("shell.max_line_length must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %v", r)
	}

	return nil
}

// parseDurations converts raw duration strings to time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Shell.GracePeriodRaw != "" {
		cfg.Shell.GracePeriod, err = time.ParseDuration(cfg.Shell.GracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing grace_period %q: %w", cfg.Shell.GracePeriodRaw, err)
		}
	}

	if cfg.Shell.ParseTimeoutRaw != "" {
		cfg.Shell.ParseTimeout, err = time.ParseDuration(cfg.Shell.ParseTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing parse_timeout %q: %w", cfg.Shell.ParseTimeoutRaw, err)
		}
	}

	return nil
}

// DefaultPath returns the config location: $COVEN_SSHD_CONFIG, then
// $XDG_CONFIG_HOME/coven/sshd.yaml, then ~/.config/coven/sshd.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "sshd.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sshd.yaml"
	}
	return filepath.Join(home, ".config", "coven", "sshd.yaml")
}

// Template renders a starter YAML config pointing at the given host key and database.
func Template(hostKey, dbPath string) string {
	return fmt.Sprintf(`# coven-sshd configuration

server:
  ssh_addr: %q
  host_key: %q
  # health_addr: "127.0.0.1:2223"

database:
  path: %q

shell:
  policy: %q          # reject, queue or concurrent
  grace_period: %q
  parse_timeout: %q
  max_line_length: %d

logging:
  level: "info"
  format: "text"

telemetry:
  # endpoint: "localhost:4318"
  # insecure: true
  service_name: %q
`, DefaultSSHAddr, hostKey, dbPath, DefaultPolicy,
		DefaultGracePeriod.String(), DefaultParseTimeout.String(), DefaultMaxLineLength,
		DefaultServiceName)
}
