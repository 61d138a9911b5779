// Package config loads marauder settings from defaults, a YAML file, a .env
// file and MARAUDER_* environment variables, in increasing precedence. CLI
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "MARAUDER_"

	DefaultTimeout    = 30 * time.Second
	DefaultSSHTimeout = 60 * time.Second
	DefaultParallel   = 8
	DefaultLogLevel   = "warn"
	DefaultLogFormat  = "auto"
)

// ErrMissingPrismURL is returned by Validate when no discovery endpoint is set.
var ErrMissingPrismURL = errors.New("missing prism-url")

// Config is the resolved configuration for one invocation.
type Config struct {
	PrismURL        string        `yaml:"prism-url"`
	Timeout         time.Duration `yaml:"timeout"`
	SSHTimeout      time.Duration `yaml:"ssh-timeout"`
	Parallel        int           `yaml:"parallel"`
	LogLevel        string        `yaml:"log-level"`
	LogFormat       string        `yaml:"log-format"`
	SSHConfig       string        `yaml:"ssh-config"`
	KnownHosts      string        `yaml:"known-hosts"`
	IdentityFiles   []string      `yaml:"identity-files"`
	MetricsTextfile string        `yaml:"metrics-textfile"`
	// StrictHostKeyChecking rejects hosts missing from known-hosts instead
	// of recording their key on first contact.
	StrictHostKeyChecking bool `yaml:"strict-host-key-checking"`

	// Path is the file the settings were read from, empty if none was found.
	Path string `yaml:"-"`
}

// homeDir is swapped in tests.
var homeDir = os.UserHomeDir

// DefaultPath returns ~/.config/marauder/defaults.yaml, honouring
// XDG_CONFIG_HOME.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "marauder", "defaults.yaml")
	}
	home, err := homeDir()
	if err != nil {
		return filepath.Join(".config", "marauder", "defaults.yaml")
	}
	return filepath.Join(home, ".config", "marauder", "defaults.yaml")
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	cfg := &Config{
		Timeout:    DefaultTimeout,
		SSHTimeout: DefaultSSHTimeout,
		Parallel:   DefaultParallel,
		LogLevel:   DefaultLogLevel,
		LogFormat:  DefaultLogFormat,
	}
	if home, err := homeDir(); err == nil {
		cfg.SSHConfig = filepath.Join(home, ".ssh", "config")
		cfg.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		cfg.IdentityFiles = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	return cfg
}

// Load reads path, or DefaultPath when path is empty. A missing default file
// is not an error; a missing explicit file is.
func Load(path string, logger zerolog.Logger) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.Path = path
		logger.Debug().Str("config_file", path).Msg("Loaded configuration from file")
	case errors.Is(err, os.ErrNotExist) && !explicit:
		logger.Debug().Str("config_file", path).Msg("No configuration file found")
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// godotenv.Load never overrides variables already set in the environment.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			logger.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := getenv("PRISM_URL"); v != "" {
		c.PrismURL = v
	}
	if v := getenv("TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sTIMEOUT: %w", EnvPrefix, err)
		}
		c.Timeout = d
	}
	if v := getenv("SSH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSSH_TIMEOUT: %w", EnvPrefix, err)
		}
		c.SSHTimeout = d
	}
	if v := getenv("PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPARALLEL: %w", EnvPrefix, err)
		}
		c.Parallel = n
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := getenv("SSH_CONFIG"); v != "" {
		c.SSHConfig = v
	}
	if v := getenv("KNOWN_HOSTS"); v != "" {
		c.KnownHosts = v
	}
	if v := getenv("IDENTITY_FILES"); v != "" {
		c.IdentityFiles = splitList(v)
	}
	if v := getenv("METRICS_TEXTFILE"); v != "" {
		c.MetricsTextfile = v
	}
	if v := getenv("STRICT_HOST_KEY_CHECKING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sSTRICT_HOST_KEY_CHECKING: %w", EnvPrefix, err)
		}
		c.StrictHostKeyChecking = b
	}
	return nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) expandPaths() {
	c.SSHConfig = ExpandHome(c.SSHConfig)
	c.KnownHosts = ExpandHome(c.KnownHosts)
	c.MetricsTextfile = ExpandHome(c.MetricsTextfile)
	for i, p := range c.IdentityFiles {
		c.IdentityFiles[i] = ExpandHome(p)
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := homeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks settings needed to talk to Prism.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PrismURL) == "" {
		return fmt.Errorf("%w: marauder needs to know how to connect to Prism\n\n"+
			"Create %s containing at a minimum:\n"+
			"    ---\n"+
			"    prism-url: http://<prism-host>\n\n"+
			"or set %sPRISM_URL or pass --prism-url", ErrMissingPrismURL, DefaultPath(), EnvPrefix)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.SSHTimeout <= 0 {
		return fmt.Errorf("ssh-timeout must be positive, got %s", c.SSHTimeout)
	}
	if c.Parallel <= 0 {
		return fmt.Errorf("parallel must be positive, got %d", c.Parallel)
	}
	return nil
}
