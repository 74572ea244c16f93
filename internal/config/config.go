package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const configFilename = "config.yaml"

// Config is the wrapper's own configuration. The wrapped child processes keep
// their own config files; nothing here is passed through to them.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Child    ChildConfig    `yaml:"child"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Journal  JournalConfig  `yaml:"journal"`

	// Root is the directory the wrapper operates in (executables, configs,
	// logs). Resolved at load time, not read from YAML.
	Root string `yaml:"-"`
}

// ServiceConfig names the unit registered with the host service manager.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ChildConfig describes the managed child executables.
type ChildConfig struct {
	// Base is the default executable name; named variants are Base@<name>.
	Base string `yaml:"base"`
}

// ShutdownConfig bounds the stop transition.
type ShutdownConfig struct {
	// Timeout is the graceful window per stop request. It must sit safely
	// under the host manager's own kill deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// JournalConfig locates the run journal database.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns the built-in configuration. A root directory with no
// config.yaml at all is fully usable.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "flockd",
			DisplayName: "Flockd Managed Service",
			LogLevel:    "INFO",
			LogFormat:   "text",
		},
		Child: ChildConfig{
			Base: "frpc",
		},
		Shutdown: ShutdownConfig{
			Timeout: 20 * time.Second,
		},
	}
}

// Load reads config.yaml from root if present, merges defaults, and validates.
// A missing file is not an error.
func Load(root string) (*Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}

	cfg := Defaults()
	cfg.Root = absRoot

	path := filepath.Join(absRoot, configFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyPathDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Root = absRoot
	cfg.applyPathDefaults()

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverRoot resolves the wrapper's root directory: $FLOCKD_ROOT when set,
// otherwise the directory holding the running executable.
func DiscoverRoot() (string, error) {
	if dir := os.Getenv("FLOCKD_ROOT"); dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("FLOCKD_ROOT %q: %w", dir, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("FLOCKD_ROOT %q is not a directory", dir)
		}
		return dir, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Dir(exe), nil
}

// LogsDir is where dated wrapper logs and the multiplexed child log live.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Root, "logs")
}

// ChildLogPath is the single multiplexed output log for all instances.
func (c *Config) ChildLogPath() string {
	return filepath.Join(c.LogsDir(), c.Child.Base+".log")
}

// PIDLockPath guards against two service-mode wrappers sharing one root.
func (c *Config) PIDLockPath() string {
	return filepath.Join(c.Root, "flockd.pid")
}

func (c *Config) applyPathDefaults() {
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Root, "flockd.db")
	}
}

func validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name must not be empty")
	}
	if cfg.Child.Base == "" {
		return fmt.Errorf("child.base must not be empty")
	}
	if filepath.Base(cfg.Child.Base) != cfg.Child.Base {
		return fmt.Errorf("child.base must be a bare executable name, got %q", cfg.Child.Base)
	}
	if cfg.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive, got %s", cfg.Shutdown.Timeout)
	}
	return nil
}
