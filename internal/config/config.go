package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultServerPath     = "arkouda_server"
	defaultReadyPattern   = `server listening on tcp://(?P<host>[^\s:]+):(?P<port>\d+)`
	defaultStartupTimeout = 2 * time.Minute
	defaultGracePeriod    = 5 * time.Second
	defaultForcedExitWait = 2 * time.Second
	defaultOutputTailKB   = 64

	// DirName is the per-user and per-project configuration directory name.
	DirName = ".benchrun"
	// FileName is the configuration file looked up inside DirName.
	FileName = "config.toml"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ServerPath     string
	ServerArgs     []string
	ReadyPattern   string
	StartupTimeout time.Duration
	GracePeriod    time.Duration
	ForcedExitWait time.Duration
	// DefaultLocales is zero when no file sets default_locales.
	DefaultLocales  int
	OutputTailBytes int
	OTELEndpoint    string
}

type fileConfig struct {
	ServerPath     *string     `toml:"server_path"`
	ServerArgs     *[]string   `toml:"server_args"`
	ReadyPattern   *string     `toml:"ready_pattern"`
	StartupTimeout *string     `toml:"startup_timeout"`
	GracePeriod    *string     `toml:"grace_period"`
	ForcedExitWait *string     `toml:"forced_exit_wait"`
	DefaultLocales *int        `toml:"default_locales"`
	OutputTailKB   *int        `toml:"output_tail_kb"`
	OTEL           *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.benchrun/config.toml and overlays a project-local .benchrun/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, DirName, FileName),
		filepath.Join(workingDir, DirName, FileName),
	)
}

// LoadFiles overlays each existing path onto the defaults, in order.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ServerPath:      defaultServerPath,
		ServerArgs:      []string{},
		ReadyPattern:    defaultReadyPattern,
		StartupTimeout:  defaultStartupTimeout,
		GracePeriod:     defaultGracePeriod,
		ForcedExitWait:  defaultForcedExitWait,
		OutputTailBytes: defaultOutputTailKB * 1024,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	if err := applyServerOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}

	return nil
}

func applyServerOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ServerPath != nil {
		serverPath := strings.TrimSpace(*decoded.ServerPath)
		if serverPath == "" {
			return fmt.Errorf("parse server_path in %q: must not be empty", path)
		}
		cfg.ServerPath = serverPath
	}
	if decoded.ServerArgs != nil {
		cfg.ServerArgs = append([]string(nil), (*decoded.ServerArgs)...)
	}
	if decoded.ReadyPattern != nil {
		cfg.ReadyPattern = strings.TrimSpace(*decoded.ReadyPattern)
	}
	if decoded.DefaultLocales != nil {
		if *decoded.DefaultLocales <= 0 {
			return fmt.Errorf("parse default_locales in %q: must be > 0", path)
		}
		cfg.DefaultLocales = *decoded.DefaultLocales
	}
	if decoded.OutputTailKB != nil {
		if *decoded.OutputTailKB <= 0 {
			return fmt.Errorf("parse output_tail_kb in %q: must be > 0", path)
		}
		cfg.OutputTailBytes = *decoded.OutputTailKB * 1024
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StartupTimeout != nil {
		value, err := parseDuration(*decoded.StartupTimeout, "startup_timeout", path)
		if err != nil {
			return err
		}
		cfg.StartupTimeout = value
	}
	if decoded.GracePeriod != nil {
		value, err := parseDuration(*decoded.GracePeriod, "grace_period", path)
		if err != nil {
			return err
		}
		cfg.GracePeriod = value
	}
	if decoded.ForcedExitWait != nil {
		value, err := parseDuration(*decoded.ForcedExitWait, "forced_exit_wait", path)
		if err != nil {
			return err
		}
		cfg.ForcedExitWait = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}
