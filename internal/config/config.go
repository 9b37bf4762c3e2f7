// Package config resolves runtime settings from defaults, an optional TOML
// file, CHANGECONTROL_* environment variables and command-line flags, in that
// order of precedence (later wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultPrefix       = "changecontrol"
	defaultStoreDSN     = "sqlite://changecontrol.db"
	defaultChangesDir   = "changes"
	defaultConfigFile   = "changecontrol.toml"
	defaultLogLevel     = "info"
	defaultLogMaxSizeMB = 10
	defaultLogMaxFiles  = 5

	envPrefix = "CHANGECONTROL_"
)

var ErrInvalidConfig = errors.New("invalid config")

// ValidLogLevels lists the accepted logging.level values.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

type Config struct {
	Prefix  string        `toml:"prefix"`
	User    string        `toml:"user"`
	Store   StoreConfig   `toml:"store"`
	Changes ChangesConfig `toml:"changes"`
	Logging LoggingConfig `toml:"logging"`
}

type StoreConfig struct {
	DSN string `toml:"dsn"`
}

type ChangesConfig struct {
	Dir string `toml:"dir"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	// ConfigPath is the TOML file to read. Empty falls back to
	// CHANGECONTROL_CONFIG, then changecontrol.toml in the working directory.
	ConfigPath string
	// Env replaces the process environment when non-nil.
	Env   map[string]string
	Flags FlagOverrides
}

// FlagOverrides carries flags the user set explicitly. Nil means unset.
type FlagOverrides struct {
	Prefix     *string
	StoreDSN   *string
	ChangesDir *string
	LogFile    *string
	Verbose    bool
}

func DefaultConfig() Config {
	return Config{
		Prefix:  defaultPrefix,
		User:    "",
		Store:   StoreConfig{DSN: defaultStoreDSN},
		Changes: ChangesConfig{Dir: defaultChangesDir},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			File:      "",
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	if err := loadAndApplyFile(resolveConfigPath(opts), &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Prefix  *string     `toml:"prefix"`
	User    *string     `toml:"user"`
	Store   *rawStore   `toml:"store"`
	Changes *rawChanges `toml:"changes"`
	Logging *rawLogging `toml:"logging"`
}

type rawStore struct {
	DSN *string `toml:"dsn"`
}

type rawChanges struct {
	Dir *string `toml:"dir"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	setString(raw.Prefix, &cfg.Prefix)
	setString(raw.User, &cfg.User)
	if raw.Store != nil {
		setString(raw.Store.DSN, &cfg.Store.DSN)
	}
	if raw.Changes != nil {
		setString(raw.Changes.Dir, &cfg.Changes.Dir)
	}
	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
	return nil
}

// envOverrides mirrors Config for environment parsing. It is seeded with the
// current values, so variables that are not set leave them untouched.
type envOverrides struct {
	Prefix       string `env:"PREFIX"`
	User         string `env:"USER"`
	StoreDSN     string `env:"STORE_DSN"`
	ChangesDir   string `env:"CHANGES_DIR"`
	LogLevel     string `env:"LOG_LEVEL"`
	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB"`
	LogMaxFiles  int    `env:"LOG_MAX_FILES"`
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	e := envOverrides{
		Prefix:       cfg.Prefix,
		User:         cfg.User,
		StoreDSN:     cfg.Store.DSN,
		ChangesDir:   cfg.Changes.Dir,
		LogLevel:     cfg.Logging.Level,
		LogFile:      cfg.Logging.File,
		LogMaxSizeMB: cfg.Logging.MaxSizeMB,
		LogMaxFiles:  cfg.Logging.MaxFiles,
	}
	if err := env.ParseWithOptions(&e, env.Options{
		Prefix:      envPrefix,
		Environment: opts.Env,
	}); err != nil {
		return fmt.Errorf("%w: parse env: %v", ErrInvalidConfig, err)
	}

	cfg.Prefix = e.Prefix
	cfg.User = e.User
	cfg.Store.DSN = e.StoreDSN
	cfg.Changes.Dir = e.ChangesDir
	cfg.Logging.Level = e.LogLevel
	cfg.Logging.File = e.LogFile
	cfg.Logging.MaxSizeMB = e.LogMaxSizeMB
	cfg.Logging.MaxFiles = e.LogMaxFiles
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	setString(flags.Prefix, &cfg.Prefix)
	setString(flags.StoreDSN, &cfg.Store.DSN)
	setString(flags.ChangesDir, &cfg.Changes.Dir)
	setString(flags.LogFile, &cfg.Logging.File)
	if flags.Verbose {
		cfg.Logging.Level = "debug"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Prefix) == "" {
		return fmt.Errorf("%w: prefix must not be empty", ErrInvalidConfig)
	}
	if strings.ContainsAny(cfg.Prefix, "*?[]\\") {
		return fmt.Errorf("%w: prefix %q must not contain glob characters", ErrInvalidConfig, cfg.Prefix)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("%w: store.dsn must not be empty", ErrInvalidConfig)
	}
	if !isValidLogLevel(cfg.Logging.Level) {
		return fmt.Errorf("%w: logging.level must be one of %v", ErrInvalidConfig, ValidLogLevels)
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("%w: logging.max_size_mb must be > 0", ErrInvalidConfig)
	}
	if cfg.Logging.MaxFiles <= 0 {
		return fmt.Errorf("%w: logging.max_files must be > 0", ErrInvalidConfig)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	for _, l := range ValidLogLevels {
		if l == level {
			return true
		}
	}
	return false
}

func setString(raw *string, target *string) {
	if raw == nil {
		return
	}
	*target = *raw
}

func setInt(raw *int, target *int) {
	if raw == nil {
		return
	}
	*target = *raw
}

func resolveConfigPath(opts LoadOptions) string {
	if opts.ConfigPath != "" {
		return opts.ConfigPath
	}
	if value, ok := lookupEnv(opts, envPrefix+"CONFIG"); ok {
		return value
	}
	return defaultConfigFile
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		value, ok := opts.Env[key]
		return value, ok
	}
	return os.LookupEnv(key)
}
