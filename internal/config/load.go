package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the final configuration after the override chain has been
// applied. Durations are parsed and paths are absolute.
type Resolved struct {
	ConfigPath string
	DataDir    string

	ServerURL string

	PollInterval        time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxUploadsPerSecond float64
	PurgeAfter          time.Duration

	CredentialBackend string
	CredentialKeyFile string
	CredentialKey     string // from MOODSYNC_CREDENTIAL_KEY only; never read from the file

	LogLevel  string
	LogFormat string

	RequestTimeout time.Duration
	UserAgent      string

	MinScore int
	MaxScore int

	MetricsListen string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// Config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.ServerURL != "" {
		cfg.Server.URL = env.ServerURL
	}

	if cli.ServerURL != nil {
		cfg.Server.URL = *cli.ServerURL
	}

	dataDir := DefaultDataDir()
	if env.DataDir != "" {
		dataDir = env.DataDir
	}

	// Overrides can reintroduce invalid values; check the merged result.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved := build(cfg)
	resolved.ConfigPath = cfgPath
	resolved.DataDir = expandTilde(dataDir)
	resolved.CredentialKey = env.CredentialKey
	resolved.CredentialKeyFile = expandTilde(resolved.CredentialKeyFile)

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// build converts a validated Config into a Resolved. Duration strings have
// already been checked by Validate, so parse errors cannot occur here.
func build(cfg *Config) *Resolved {
	return &Resolved{
		ServerURL:           strings.TrimRight(cfg.Server.URL, "/"),
		PollInterval:        mustDuration(cfg.Sync.PollInterval),
		BackoffBase:         mustDuration(cfg.Sync.BackoffBase),
		BackoffMax:          mustDuration(cfg.Sync.BackoffMax),
		MaxUploadsPerSecond: cfg.Sync.MaxUploadsPerSecond,
		PurgeAfter:          mustDuration(cfg.Sync.PurgeAfter),
		CredentialBackend:   cfg.Credentials.Backend,
		CredentialKeyFile:   cfg.Credentials.KeyFile,
		LogLevel:            cfg.Logging.LogLevel,
		LogFormat:           cfg.Logging.LogFormat,
		RequestTimeout:      mustDuration(cfg.Network.RequestTimeout),
		UserAgent:           cfg.Network.UserAgent,
		MinScore:            cfg.Mood.MinScore,
		MaxScore:            cfg.Mood.MaxScore,
		MetricsListen:       cfg.Metrics.Listen,
	}
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
