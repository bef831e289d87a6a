// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for moodsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Each section maps to one TOML table.
type Config struct {
	Server      ServerConfig      `toml:"server" json:"server"`
	Sync        SyncConfig        `toml:"sync" json:"sync"`
	Credentials CredentialsConfig `toml:"credentials" json:"credentials"`
	Logging     LoggingConfig     `toml:"logging" json:"logging"`
	Network     NetworkConfig     `toml:"network" json:"network"`
	Mood        MoodConfig        `toml:"mood" json:"mood"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics"`
}

// ServerConfig locates the mood service.
type ServerConfig struct {
	URL string `toml:"url" json:"url"`
}

// SyncConfig controls when and how fast the outbox drains.
type SyncConfig struct {
	PollInterval        string  `toml:"poll_interval" json:"poll_interval"`
	BackoffBase         string  `toml:"backoff_base" json:"backoff_base"`
	BackoffMax          string  `toml:"backoff_max" json:"backoff_max"`
	MaxUploadsPerSecond float64 `toml:"max_uploads_per_second" json:"max_uploads_per_second"`
	PurgeAfter          string  `toml:"purge_after" json:"purge_after"`
}

// CredentialsConfig selects how the session credentials are stored.
// key_file is only read by the encrypted backend; empty means the default
// location in the data directory.
type CredentialsConfig struct {
	Backend string `toml:"backend" json:"backend"`
	KeyFile string `toml:"key_file" json:"key_file"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	RequestTimeout string `toml:"request_timeout" json:"request_timeout"`
	UserAgent      string `toml:"user_agent" json:"user_agent"`
}

// MoodConfig bounds the accepted score.
type MoodConfig struct {
	MinScore int `toml:"min_score" json:"min_score"`
	MaxScore int `toml:"max_score" json:"max_score"`
}

// MetricsConfig enables the Prometheus listener in watch mode. Empty listen
// disables it.
type MetricsConfig struct {
	Listen string `toml:"listen" json:"listen"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from an explicit value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ServerURL  *string // --server flag
}
