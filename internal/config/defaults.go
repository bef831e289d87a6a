package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultServerURL         = "http://localhost:8000"
	defaultPollInterval      = "15m"
	defaultBackoffBase       = "30s"
	defaultBackoffMax        = "15m"
	defaultPurgeAfter        = "720h"
	defaultCredentialBackend = "plaintext"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultRequestTimeout    = "30s"
	defaultMinScore          = 1
	defaultMaxScore          = 10
)

// DefaultConfig returns a Config populated with all default values. Used as
// the starting point for TOML decoding so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{URL: defaultServerURL},
		Sync: SyncConfig{
			PollInterval: defaultPollInterval,
			BackoffBase:  defaultBackoffBase,
			BackoffMax:   defaultBackoffMax,
			PurgeAfter:   defaultPurgeAfter,
		},
		Credentials: CredentialsConfig{Backend: defaultCredentialBackend},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{RequestTimeout: defaultRequestTimeout},
		Mood: MoodConfig{
			MinScore: defaultMinScore,
			MaxScore: defaultMaxScore,
		},
	}
}
