package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig        = "MOODSYNC_CONFIG"
	EnvServerURL     = "MOODSYNC_SERVER_URL"
	EnvDataDir       = "MOODSYNC_DATA_DIR"
	EnvCredentialKey = "MOODSYNC_CREDENTIAL_KEY" //nolint:gosec // G101: variable name, not a secret
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath    string // MOODSYNC_CONFIG: config file path
	ServerURL     string // MOODSYNC_SERVER_URL: service root
	DataDir       string // MOODSYNC_DATA_DIR: outbox and credential directory
	CredentialKey string // MOODSYNC_CREDENTIAL_KEY: secret for the encrypted backend
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv(EnvConfig),
		ServerURL:     os.Getenv(EnvServerURL),
		DataDir:       os.Getenv(EnvDataDir),
		CredentialKey: os.Getenv(EnvCredentialKey),
	}
}
