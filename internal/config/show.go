package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Effective converts the resolved values back into the file layout, so the
// result can be written out as a config file.
func (r *Resolved) Effective() *Config {
	return &Config{
		Server: ServerConfig{URL: r.ServerURL},
		Sync: SyncConfig{
			PollInterval:        r.PollInterval.String(),
			BackoffBase:         r.BackoffBase.String(),
			BackoffMax:          r.BackoffMax.String(),
			MaxUploadsPerSecond: r.MaxUploadsPerSecond,
			PurgeAfter:          r.PurgeAfter.String(),
		},
		Credentials: CredentialsConfig{Backend: r.CredentialBackend, KeyFile: r.CredentialKeyFile},
		Logging:     LoggingConfig{LogLevel: r.LogLevel, LogFormat: r.LogFormat},
		Network:     NetworkConfig{RequestTimeout: r.RequestTimeout.String(), UserAgent: r.UserAgent},
		Mood:        MoodConfig{MinScore: r.MinScore, MaxScore: r.MaxScore},
		Metrics:     MetricsConfig{Listen: r.MetricsListen},
	}
}

// RenderEffective writes the configuration in effect after all four layers
// as TOML. The credential secret is never written.
func RenderEffective(r *Resolved, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# Effective configuration (file: %s)\n# Data directory: %s\n\n",
		r.ConfigPath, r.DataDir); err != nil {
		return err
	}

	if err := toml.NewEncoder(w).Encode(r.Effective()); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}
