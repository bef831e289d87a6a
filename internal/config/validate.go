package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minPollInterval    = 30 * time.Second
	minBackoffBase     = time.Second
	minRequestTimeout  = time.Second
	minPurgeAfter      = time.Hour
	minScoreFloor      = 1
	maxScoreCeiling    = 100
	maxUploadsCeiling  = 100
	schemeHTTP         = "http"
	schemeHTTPS        = "https"
	credentialsPlain   = "plaintext"
	credentialsSealed  = "encrypted"
	userAgentMaxLength = 256
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateCredentials(&cfg.Credentials)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateMood(&cfg.Mood)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.DataDir == "" {
		errs = append(errs, errors.New("data directory: could not determine one; set "+EnvDataDir))
	} else if !filepath.IsAbs(r.DataDir) {
		errs = append(errs, fmt.Errorf("data directory: must be absolute, got %q", r.DataDir))
	}

	if r.CredentialKeyFile != "" && !filepath.IsAbs(r.CredentialKeyFile) {
		errs = append(errs, fmt.Errorf("credentials.key_file: must be absolute, got %q", r.CredentialKeyFile))
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return []error{fmt.Errorf("server.url: %w", err)}
	}

	if u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS {
		return []error{fmt.Errorf("server.url: scheme must be http or https, got %q", s.URL)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("server.url: missing host in %q", s.URL)}
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("sync.poll_interval", s.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("sync.backoff_base", s.BackoffBase, minBackoffBase)...)
	errs = append(errs, validateDurationMin("sync.backoff_max", s.BackoffMax, minBackoffBase)...)
	errs = append(errs, validateDurationMin("sync.purge_after", s.PurgeAfter, minPurgeAfter)...)

	base, errBase := time.ParseDuration(s.BackoffBase)
	maxDelay, errMax := time.ParseDuration(s.BackoffMax)

	if errBase == nil && errMax == nil && maxDelay < base {
		errs = append(errs, fmt.Errorf("sync.backoff_max: must be >= backoff_base (%s), got %s", base, maxDelay))
	}

	if s.MaxUploadsPerSecond < 0 || s.MaxUploadsPerSecond > maxUploadsCeiling {
		errs = append(errs, fmt.Errorf("sync.max_uploads_per_second: must be between 0 (unlimited) and %d, got %g",
			maxUploadsCeiling, s.MaxUploadsPerSecond))
	}

	return errs
}

func validateCredentials(c *CredentialsConfig) []error {
	if c.Backend != credentialsPlain && c.Backend != credentialsSealed {
		return []error{fmt.Errorf("credentials.backend: must be one of plaintext, encrypted; got %q", c.Backend)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.request_timeout", n.RequestTimeout, minRequestTimeout)...)

	if len(n.UserAgent) > userAgentMaxLength {
		errs = append(errs, fmt.Errorf("network.user_agent: must be at most %d bytes", userAgentMaxLength))
	}

	return errs
}

func validateMood(m *MoodConfig) []error {
	if m.MinScore < minScoreFloor || m.MaxScore > maxScoreCeiling || m.MinScore >= m.MaxScore {
		return []error{fmt.Errorf("mood: need %d <= min_score < max_score <= %d, got %d and %d",
			minScoreFloor, maxScoreCeiling, m.MinScore, m.MaxScore)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}
