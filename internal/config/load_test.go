package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[server]
url = "https://moods.example.com"

[sync]
poll_interval = "5m"
backoff_base = "10s"
backoff_max = "10m"
max_uploads_per_second = 4.5
purge_after = "48h"

[credentials]
backend = "encrypted"
key_file = "/etc/moodsync/key"

[logging]
log_level = "debug"
log_format = "json"

[network]
request_timeout = "10s"
user_agent = "moodsync-test/1.0"

[mood]
min_score = 2
max_score = 5

[metrics]
listen = "127.0.0.1:9464"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://moods.example.com", cfg.Server.URL)
	assert.Equal(t, "5m", cfg.Sync.PollInterval)
	assert.Equal(t, "10s", cfg.Sync.BackoffBase)
	assert.InDelta(t, 4.5, cfg.Sync.MaxUploadsPerSecond, 0.001)
	assert.Equal(t, "encrypted", cfg.Credentials.Backend)
	assert.Equal(t, "/etc/moodsync/key", cfg.Credentials.KeyFile)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "moodsync-test/1.0", cfg.Network.UserAgent)
	assert.Equal(t, 2, cfg.Mood.MinScore)
	assert.Equal(t, 5, cfg.Mood.MaxScore)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
log_level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, defaultServerURL, cfg.Server.URL)
	assert.Equal(t, defaultPollInterval, cfg.Sync.PollInterval)
	assert.Equal(t, defaultMaxScore, cfg.Mood.MaxScore)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "[server\nurl = ")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_UnknownKeyIsFatal(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
pol_interval = "5m"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "sync.poll_interval"`)
}

func TestLoad_ValidationErrorsReported(t *testing.T) {
	path := writeTestConfig(t, `
[logging]
log_level = "loud"

[mood]
min_score = 7
max_score = 3
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.log_level")
	assert.Contains(t, err.Error(), "mood:")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Defaults(t *testing.T) {
	dataDir := t.TempDir()

	r, err := Resolve(EnvOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		DataDir:    dataDir,
	}, CLIOverrides{})
	require.NoError(t, err)

	assert.Equal(t, defaultServerURL, r.ServerURL)
	assert.Equal(t, 15*time.Minute, r.PollInterval)
	assert.Equal(t, 30*time.Second, r.BackoffBase)
	assert.Equal(t, 15*time.Minute, r.BackoffMax)
	assert.Equal(t, 30*time.Second, r.RequestTimeout)
	assert.Equal(t, 720*time.Hour, r.PurgeAfter)
	assert.Equal(t, "plaintext", r.CredentialBackend)
	assert.Equal(t, 1, r.MinScore)
	assert.Equal(t, 10, r.MaxScore)
	assert.Equal(t, filepath.Join(dataDir, "outbox.db"), r.OutboxPath())
	assert.Equal(t, filepath.Join(dataDir, "credentials.json"), r.CredentialsPath())
	assert.Equal(t, filepath.Join(dataDir, "credential.key"), r.KeyPath())
	assert.Equal(t, filepath.Join(dataDir, "outbox.lock"), r.LockPath())
}

func TestResolve_Precedence(t *testing.T) {
	fileCfg := writeTestConfig(t, `
[server]
url = "https://file.example.com/"
`)
	envCfg := writeTestConfig(t, `
[server]
url = "https://envfile.example.com"
`)

	// CLI config path beats env config path.
	r, err := Resolve(EnvOverrides{ConfigPath: envCfg, DataDir: t.TempDir()}, CLIOverrides{ConfigPath: fileCfg})
	require.NoError(t, err)
	assert.Equal(t, fileCfg, r.ConfigPath)
	assert.Equal(t, "https://file.example.com", r.ServerURL, "trailing slash trimmed")

	// Env server URL beats the file.
	r, err = Resolve(EnvOverrides{
		ConfigPath: fileCfg,
		ServerURL:  "https://env.example.com",
		DataDir:    t.TempDir(),
	}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", r.ServerURL)

	// CLI server URL beats env.
	cliURL := "http://127.0.0.1:9000"
	r, err = Resolve(EnvOverrides{
		ConfigPath: fileCfg,
		ServerURL:  "https://env.example.com",
		DataDir:    t.TempDir(),
	}, CLIOverrides{ServerURL: &cliURL})
	require.NoError(t, err)
	assert.Equal(t, cliURL, r.ServerURL)
}

func TestResolve_InvalidOverride(t *testing.T) {
	bad := "ftp://moods.example.com"

	_, err := Resolve(EnvOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		DataDir:    t.TempDir(),
	}, CLIOverrides{ServerURL: &bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.url")
}

func TestResolve_CredentialKeyFromEnvOnly(t *testing.T) {
	r, err := Resolve(EnvOverrides{
		ConfigPath:    filepath.Join(t.TempDir(), "none.toml"),
		DataDir:       t.TempDir(),
		CredentialKey: "hunter2",
	}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", r.CredentialKey)
}

func TestResolve_RelativeDataDir(t *testing.T) {
	_, err := Resolve(EnvOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		DataDir:    "relative/dir",
	}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}

func TestResolve_TildeKeyFile(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := writeTestConfig(t, `
[credentials]
backend = "encrypted"
key_file = "~/moodsync.key"
`)

	r, err := Resolve(EnvOverrides{ConfigPath: path, DataDir: t.TempDir()}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "moodsync.key"), r.KeyPath())
}
