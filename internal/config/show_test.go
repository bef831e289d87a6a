package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_RoundTripsThroughLoad(t *testing.T) {
	r := &Resolved{
		ConfigPath:          "/etc/moodsync/config.toml",
		DataDir:             "/var/lib/moodsync",
		ServerURL:           "https://mood.example.com",
		PollInterval:        5 * time.Minute,
		BackoffBase:         10 * time.Second,
		BackoffMax:          10 * time.Minute,
		MaxUploadsPerSecond: 2.5,
		PurgeAfter:          48 * time.Hour,
		CredentialBackend:   "encrypted",
		CredentialKey:       "super-secret",
		LogLevel:            "debug",
		LogFormat:           "json",
		RequestTimeout:      20 * time.Second,
		UserAgent:           "moodsync-test",
		MinScore:            1,
		MaxScore:            5,
		MetricsListen:       "127.0.0.1:9100",
	}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()
	assert.Contains(t, out, "# Effective configuration (file: /etc/moodsync/config.toml)")
	assert.NotContains(t, out, "super-secret")

	path := writeTestConfig(t, out)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, r.Effective(), cfg)
}

func TestEffective_Defaults(t *testing.T) {
	r := build(DefaultConfig())

	var decoded Config
	_, err := toml.Decode(mustEncode(t, r.Effective()), &decoded)
	require.NoError(t, err)

	assert.Equal(t, defaultServerURL, decoded.Server.URL)
	assert.Equal(t, "15m0s", decoded.Sync.PollInterval)
}

func mustEncode(t *testing.T, v any) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, toml.NewEncoder(&buf).Encode(v))

	return buf.String()
}
