package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "moodsync"

// Config file name.
const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/moodsync).
// On macOS, uses ~/Library/Application Support/moodsync per Apple guidelines.
// Other platforms fall back to ~/.config/moodsync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application data
// (the outbox database and stored credentials).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/moodsync).
// On macOS, uses ~/Library/Application Support/moodsync (macOS convention
// collapses config and data into one directory).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither MOODSYNC_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// File names inside the data directory.
const (
	outboxFileName      = "outbox.db"
	credentialsFileName = "credentials.json"
	keyFileName         = "credential.key"
	lockFileName        = "outbox.lock"
)

// OutboxPath returns the SQLite outbox location.
func (r *Resolved) OutboxPath() string {
	return filepath.Join(r.DataDir, outboxFileName)
}

// CredentialsPath returns the credential store location.
func (r *Resolved) CredentialsPath() string {
	return filepath.Join(r.DataDir, credentialsFileName)
}

// KeyPath returns the key file used by the encrypted credential backend.
func (r *Resolved) KeyPath() string {
	if r.CredentialKeyFile != "" {
		return r.CredentialKeyFile
	}

	return filepath.Join(r.DataDir, keyFileName)
}

// LockPath returns the PID lock file that keeps two watch processes from
// draining the same outbox.
func (r *Resolved) LockPath() string {
	return filepath.Join(r.DataDir, lockFileName)
}
