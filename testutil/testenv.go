// Package testutil provides shared environment helpers for the E2E suite.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvE2EServer       = "MOODSYNC_E2E_SERVER"
	EnvE2EEmail        = "MOODSYNC_E2E_EMAIL"
	EnvE2EPassword     = "MOODSYNC_E2E_PASSWORD"
	EnvAllowedAccounts = "MOODSYNC_ALLOWED_TEST_ACCOUNTS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file. A missing file is not
// an error (CI sets the variables directly). Variables already set in the
// environment win over the file.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseDotEnvLine(scanner.Text())
		if !ok {
			continue
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// parseDotEnvLine splits one .env line, skipping blanks and comments.
func parseDotEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	line = strings.TrimPrefix(line, "export ")

	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}

	return strings.TrimSpace(key), strings.Trim(strings.TrimSpace(value), "\"'"), true
}

// MustGetenv returns the variable or exits with an actionable message.
func MustGetenv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", key)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		os.Exit(1)
	}

	return v
}

// ValidateAllowlist exits unless the E2E account is listed in
// MOODSYNC_ALLOWED_TEST_ACCOUNTS. The suite writes real entries, so it must
// never run against a personal account by accident.
func ValidateAllowlist(email string) {
	if err := checkAllowlist(os.Getenv(EnvAllowedAccounts), email); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func checkAllowlist(allowlist, email string) error {
	if allowlist == "" {
		return fmt.Errorf("%s not set (example: %s=e2e@example.com)", EnvAllowedAccounts, EnvAllowedAccounts)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(a), email) {
			return nil
		}
	}

	return fmt.Errorf("%s=%q is not in %s=%q", EnvE2EEmail, email, EnvAllowedAccounts, allowlist)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
