package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"server":      {"url"},
	"sync":        {"poll_interval", "backoff_base", "backoff_max", "max_uploads_per_second", "purge_after"},
	"credentials": {"backend", "key_file"},
	"logging":     {"log_level", "log_format"},
	"network":     {"request_timeout", "user_agent"},
	"mood":        {"min_score", "max_score"},
	"metrics":     {"listen"},
}

// knownSectionsList is the sorted section names for Levenshtein matching.
// Sorted for deterministic suggestions when two candidates tie.
var knownSectionsList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		err := buildKeyError(key, seen)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError describes one undecoded key. An unknown section or nested
// table is reported once even though every key inside it is also undecoded.
func buildKeyError(key toml.Key, seen map[string]bool) error {
	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		if seen[section] {
			return nil
		}

		seen[section] = true

		if s := closestMatch(section, knownSectionsList); s != "" {
			return fmt.Errorf("unknown config section [%s]: did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if len(key) == 1 {
		return nil
	}

	field := key[1]
	full := strings.Join(key[:2], ".")

	if seen[full] {
		return nil
	}

	seen[full] = true

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	if s := closestMatch(field, sorted); s != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, section+"."+s)
	}

	return fmt.Errorf("unknown config key %q", full)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
