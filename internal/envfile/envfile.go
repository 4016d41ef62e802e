// Package envfile loads dotenv-style environment files.
//
// The file format follows common dotenv convention (comments, blank lines,
// optional "export " prefixes, single/double quoting). Parsing is delegated
// to github.com/joho/godotenv; this package adds the loading contract the
// runner needs:
//   - Values are returned as an explicit map and never written into the
//     process environment.
//   - A missing or unreadable file is an error (the run must fail before the
//     entry point starts).
package envfile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads the file at path into a fresh key/value map.
func Load(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	if err := validate(vars); err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	return vars, nil
}

// Parse parses dotenv content from a string. Used by tests and by callers
// that already hold the bytes.
func Parse(content string) (map[string]string, error) {
	vars, err := godotenv.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	if err := validate(vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func validate(vars map[string]string) error {
	for k := range vars {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("empty variable name")
		}
		if strings.ContainsAny(k, " \t") {
			return fmt.Errorf("invalid variable name %q", k)
		}
	}
	return nil
}

// Keys returns the variable names in sorted order.
// Values are deliberately not exposed here: callers use this for logging,
// and env files routinely hold credentials.
func Keys(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
