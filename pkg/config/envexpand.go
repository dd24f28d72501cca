// Package config loads and validates butler.toml configuration.
package config

import "os"

// ExpandEnv expands environment variables in TOML content using Go's standard
// library shell-style syntax (${VAR} and $VAR). Missing variables expand to
// the empty string; validation at the API boundary catches required fields
// left empty by a missing variable.
func ExpandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), os.Getenv))
}
