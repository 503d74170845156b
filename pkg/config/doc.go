// Package config loads the server configuration from defaults, a YAML file,
// and CODESYNC_* environment overrides, in that order. Command-line flags
// are layered on top by the CLI.
package config
