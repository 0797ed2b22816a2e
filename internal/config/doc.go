// Package config handles configuration loading for coven-sshd.
//
// # Configuration File
//
// Default location (first match wins):
//
//  1. Path from the COVEN_SSHD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/sshd.yaml
//  3. ~/.config/coven/sshd.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Unknown
// keys are rejected in both formats.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	database:
//	  path: "${COVEN_DATA}/sshd.db"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax and are parsed after
// decoding:
//
//	shell:
//	  grace_period: "5s"
//	  parse_timeout: "1s"
//
// Relative database and host key paths are resolved against the directory
// holding the config file.
package config
