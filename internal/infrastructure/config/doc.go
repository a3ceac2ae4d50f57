// Package config loads and validates PulseLink Core configuration.
//
// Configuration comes from a YAML file with hardcoded defaults underneath
// and PULSELINK_* environment variable overrides on top. Validation runs
// once at load time; a Config is immutable after Load returns.
package config
