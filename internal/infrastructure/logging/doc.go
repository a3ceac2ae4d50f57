// Package logging provides structured logging for PulseLink Core.
//
// It wraps Go's standard log/slog package to provide consistent,
// structured logging across the entire application: JSON output for
// production, text for development, level-based filtering, and default
// service/version fields on every entry.
//
// Never log connect-codes, tokens, or pairing secrets.
package logging
