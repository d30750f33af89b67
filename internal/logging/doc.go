// Package logging assembles structured slog loggers and formatting helpers used
// across Offload.
//
// It owns the console and JSON handlers, writes a rotating JSON log file for
// the daemon, and exposes context helpers so copy sessions can tag their log
// lines with card and session identifiers. A no-op logger is provided for
// tests and wiring code that cannot fail.
package logging
