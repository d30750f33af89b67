// Package preflight provides readiness checks for the destination drive and
// the platform helpers offload depends on.
//
// The daemon runs RunAll at startup and logs failures without exiting; the
// CLI "offload status" command shows the same results alongside the daemon
// state. The session controller uses FreeBytes and FormatFreeSpace for the
// free-space line in status.
package preflight
