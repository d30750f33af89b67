//go:build !linux

package volume

import "log/slog"

// NewNetlinkWaker returns nil where udev is unavailable.
func NewNetlinkWaker(*slog.Logger) WakeSource { return nil }
