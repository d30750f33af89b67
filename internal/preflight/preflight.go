package preflight

import (
	"context"

	"offload/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the readiness checks for the given config.
func RunAll(_ context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Destination root", cfg.Paths.DestinationRoot))
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	if results[0].Passed {
		results = append(results, CheckFreeSpace("Destination space", cfg.Paths.DestinationRoot, minFreeBytes))
	}

	return results
}

// minFreeBytes is the smallest amount of destination space worth starting a
// copy with.
const minFreeBytes = 1 << 30
