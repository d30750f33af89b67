package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external tool offload shells out to.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// PlatformTools lists the helpers used for volume labels and eject on goos.
func PlatformTools(goos string) []Requirement {
	switch goos {
	case "linux":
		return []Requirement{
			{Name: "lsblk", Command: "lsblk", Description: "Reads card volume labels", Optional: true},
			{Name: "udisksctl", Command: "udisksctl", Description: "Unmounts and powers off ejected cards", Optional: true},
			{Name: "eject", Command: "eject", Description: "Fallback card eject", Optional: true},
		}
	case "darwin":
		return []Requirement{
			{Name: "diskutil", Command: "diskutil", Description: "Unmounts and ejects cards"},
		}
	default:
		return nil
	}
}
