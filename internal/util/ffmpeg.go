package util

import "os/exec"

// ResolveCommand returns the path of an external capture tool.
// A configured path must resolve; otherwise fallback is looked up in PATH.
// Returns an empty string if nothing is found.
func ResolveCommand(configured, fallback string) string {
	name := fallback
	if configured != "" {
		name = configured
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}
