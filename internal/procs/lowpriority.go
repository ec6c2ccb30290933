package procs

import "os/exec"

// LowPriority rewrites a spec so the tool runs under idle I/O and CPU
// scheduling. Each wrapper is applied only when present on PATH, so the
// spec degrades gracefully in minimal images.
func LowPriority(spec Spec) Spec {
	tool := spec.Tool
	args := spec.Args

	if _, err := exec.LookPath("nice"); err == nil {
		args = append([]string{"-n", "19", tool}, args...)
		tool = "nice"
	}

	if _, err := exec.LookPath("ionice"); err == nil {
		args = append([]string{"-c", "3", tool}, args...)
		tool = "ionice"
	}

	spec.Tool = tool
	spec.Args = args

	return spec
}
