package platesolve

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Tool names a supported external solver.
type Tool string

const (
	ToolASTAP      Tool = "astap"
	ToolAstrometry Tool = "astrometry"
)

// Binary maps the logical tool name to its executable.
func (t Tool) Binary() string {
	switch t {
	case ToolAstrometry:
		return "solve-field"
	case ToolASTAP:
		return "astap"
	}
	return string(t)
}

// ToolStatus represents the availability of a solver.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// versionOutput is swapped in tests.
var versionOutput = func(bin string, args ...string) ([]byte, error) {
	return exec.Command(bin, args...).CombinedOutput()
}

// CheckTool verifies that a solver is installed and answers a version query.
func CheckTool(t Tool) ToolStatus {
	path, err := lookPath(t.Binary())
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	var args []string
	switch t {
	case ToolAstrometry:
		args = []string{"--version"}
	case ToolASTAP:
		args = []string{"-h"} // astap prints its version in the help banner
	default:
		return ToolStatus{Available: true, Path: path}
	}

	output, err := versionOutput(path, args...)
	if err != nil && len(output) == 0 {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Detect returns the first available tool, preferred first then fallbacks.
func Detect(preferred string, fallbacks []string) (Tool, ToolStatus, error) {
	candidates := append([]string{preferred}, fallbacks...)
	for _, name := range candidates {
		if name == "" {
			continue
		}
		t := Tool(strings.ToLower(name))
		if status := CheckTool(t); status.Available {
			return t, status, nil
		}
	}
	return "", ToolStatus{}, fmt.Errorf("no plate solver found (tried %s)", strings.Join(candidates, ", "))
}

var versionRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

func extractVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if v := versionRe.FindString(line); v != "" {
			return v
		}
	}
	return ""
}
