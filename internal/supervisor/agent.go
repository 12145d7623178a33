package supervisor

import (
	"context"
	"os/exec"
	"strings"
	"time"

	conderrors "conductor/internal/errors"
)

// DefaultAgentBinary is the coding-agent CLI looked up on PATH when no
// override is configured.
const DefaultAgentBinary = "claude"

// versionProbeTimeout bounds the --version subprocess.
const versionProbeTimeout = 2 * time.Second

// ResolveAgent locates the coding-agent binary. An override may be a bare
// name (resolved on PATH) or a path; exec.LookPath handles both and also
// verifies the file is executable.
func ResolveAgent(override string) (string, error) {
	name := override
	if name == "" {
		name = DefaultAgentBinary
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", conderrors.Wrap(conderrors.KindUnavailable, err,
			"coding agent binary %q not found", name)
	}
	return path, nil
}

// ProbeVersion asks the agent binary for its version and returns the first
// line of output, empty when the probe fails. Best-effort only.
func ProbeVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}
