package analyzer

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"conductor/internal/project"
)

// gitRunner executes a git subcommand inside dir and returns its stdout.
type gitRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// inspectVCS gathers branch, origin URL, and working-tree cleanliness for a
// repository rooted at dir. It returns nil when dir is not a git work tree.
// Each field degrades independently when its source is unavailable.
func (a *Analyzer) inspectVCS(ctx context.Context, dir string) *project.VCS {
	gitDir := filepath.Join(dir, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	vcs := &project.VCS{
		Branch:    readBranch(gitDir),
		RemoteURL: readOriginURL(gitDir),
	}

	ctx, cancel := context.WithTimeout(ctx, a.gitTimeout)
	defer cancel()
	out, err := a.runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		a.logger.Debug("git status unavailable", "path", dir, "error", err.Error())
		return vcs
	}
	dirty := len(bytes.TrimSpace(out)) > 0
	vcs.IsDirty = &dirty
	return vcs
}

// readBranch parses .git/HEAD. A symbolic ref yields the branch name; a
// detached HEAD yields the bare commit hash.
func readBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(head, "ref: "); ok {
		return strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
	}
	return head
}

// readOriginURL scans .git/config for the url of the origin remote.
func readOriginURL(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "config"))
	if err != nil {
		return ""
	}
	inOrigin := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "["):
			inOrigin = line == `[remote "origin"]`
		case inOrigin:
			if rest, ok := strings.CutPrefix(line, "url"); ok {
				rest = strings.TrimSpace(rest)
				if value, ok := strings.CutPrefix(rest, "="); ok {
					return strings.TrimSpace(value)
				}
			}
		}
	}
	return ""
}
