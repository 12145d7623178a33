// Package analyzer inspects a project directory and produces its Project
// record: the detected build ecosystem, declared dependencies, conventional
// build commands, and best-effort version-control metadata.
package analyzer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
	"conductor/internal/project"
)

const (
	defaultCacheSize  = 128
	defaultGitTimeout = 2 * time.Second
)

// Analyzer detects the build ecosystem of a directory. It is safe for
// concurrent use. Parsed manifests are cached by path and revalidated
// against file size and mtime, so re-analyzing an unchanged project does
// not reread its manifests.
type Analyzer struct {
	logger     *logging.Logger
	cache      *lru.Cache[string, manifestEntry]
	clock      func() time.Time
	gitTimeout time.Duration
	runGit     gitRunner
}

// Option adjusts Analyzer construction.
type Option func(*Analyzer)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Analyzer) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithGitTimeout bounds how long VCS detection may block on the git binary.
func WithGitTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.gitTimeout = d
		}
	}
}

// New returns an Analyzer logging through logger.
func New(logger *logging.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &Analyzer{
		logger:     logger.Component("analyzer"),
		clock:      time.Now,
		gitTimeout: defaultGitTimeout,
		runGit:     execGit,
	}
	// lru.New only errors on a non-positive size; a nil cache just means
	// every manifest is reparsed.
	if cache, err := lru.New[string, manifestEntry](defaultCacheSize); err == nil {
		a.cache = cache
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze inspects dir and returns its Project record. The returned Path is
// canonical: absolute, with symlinks resolved when possible.
func (a *Analyzer) Analyze(ctx context.Context, dir string) (project.Project, error) {
	canonical, err := Canonicalize(dir)
	if err != nil {
		return project.Project{}, err
	}

	info, err := os.Stat(canonical)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return project.Project{}, conderrors.NotFound("project path %q does not exist", dir)
	case errors.Is(err, fs.ErrPermission):
		return project.Project{}, conderrors.PermissionDenied("project path %q is not readable", dir)
	case err != nil:
		return project.Project{}, conderrors.Wrap(conderrors.KindInternal, err, "stat project path %q", dir)
	}
	if !info.IsDir() {
		return project.Project{}, conderrors.BadRequest("project path %q is not a directory", dir)
	}

	kind := a.detectKind(canonical)
	deps, scripts := a.collectDependencies(canonical)
	record := project.Project{
		Path:          canonical,
		Kind:          kind,
		Dependencies:  deps,
		BuildCommands: buildCommands(kind, scripts),
		VCS:           a.inspectVCS(ctx, canonical),
		AnalyzedAt:    a.clock(),
	}
	a.logger.Debug("project analyzed",
		"path", canonical,
		"kind", string(kind),
		"dependencies", len(deps))
	return record, nil
}

// Canonicalize resolves dir to the absolute, symlink-free form used as the
// project registry key.
func Canonicalize(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", conderrors.BadRequest("invalid project path %q: %v", dir, err)
	}
	// EvalSymlinks fails on paths that do not exist yet; the Stat that
	// follows reports those properly.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

type probe struct {
	kind  project.Kind
	files []string
}

// Detection order is significant: the first manifest found fixes the primary
// kind even when several ecosystems coexist in one directory.
var probes = []probe{
	{project.KindNode, []string{"package.json"}},
	{project.KindRust, []string{"Cargo.toml"}},
	{project.KindPython, []string{"pyproject.toml", "requirements.txt"}},
	{project.KindGo, []string{"go.mod"}},
	{project.KindJava, []string{"pom.xml"}},
	{project.KindPHP, []string{"composer.json"}},
}

func (a *Analyzer) detectKind(dir string) project.Kind {
	for _, p := range probes {
		for _, name := range p.files {
			if fileExists(filepath.Join(dir, name)) {
				return p.kind
			}
		}
	}
	if matches, err := filepath.Glob(filepath.Join(dir, "*.csproj")); err == nil && len(matches) > 0 {
		return project.KindDotnet
	}
	return project.KindUnknown
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// buildCommands returns the conventional commands for kind. Node commands
// depend on which scripts package.json actually declares.
func buildCommands(kind project.Kind, scripts nodeScripts) project.BuildCommands {
	switch kind {
	case project.KindPython:
		return project.BuildCommands{Test: "pytest"}
	case project.KindNode:
		cmds := project.BuildCommands{Test: "npm test"}
		if scripts.build {
			cmds.Build = "npm run build"
		}
		if scripts.lint {
			cmds.Lint = "npm run lint"
		}
		return cmds
	case project.KindRust:
		return project.BuildCommands{Build: "cargo build", Test: "cargo test", Lint: "cargo clippy"}
	case project.KindJava:
		return project.BuildCommands{Build: "mvn package", Test: "mvn test"}
	case project.KindGo:
		return project.BuildCommands{Build: "go build ./...", Test: "go test ./...", Lint: "go vet ./..."}
	case project.KindPHP:
		return project.BuildCommands{Build: "composer install", Test: "phpunit"}
	case project.KindDotnet:
		return project.BuildCommands{Build: "dotnet build", Test: "dotnet test"}
	default:
		return project.BuildCommands{}
	}
}
