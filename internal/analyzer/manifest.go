package analyzer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// manifestEntry is one cached manifest parse, revalidated against the file's
// current size and mtime before reuse.
type manifestEntry struct {
	size    int64
	modTime time.Time
	deps    []string
	scripts nodeScripts
}

// nodeScripts records which conventional package.json scripts are declared.
type nodeScripts struct {
	build bool
	lint  bool
}

type manifestParser struct {
	name  string
	parse func(data []byte) (manifestEntry, error)
}

// manifests lists every file the dependency scan understands. The primary
// kind comes from the probe order in analyzer.go; a polyglot directory still
// reports the union of all declared dependencies.
var manifests = []manifestParser{
	{"package.json", parsePackageJSON},
	{"Cargo.toml", parseCargoTOML},
	{"pyproject.toml", parsePyprojectTOML},
	{"requirements.txt", parseRequirements},
	{"go.mod", parseGoMod},
	{"composer.json", parseComposerJSON},
}

// collectDependencies unions the declared packages of every recognized
// manifest under dir, sorted and deduplicated. Parse failures degrade to an
// empty contribution and are logged.
func (a *Analyzer) collectDependencies(dir string) ([]string, nodeScripts) {
	set := make(map[string]struct{})
	var scripts nodeScripts
	for _, m := range manifests {
		entry, ok := a.parseCached(filepath.Join(dir, m.name), m.parse)
		if !ok {
			continue
		}
		for _, dep := range entry.deps {
			set[dep] = struct{}{}
		}
		if m.name == "package.json" {
			scripts = entry.scripts
		}
	}
	deps := make([]string, 0, len(set))
	for dep := range set {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps, scripts
}

func (a *Analyzer) parseCached(path string, parse func([]byte) (manifestEntry, error)) (manifestEntry, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return manifestEntry{}, false
	}
	if a.cache != nil {
		if entry, ok := a.cache.Get(path); ok {
			if entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
				return entry, true
			}
			// Stale -- evict so the LRU bookkeeping stays clean.
			a.cache.Remove(path)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("manifest unreadable", "path", path, "error", err.Error())
		return manifestEntry{}, false
	}
	entry, err := parse(data)
	if err != nil {
		a.logger.Warn("manifest parse failed", "path", path, "error", err.Error())
		return manifestEntry{}, false
	}
	entry.size = info.Size()
	entry.modTime = info.ModTime()
	if a.cache != nil {
		a.cache.Add(path, entry)
	}
	return entry, true
}

func parsePackageJSON(data []byte) (manifestEntry, error) {
	var doc struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Scripts         map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return manifestEntry{}, err
	}
	deps := make([]string, 0, len(doc.Dependencies)+len(doc.DevDependencies))
	for name := range doc.Dependencies {
		deps = append(deps, name)
	}
	for name := range doc.DevDependencies {
		deps = append(deps, name)
	}
	_, hasBuild := doc.Scripts["build"]
	_, hasLint := doc.Scripts["lint"]
	return manifestEntry{
		deps:    dedupe(deps),
		scripts: nodeScripts{build: hasBuild, lint: hasLint},
	}, nil
}

func parseCargoTOML(data []byte) (manifestEntry, error) {
	var doc struct {
		Dependencies map[string]any `toml:"dependencies"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return manifestEntry{}, err
	}
	deps := make([]string, 0, len(doc.Dependencies))
	for name := range doc.Dependencies {
		deps = append(deps, name)
	}
	return manifestEntry{deps: dedupe(deps)}, nil
}

func parsePyprojectTOML(data []byte) (manifestEntry, error) {
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return manifestEntry{}, err
	}
	deps := make([]string, 0, len(doc.Project.Dependencies))
	for _, spec := range doc.Project.Dependencies {
		if name := requirementName(spec); name != "" {
			deps = append(deps, name)
		}
	}
	return manifestEntry{deps: dedupe(deps)}, nil
}

func parseRequirements(data []byte) (manifestEntry, error) {
	var deps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		// Skip blanks, comments, and pip flags such as -r or -e.
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if name := requirementName(line); name != "" {
			deps = append(deps, name)
		}
	}
	return manifestEntry{deps: dedupe(deps)}, nil
}

// requirementName extracts the bare package name from a PEP 508 requirement
// such as "requests>=2.31,<3 ; python_version >= '3.8'".
func requirementName(spec string) string {
	spec = strings.TrimSpace(spec)
	cut := len(spec)
	for i, r := range spec {
		if strings.ContainsRune("=<>!~[;( \t", r) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(spec[:cut])
}

func parseGoMod(data []byte) (manifestEntry, error) {
	var deps []string
	inBlock := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "require ("):
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock:
			if fields := strings.Fields(line); len(fields) >= 2 && !strings.HasPrefix(fields[0], "//") {
				deps = append(deps, fields[0])
			}
		case strings.HasPrefix(line, "require "):
			if fields := strings.Fields(strings.TrimPrefix(line, "require ")); len(fields) >= 2 {
				deps = append(deps, fields[0])
			}
		}
	}
	return manifestEntry{deps: dedupe(deps)}, nil
}

func parseComposerJSON(data []byte) (manifestEntry, error) {
	var doc struct {
		Require    map[string]string `json:"require"`
		RequireDev map[string]string `json:"require-dev"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return manifestEntry{}, err
	}
	deps := make([]string, 0, len(doc.Require)+len(doc.RequireDev))
	for name := range doc.Require {
		if !isComposerPlatform(name) {
			deps = append(deps, name)
		}
	}
	for name := range doc.RequireDev {
		if !isComposerPlatform(name) {
			deps = append(deps, name)
		}
	}
	return manifestEntry{deps: dedupe(deps)}, nil
}

// isComposerPlatform reports whether name is a platform requirement (the PHP
// runtime itself or an extension) rather than a package.
func isComposerPlatform(name string) bool {
	return name == "php" || strings.HasPrefix(name, "ext-")
}

func dedupe(deps []string) []string {
	sort.Strings(deps)
	return slices.Compact(deps)
}
