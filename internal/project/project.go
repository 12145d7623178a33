// Package project defines the analyzed-project model and the in-memory
// registry that tracks them plus the single active project.
package project

import "time"

// Kind is the detected build ecosystem of a project directory.
type Kind string

const (
	KindPython  Kind = "python"
	KindNode    Kind = "node"
	KindRust    Kind = "rust"
	KindJava    Kind = "java"
	KindGo      Kind = "go"
	KindPHP     Kind = "php"
	KindDotnet  Kind = "dotnet"
	KindUnknown Kind = "unknown"
)

// BuildCommands lists the conventional commands for a detected kind. Empty
// fields mean no conventional command exists.
type BuildCommands struct {
	Build string `json:"build,omitempty"`
	Test  string `json:"test,omitempty"`
	Lint  string `json:"lint,omitempty"`
}

// VCS is best-effort version-control metadata. Every field is individually
// optional.
type VCS struct {
	Branch    string `json:"branch,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	IsDirty   *bool  `json:"is_dirty,omitempty"`
}

// Project is one analyzed directory. Path is canonical and unique.
type Project struct {
	Path          string        `json:"path"`
	Kind          Kind          `json:"kind"`
	Dependencies  []string      `json:"dependencies"`
	BuildCommands BuildCommands `json:"build_commands"`
	VCS           *VCS          `json:"vcs,omitempty"`
	AnalyzedAt    time.Time     `json:"analyzed_at"`
}

func clone(p Project) Project {
	out := p
	out.Dependencies = append([]string(nil), p.Dependencies...)
	if p.VCS != nil {
		v := *p.VCS
		if p.VCS.IsDirty != nil {
			d := *p.VCS.IsDirty
			v.IsDirty = &d
		}
		out.VCS = &v
	}
	return out
}
