package project

import (
	"sync"

	conderrors "conductor/internal/errors"
)

// Registry maps canonical paths to analyzed projects and tracks the single
// optional active project. Re-analysis replaces entries atomically.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]Project
	active   string
}

// NewRegistry creates an empty project registry.
func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]Project)}
}

// Put inserts or atomically replaces the record for its path.
func (r *Registry) Put(p Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.Path] = clone(p)
}

// Get returns the record for a canonical path.
func (r *Registry) Get(path string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[path]
	if !ok {
		return Project{}, conderrors.NotFound("project %q has not been analyzed", path)
	}
	return clone(p), nil
}

// SetActive marks a previously analyzed path as the active project.
func (r *Registry) SetActive(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[path]; !ok {
		return conderrors.NotFound("project %q has not been analyzed", path)
	}
	r.active = path
	return nil
}

// Active returns the active project path, empty when unset.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ActiveProject returns the active project record.
func (r *Registry) ActiveProject() (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return Project{}, conderrors.NotFound("no active project is set")
	}
	return clone(r.projects[r.active]), nil
}

// List returns all registered projects in unspecified order.
func (r *Registry) List() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, clone(p))
	}
	return out
}

// Len returns the number of registered projects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}
