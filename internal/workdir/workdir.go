// internal/workdir/workdir.go
package workdir

import "sync"

// Override redirects tool execution into a different directory, typically a
// session worktree. It is an injected collaborator rather than a process
// global so tests stay isolated.
type Override struct {
	mu   sync.RWMutex
	base string
	path string
}

// New creates an Override whose base is the real workspace path.
func New(base string) *Override {
	return &Override{base: base}
}

// Get returns the directory tools should run in: the override when set,
// otherwise the base workspace.
func (o *Override) Get() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.path != "" {
		return o.path
	}
	return o.base
}

// Base returns the real workspace path regardless of any override.
func (o *Override) Base() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.base
}

// Set points tool execution at dir.
func (o *Override) Set(dir string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.path = dir
}

// Clear removes the override, restoring the base workspace.
func (o *Override) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.path = ""
}

// Active reports whether an override is in effect.
func (o *Override) Active() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.path != ""
}
