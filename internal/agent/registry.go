package agent

import (
	"os/exec"
	"sync"
	"syscall"
)

// Registry indexes the active agent child per conversation key so external
// callers (e.g. /task stop) can terminate it. It holds no ownership; the
// spawning goroutine clears its own entry.
type Registry struct {
	mu sync.Mutex
	m  map[string]*exec.Cmd
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*exec.Cmd)}
}

func (r *Registry) set(key string, cmd *exec.Cmd) {
	r.mu.Lock()
	r.m[key] = cmd
	r.mu.Unlock()
}

func (r *Registry) clear(key string, cmd *exec.Cmd) {
	r.mu.Lock()
	if r.m[key] == cmd {
		delete(r.m, key)
	}
	r.mu.Unlock()
}

// Kill requests graceful termination of the active child for key.
// Reports whether a child was found.
func (r *Registry) Kill(key string) bool {
	r.mu.Lock()
	cmd := r.m[key]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	return true
}

// Active reports whether a child is running for key.
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[key] != nil
}
