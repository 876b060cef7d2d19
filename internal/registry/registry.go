// Package registry manages the lifecycle of appliers.
package registry

import (
	"fmt"
	"sync"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/providers/aws"
	"github.com/dbplane/dbplane/providers/docker"
	"github.com/dbplane/dbplane/providers/sim"
)

// Registry holds the loaded appliers by name.
type Registry struct {
	mu       sync.RWMutex
	appliers map[string]applier.Applier
}

func NewRegistry() *Registry {
	return &Registry{
		appliers: make(map[string]applier.Applier),
	}
}

// Load initializes and registers a built-in applier. Loading an already
// registered name is a no-op.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.appliers[name]; exists {
		return nil
	}

	var a applier.Applier
	switch name {
	case "sim":
		a = sim.New()
	case "aws":
		a = aws.New()
	case "docker":
		a = docker.New()
	default:
		return fmt.Errorf("unknown applier: %s", name)
	}

	r.appliers[name] = a
	return nil
}

// Register installs an applier under a name, replacing any existing one.
func (r *Registry) Register(name string, a applier.Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appliers[name] = a
}

// Get returns a registered applier.
func (r *Registry) Get(name string) (applier.Applier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appliers[name]
	if !ok {
		return nil, fmt.Errorf("applier not loaded: %s", name)
	}
	return a, nil
}
