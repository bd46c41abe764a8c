package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoImageAvailable is returned when none of a unit's candidate images can
// be served by a registered runtime.
var ErrNoImageAvailable = errors.New("none of the images is available")

// ErrUnknownRuntime is returned by Get for a name nothing is registered under.
var ErrUnknownRuntime = errors.New("runtime is not registered")

// RuntimeInfo pairs a runtime name with its capabilities.
type RuntimeInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the registered runtimes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[string]Runtime),
	}
}

// Register adds rt under its name. Runtimes are consulted in registration
// order when an image does not name a runtime.
func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := rt.Name()
	if _, ok := r.runtimes[name]; !ok {
		r.order = append(r.order, name)
	}
	r.runtimes[name] = rt
}

// Get returns the runtime registered under name.
func (r *Registry) Get(name string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
	}
	return rt, nil
}

// SelectImage returns the first candidate that a registered runtime reports
// as available, along with that runtime.
func (r *Registry) SelectImage(ctx context.Context, candidates []Image) (Image, Runtime, error) {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	runtimes := make(map[string]Runtime, len(r.runtimes))
	for k, v := range r.runtimes {
		runtimes[k] = v
	}
	r.mu.RUnlock()

	for _, img := range candidates {
		if img.Runtime != "" {
			rt, ok := runtimes[img.Runtime]
			if ok && rt.ImageAvailable(ctx, img.Name) {
				return img, rt, nil
			}
			continue
		}
		for _, name := range order {
			rt := runtimes[name]
			if rt.ImageAvailable(ctx, img.Name) {
				return Image{Runtime: name, Name: img.Name}, rt, nil
			}
		}
	}
	return Image{}, nil, ErrNoImageAvailable
}

// List returns information about all registered runtimes, sorted by name.
func (r *Registry) List() []RuntimeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RuntimeInfo, 0, len(r.runtimes))
	for name, rt := range r.runtimes {
		infos = append(infos, RuntimeInfo{
			Name:         name,
			Capabilities: rt.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
