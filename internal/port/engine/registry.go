package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var (
	mu      sync.RWMutex
	engines = make(map[string]Engine)
)

// Register makes an engine available by its metadata ID. Engines are
// registered once at process start; duplicate registration is a programming
// error.
func Register(e Engine) {
	mu.Lock()
	defer mu.Unlock()

	id := e.Metadata().ID
	if _, exists := engines[id]; exists {
		panic(fmt.Sprintf("engine: duplicate registration for %q", id))
	}
	engines[id] = e
}

// Get returns the engine registered under id.
func Get(id string) (Engine, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := engines[id]
	return e, ok
}

// List returns the metadata of all registered engines, sorted by id.
func List() []Metadata {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]Metadata, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns the metadata of registered engines that report
// themselves available, sorted by id.
func Available(ctx context.Context) []Metadata {
	mu.RLock()
	all := make([]Engine, 0, len(engines))
	for _, e := range engines {
		all = append(all, e)
	}
	mu.RUnlock()

	var out []Metadata
	for _, e := range all {
		if e.CheckAvailability(ctx) {
			out = append(out, e.Metadata())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset clears the registry. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	engines = make(map[string]Engine)
}
