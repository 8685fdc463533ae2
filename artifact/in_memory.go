package artifact

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/makermesh/core"
)

// InMemoryStore is an in-process versioned core.ArtifactStore. Data is copied
// on save and on load.
//
// Layout: scope -> name -> versions (index i holds version i+1)
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][][]byte
}

var _ core.ArtifactStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][][]byte)}
}

// Save appends a new version and returns its number.
func (a *InMemoryStore) Save(_ context.Context, scope, name string, data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.artifacts[scope]; !exists {
		a.artifacts[scope] = make(map[string][][]byte)
	}

	a.artifacts[scope][name] = append(a.artifacts[scope][name], slices.Clone(data))

	return len(a.artifacts[scope][name]), nil
}

// Load returns a copy of the given version, or the latest when version is 0.
func (a *InMemoryStore) Load(_ context.Context, scope, name string, version int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	versions := a.artifacts[scope][name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	if version == 0 {
		version = len(versions)
	}

	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("%w: %s/%s version %d", ErrNotFound, scope, name, version)
	}

	return slices.Clone(versions[version-1]), nil
}

// Versions lists the stored version numbers in ascending order.
func (a *InMemoryStore) Versions(_ context.Context, scope, name string) ([]int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := len(a.artifacts[scope][name])
	if n == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}

	return out, nil
}

// List returns the artifact names of a scope, sorted.
func (a *InMemoryStore) List(_ context.Context, scope string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.artifacts[scope]))
	for name := range a.artifacts[scope] {
		names = append(names, name)
	}

	slices.Sort(names)

	return names, nil
}

// Delete removes every version of an artifact.
func (a *InMemoryStore) Delete(_ context.Context, scope, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.artifacts[scope][name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	delete(a.artifacts[scope], name)

	return nil
}
