package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSelectorExists   = errors.New("selector already registered")
	ErrSelectorNotFound = errors.New("selector not found")
)

var selectorRegistry = struct {
	mu sync.RWMutex
	m  map[string]Selector
}{
	m: defaultSelectors(),
}

func defaultSelectors() map[string]Selector {
	return map[string]Selector{
		TopHalfSelector{}.Name():    TopHalfSelector{},
		EliteSelector{}.Name():      EliteSelector{},
		TournamentSelector{}.Name(): TournamentSelector{},
	}
}

// RegisterSelector makes a selector available by name to ResolveSelector.
func RegisterSelector(selector Selector) error {
	if selector == nil {
		return errors.New("selector is required")
	}
	name := selector.Name()
	if name == "" {
		return errors.New("selector name is required")
	}

	selectorRegistry.mu.Lock()
	defer selectorRegistry.mu.Unlock()

	if _, exists := selectorRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrSelectorExists, name)
	}
	selectorRegistry.m[name] = selector
	return nil
}

// ResolveSelector returns the selector registered under name. An empty name
// resolves to the top-half selector.
func ResolveSelector(name string) (Selector, error) {
	if name == "" {
		return TopHalfSelector{}, nil
	}
	selectorRegistry.mu.RLock()
	selector, ok := selectorRegistry.m[name]
	selectorRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSelectorNotFound, name)
	}
	return selector, nil
}

func ListSelectors() []string {
	selectorRegistry.mu.RLock()
	defer selectorRegistry.mu.RUnlock()

	names := make([]string, 0, len(selectorRegistry.m))
	for name := range selectorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetSelectorRegistryForTests() {
	selectorRegistry.mu.Lock()
	defer selectorRegistry.mu.Unlock()
	selectorRegistry.m = defaultSelectors()
}
