package tracker

import (
	"fmt"
	"sort"
	"sync"
)

// Factory is a constructor function that creates a new Tracker instance.
type Factory func(config map[string]string) (Tracker, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a tracker factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("tracker: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a new Tracker by name using the registered factory.
func New(name string, config map[string]string) (Tracker, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tracker: unknown adapter %q", name)
	}
	return factory(config)
}

// Available returns the names of all registered adapters, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
