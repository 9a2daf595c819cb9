package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sikesa/sikesa-backend/internal/config"
)

// FactoryFunc builds a storage backend from the application configuration
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// Registered returns the names of all registered backends, sorted
func Registered() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend named by storage.default_backend
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %q (registered: %s)",
			cfg.Storage.DefaultBackend, strings.Join(Registered(), ", "))
	}
	return factory(cfg)
}
