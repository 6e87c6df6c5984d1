// Package backup writes git bundles of tenant repositories to a durable
// object store. Backends register themselves by name from their own
// packages; the server blank-imports the ones it ships with.
package backup

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/foldersync/foldersync/internal/config"
)

// Store is the subset of object storage a backup needs.
type Store interface {
	// Put writes r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64) (*Object, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Object describes a stored backup.
type Object struct {
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Checksum string `json:"sha256"`
}

// FactoryFunc builds a Store from the storage section of the configuration.
type FactoryFunc func(*config.StorageConfig) (Store, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register makes a backend available to NewStore under name.
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// NewStore builds the backend named by cfg.DefaultBackend.
func NewStore(cfg *config.StorageConfig) (Store, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.DefaultBackend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported backup backend: %q (registered: %s)", cfg.DefaultBackend, registered())
	}
	return factory(cfg)
}

func registered() string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
