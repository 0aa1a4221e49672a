// Package store provides the public factory for the SQL data service while
// keeping its implementation internal.
// See docs/ARCHITECTURE.md § Data Service.
package store

import (
	"github.com/mesh-intelligence/gridcache/internal/store"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// NewBackend creates a detached SQL backend. Call Attach before use.
//
// Example:
//
//	backend := store.NewBackend()
//	err := backend.Attach(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".gridcache-db",
//	})
//	defer backend.Detach()
func NewBackend() types.Backend {
	return store.New()
}
