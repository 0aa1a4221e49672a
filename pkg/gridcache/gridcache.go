// Package gridcache is the public entry point: it opens a viewport-driven
// cache over one table of a data service.
// See docs/ARCHITECTURE.md § Grid Cache.
package gridcache

import (
	"context"

	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Version is the module release.
const Version = "0.3.0"

// Types re-exported from the facade.
type (
	View     = grid.View
	Options  = grid.Options
	Listener = grid.Listener
	Funcs    = grid.Funcs
	RowState = grid.RowState
	Stats    = grid.Stats
)

// Row states reported by View.GetRowAt.
const (
	Placeholder = grid.Placeholder
	Loaded      = grid.Loaded
	Optimistic  = grid.Optimistic
)

// Open describes the table and returns a View over it. Close the view to
// flush pending drafts.
func Open(ctx context.Context, svc types.DataService, tableID string, opts Options) (*View, error) {
	return grid.Open(ctx, svc, tableID, opts)
}
