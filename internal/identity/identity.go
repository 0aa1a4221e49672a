// Package identity maps locally generated ids to server-confirmed ids for
// rows and columns, and derives the stable keys that survive the swap.
// See docs/ARCHITECTURE.md § Identity Map.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

// Kind selects the row or column namespace. The two are kept apart so a row
// and a column can never alias each other.
type Kind int

const (
	Row Kind = iota
	Column
)

func (k Kind) String() string {
	if k == Column {
		return "column"
	}
	return "row"
}

// Key addresses a cell by the stable ids of its row and column.
type Key struct {
	Row    string
	Column string
}

type entry struct {
	local     string
	server    string
	confirmed bool
}

type axis struct {
	byLocal  map[string]*entry
	byServer map[string]*entry
}

func newAxis() axis {
	return axis{byLocal: make(map[string]*entry), byServer: make(map[string]*entry)}
}

// Map is the bidirectional local/server id mapping. Entities that were never
// created locally (loaded from the server) are not registered; for them the
// server id is the stable key.
type Map struct {
	mu   sync.RWMutex
	axes [2]axis
}

// New returns an empty Map.
func New() *Map {
	return &Map{axes: [2]axis{newAxis(), newAxis()}}
}

// NewLocalID generates a temporary id for an optimistic entity.
func NewLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "tmp-" + uuid.NewString()
	}
	return "tmp-" + id.String()
}

// Register records a local id as pending.
func (m *Map) Register(kind Kind, localID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ax := &m.axes[kind]
	if _, ok := ax.byLocal[localID]; ok {
		return
	}
	ax.byLocal[localID] = &entry{local: localID}
}

// Confirm records the server id assigned to a local id. It reports false if
// the local id is unknown (forgotten after a delete or rollback).
func (m *Map) Confirm(kind Kind, localID, serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ax := &m.axes[kind]
	e, ok := ax.byLocal[localID]
	if !ok {
		return false
	}
	e.server = serverID
	e.confirmed = true
	ax.byServer[serverID] = e
	return true
}

// Forget drops every mapping that involves id, local or server.
func (m *Map) Forget(kind Kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ax := &m.axes[kind]
	e, ok := ax.byLocal[id]
	if !ok {
		e, ok = ax.byServer[id]
	}
	if !ok {
		return
	}
	delete(ax.byLocal, e.local)
	if e.server != "" {
		delete(ax.byServer, e.server)
	}
}

// Stable returns the key that identifies the entity across the local to
// server swap: the local id for locally created entities, id otherwise.
func (m *Map) Stable(kind Kind, id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.axes[kind].byServer[id]; ok {
		return e.local
	}
	return id
}

// Server resolves id (local or server) to the server id. confirmed is false
// while a locally created entity awaits acknowledgement.
func (m *Map) Server(kind Kind, id string) (serverID string, confirmed bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ax := m.axes[kind]
	if e, ok := ax.byLocal[id]; ok {
		return e.server, e.confirmed
	}
	return id, true
}

// IsPending reports whether id names a local entity not yet confirmed.
func (m *Map) IsPending(kind Kind, id string) bool {
	_, confirmed := m.Server(kind, id)
	return !confirmed
}

// Pending lists the local ids still awaiting confirmation.
func (m *Map) Pending(kind Kind) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, e := range m.axes[kind].byLocal {
		if !e.confirmed {
			ids = append(ids, id)
		}
	}
	return ids
}

// CellKey resolves both axes to stable ids.
func (m *Map) CellKey(rowID, columnID string) Key {
	return Key{Row: m.Stable(Row, rowID), Column: m.Stable(Column, columnID)}
}
