package ledger

import (
	"context"
	"sync"
)

// Op names a mutation kind. The names double as metric labels.
type Op string

// Operations.
const (
	OpCreateRow    Op = "create_row"
	OpInsertAbove  Op = "insert_row_above"
	OpInsertBelow  Op = "insert_row_below"
	OpDeleteRow    Op = "delete_row"
	OpCreateColumn Op = "create_column"
	OpRenameColumn Op = "rename_column"
	OpDeleteColumn Op = "delete_column"
)

// Mutation is the handle of one optimistic change. The local change is
// already visible when the handle is returned; the backend call settles
// later.
type Mutation struct {
	Op Op
	// ID is the entity the mutation created or targeted. For creates it is
	// the local id, which stays valid after confirmation.
	ID string

	once     sync.Once
	done     chan struct{}
	err      error
	serverID string
}

func newMutation(op Op, id string) *Mutation {
	return &Mutation{Op: op, ID: id, done: make(chan struct{})}
}

func (m *Mutation) finish(serverID string, err error) {
	m.once.Do(func() {
		m.serverID = serverID
		m.err = err
		close(m.done)
	})
}

// Done is closed when the mutation has settled.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Wait blocks until the mutation settles or ctx ends. It returns the
// mutation's error, which wraps ErrRolledBack when the local change was
// reverted.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServerID returns the server id of a created entity once confirmed.
func (m *Mutation) ServerID() string {
	select {
	case <-m.done:
		return m.serverID
	default:
		return ""
	}
}
