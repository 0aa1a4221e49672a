package types

import "errors"

// Backend is a DataService with an explicit lifecycle. Callers attach it to
// a database, use it, and detach when done.
type Backend interface {
	DataService

	// Attach connects to the database described by config and applies the
	// schema. Returns ErrAlreadyAttached if called while attached.
	Attach(config Config) error

	// Detach releases database resources. Idempotent. After Detach, every
	// operation returns ErrDetached.
	Detach() error
}

// Backend lifecycle errors.
var (
	ErrDetached        = errors.New("backend is detached")
	ErrAlreadyAttached = errors.New("backend is already attached")
)
