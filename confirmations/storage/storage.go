package storage

import "errors"

var ErrStateNotFound = errors.New("state not found")

// StateStore persists opaque named blobs. Save must be atomic: after a
// crash a Load returns either the previous or the new value.
type StateStore interface {
	Load(name string) ([]byte, error)
	Save(name string, value []byte) error
	Close() error
}
