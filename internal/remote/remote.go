// Package remote defines the narrow contract the sync engine needs from a remote
// document store: connect, list and fetch collections, upsert documents.
package remote

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rage-js/rage/internal/mirror"
)

// ErrNotConnected is returned by operations attempted before a successful Connect.
var ErrNotConnected = errors.New("remote client is not connected")

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Client is a connection to a remote document store. A Client is owned by a
// single method instance.
type Client interface {
	// Connect establishes and verifies the connection.
	Connect(ctx context.Context) error
	// State reports the current connection state.
	State() State
	// ListCollections returns the collection names of a database.
	ListCollections(ctx context.Context, db string) ([]string, error)
	// Fetch returns every document of a collection.
	Fetch(ctx context.Context, db, collection string) ([]mirror.Document, error)
	// Upsert inserts or replaces documents by _id.
	Upsert(ctx context.Context, db, collection string, docs []mirror.Document) error
	// Close releases the connection.
	Close(ctx context.Context) error
}

// StateHolder is an atomic State that implementations embed.
type StateHolder struct {
	v atomic.Int32
}

// State returns the current state.
func (h *StateHolder) State() State { return State(h.v.Load()) }

// SetState stores s.
func (h *StateHolder) SetState(s State) { h.v.Store(int32(s)) }
