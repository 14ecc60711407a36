// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rage-js/rage/internal/mirror"
	"github.com/rage-js/rage/internal/remote"
)

// UpsertCall records one Upsert invocation.
type UpsertCall struct {
	DB         string
	Collection string
	IDs        []string
}

// Client is an in-memory remote store.
type Client struct {
	remote.StateHolder

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// ConnectGate, when non-nil, blocks Connect until it is closed or ctx ends.
	ConnectGate chan struct{}
	// UpsertErr returns an error for the nth Upsert call (1-based); nil means success.
	UpsertErr func(call int) error

	mu      sync.Mutex
	data    map[string]map[string]map[string]mirror.Document
	upserts []UpsertCall
	fetches int
}

// New returns an empty fake store.
func New() *Client {
	return &Client{data: make(map[string]map[string]map[string]mirror.Document)}
}

// Seed stores documents directly, bypassing Upsert bookkeeping.
func (c *Client) Seed(db, collection string, docs ...mirror.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range docs {
		id, _ := d.ID()
		c.coll(db, collection)[id] = d.Clone()
	}
}

// Connect implements remote.Client.
func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectGate != nil {
		select {
		case <-c.ConnectGate:
		case <-ctx.Done():
			c.SetState(remote.Failed)
			return ctx.Err()
		}
	}
	if c.ConnectErr != nil {
		c.SetState(remote.Failed)
		return c.ConnectErr
	}
	c.SetState(remote.Connected)
	return nil
}

// ListCollections implements remote.Client.
func (c *Client) ListCollections(ctx context.Context, db string) ([]string, error) {
	if c.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for name := range c.data[db] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Fetch implements remote.Client.
func (c *Client) Fetch(ctx context.Context, db, collection string) ([]mirror.Document, error) {
	if c.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches++
	var out []mirror.Document
	for _, d := range c.data[db][collection] {
		out = append(out, d.Clone())
	}
	return out, nil
}

// Upsert implements remote.Client.
func (c *Client) Upsert(ctx context.Context, db, collection string, docs []mirror.Document) error {
	if c.State() != remote.Connected {
		return remote.ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		id, err := d.ID()
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", db, collection, err)
		}
		ids = append(ids, id)
	}
	c.upserts = append(c.upserts, UpsertCall{DB: db, Collection: collection, IDs: ids})

	if c.UpsertErr != nil {
		if err := c.UpsertErr(len(c.upserts)); err != nil {
			return err
		}
	}
	for i, d := range docs {
		c.coll(db, collection)[ids[i]] = d.Clone()
	}
	return nil
}

// Close implements remote.Client.
func (c *Client) Close(ctx context.Context) error {
	c.SetState(remote.Disconnected)
	return nil
}

// Upserts returns every recorded Upsert call.
func (c *Client) Upserts() []UpsertCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]UpsertCall(nil), c.upserts...)
}

// Fetches returns how many collections were fetched.
func (c *Client) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Stored returns the remote copy of a document.
func (c *Client) Stored(db, collection, id string) (mirror.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[db][collection][id]
	return d, ok
}

func (c *Client) coll(db, collection string) map[string]mirror.Document {
	if c.data[db] == nil {
		c.data[db] = make(map[string]map[string]mirror.Document)
	}
	if c.data[db][collection] == nil {
		c.data[db][collection] = make(map[string]mirror.Document)
	}
	return c.data[db][collection]
}
