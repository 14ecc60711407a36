// Package mirror implements the on-disk local copy of whitelisted remote collections.
//
// Layout:
//
//	outDir/
//	  <database>/
//	    <collection>.json   JSON array of documents
//
// Every write marks the document dirty. The dirty set is what an incremental push sends.
package mirror

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNotAllowed is returned for databases outside the whitelist or excluded collections.
var ErrNotAllowed = errors.New("collection is not synchronized")

// Scope selects which databases and collections are mirrored.
type Scope struct {
	// Databases is the whitelist of database names.
	Databases []string
	// Exclude lists "database/collection" pairs to skip.
	Exclude []string
}

// AllowsDatabase reports whether db is whitelisted.
func (s Scope) AllowsDatabase(db string) bool {
	for _, d := range s.Databases {
		if d == db {
			return true
		}
	}
	return false
}

// Allows reports whether db/collection is whitelisted and not excluded.
func (s Scope) Allows(db, collection string) bool {
	if !s.AllowsDatabase(db) {
		return false
	}
	key := db + "/" + collection
	for _, e := range s.Exclude {
		if e == key {
			return false
		}
	}
	return true
}

// Options configures a Mirror.
type Options struct {
	OutDir string
	Scope  Scope
	// Schemas maps "database/collection" to its schema.
	Schemas map[string]*Schema
	Logger  *slog.Logger
}

// Mirror holds every loaded collection of the local copy.
type Mirror struct {
	opts    Options
	logger  *slog.Logger
	changes chan struct{}

	mu          sync.Mutex
	collections map[string]*Collection
}

// Open prepares outDir/<database> for every whitelisted database and loads the
// collection files already present.
func Open(opts Options) (*Mirror, error) {
	if opts.OutDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Mirror{
		opts:        opts,
		logger:      logger,
		changes:     make(chan struct{}, 1),
		collections: make(map[string]*Collection),
	}

	for _, db := range opts.Scope.Databases {
		dir := m.databaseDir(db)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read database directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			name, ok := collectionName(entry)
			if !ok || !opts.Scope.Allows(db, name) {
				continue
			}
			if _, err := m.Collection(db, name); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// OutDir returns the mirror's root directory.
func (m *Mirror) OutDir() string { return m.opts.OutDir }

// Scope returns the whitelist/blacklist the mirror was opened with.
func (m *Mirror) Scope() Scope { return m.opts.Scope }

// Changes delivers a coalesced signal whenever a document becomes dirty.
func (m *Mirror) Changes() <-chan struct{} { return m.changes }

// Collection returns the named collection, loading or creating it on first use.
func (m *Mirror) Collection(db, name string) (*Collection, error) {
	if !m.opts.Scope.Allows(db, name) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotAllowed, db, name)
	}
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}

	key := db + "/" + name

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.collections[key]; ok {
		return c, nil
	}

	c := newCollection(db, name, m.databaseDir(db), m.opts.Schemas[key], m.logger, m.notify)
	if err := c.load(); err != nil {
		return nil, err
	}
	m.collections[key] = c
	return c, nil
}

// Collections returns the loaded collections of db ordered by name.
func (m *Mirror) Collections(db string) []*Collection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Collection
	for _, c := range m.collections {
		if c.database == db {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Put is a shortcut for Collection(db, name).Put(doc).
func (m *Mirror) Put(db, name string, doc Document) error {
	c, err := m.Collection(db, name)
	if err != nil {
		return err
	}
	return c.Put(doc)
}

// Get is a shortcut for Collection(db, name).Get(id).
func (m *Mirror) Get(db, name, id string) (Document, error) {
	c, err := m.Collection(db, name)
	if err != nil {
		return nil, err
	}
	return c.Get(id)
}

func (m *Mirror) databaseDir(db string) string {
	return filepath.Join(m.opts.OutDir, db)
}

func (m *Mirror) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// collectionName maps a directory entry to a collection name, skipping hidden
// and non-JSON files.
func collectionName(entry os.DirEntry) (string, bool) {
	if entry.IsDir() {
		return "", false
	}
	name := entry.Name()
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}
