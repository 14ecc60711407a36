package mirror

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned when a document id is not in a collection.
var ErrNotFound = errors.New("document not found")

// Entry is a point-in-time copy of one document and its content hash.
type Entry struct {
	ID   string
	Hash string
	Doc  Document
}

// Collection is the local copy of one remote collection, stored as a JSON array
// in outDir/<database>/<name>.json.
//
// The mutex only protects the maps; a push reads whatever state the collection
// holds at the instant it takes its snapshot.
type Collection struct {
	database string
	name     string
	path     string
	schema   *Schema
	logger   *slog.Logger
	onChange func()

	mu       sync.Mutex
	docs     map[string]Document
	hashes   map[string]string
	dirty    map[string]struct{}
	fileHash string
}

func newCollection(database, name, dir string, schema *Schema, logger *slog.Logger, onChange func()) *Collection {
	return &Collection{
		database: database,
		name:     name,
		path:     filepath.Join(dir, name+".json"),
		schema:   schema,
		logger:   logger,
		onChange: onChange,
		docs:     make(map[string]Document),
		hashes:   make(map[string]string),
		dirty:    make(map[string]struct{}),
	}
}

// Database returns the database the collection belongs to.
func (c *Collection) Database() string { return c.database }

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Path returns the on-disk location of the collection file.
func (c *Collection) Path() string { return c.path }

// Schema returns the collection's schema, or nil.
func (c *Collection) Schema() *Schema { return c.schema }

// Key returns "database/collection".
func (c *Collection) Key() string { return c.database + "/" + c.name }

// Len returns the number of documents.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// Get returns a copy of the document with the given id.
func (c *Collection) Get(id string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, c.Key())
	}
	return doc.Clone(), nil
}

// All returns copies of every document ordered by id.
func (c *Collection) All() []Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := sortedKeys(c.docs)
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.docs[id].Clone())
	}
	return out
}

// Put validates and stores doc, marks it dirty and persists the collection.
// Writing a document identical to the stored one is a no-op.
func (c *Collection) Put(doc Document) error {
	if err := c.schema.Validate(doc); err != nil {
		return fmt.Errorf("rejected write to %s: %w", c.Key(), err)
	}
	id, _ := doc.ID()
	hash, err := doc.Hash()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.hashes[id] == hash {
		c.mu.Unlock()
		return nil
	}

	prevDoc, hadPrev := c.docs[id]
	prevHash := c.hashes[id]
	_, wasDirty := c.dirty[id]

	c.docs[id] = doc.Clone()
	c.hashes[id] = hash
	c.dirty[id] = struct{}{}

	if err := c.persistLocked(); err != nil {
		if hadPrev {
			c.docs[id] = prevDoc
			c.hashes[id] = prevHash
		} else {
			delete(c.docs, id)
			delete(c.hashes, id)
		}
		if !wasDirty {
			delete(c.dirty, id)
		}
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.changed()
	return nil
}

// Dirty returns the ids changed since the last successful push, ordered.
func (c *Collection) Dirty() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.dirty)
}

// MarkDirty flags existing documents as changed.
func (c *Collection) MarkDirty(ids ...string) {
	c.mu.Lock()
	n := 0
	for _, id := range ids {
		if _, ok := c.docs[id]; ok {
			c.dirty[id] = struct{}{}
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.changed()
	}
}

// ClearDirty removes the dirty marker for id, but only when the document still
// has the given hash. A document rewritten while its push was in flight stays dirty.
func (c *Collection) ClearDirty(id, hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hashes[id] != hash {
		return false
	}
	delete(c.dirty, id)
	return true
}

// Hashes returns the current content hash of every document.
func (c *Collection) Hashes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.hashes))
	for id, h := range c.hashes {
		out[id] = h
	}
	return out
}

// Snapshot copies the named documents. Unknown ids are skipped.
func (c *Collection) Snapshot(ids []string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		doc, ok := c.docs[id]
		if !ok {
			continue
		}
		out = append(out, Entry{ID: id, Hash: c.hashes[id], Doc: doc.Clone()})
	}
	return out
}

// Replace overwrites the whole collection with docs and clears the dirty set.
// Documents that fail validation are dropped with a warning. Returns the stored entries.
func (c *Collection) Replace(docs []Document) ([]Entry, error) {
	nextDocs := make(map[string]Document, len(docs))
	nextHashes := make(map[string]string, len(docs))

	for _, doc := range docs {
		if err := c.schema.Validate(doc); err != nil {
			c.logger.Warn("dropping pulled document", "collection", c.Key(), "error", err)
			continue
		}
		id, _ := doc.ID()
		hash, err := doc.Hash()
		if err != nil {
			c.logger.Warn("dropping pulled document", "collection", c.Key(), "id", id, "error", err)
			continue
		}
		nextDocs[id] = doc
		nextHashes[id] = hash
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prevDocs, prevHashes := c.docs, c.hashes
	c.docs, c.hashes = nextDocs, nextHashes
	if err := c.persistLocked(); err != nil {
		c.docs, c.hashes = prevDocs, prevHashes
		return nil, err
	}
	c.dirty = make(map[string]struct{})

	entries := make([]Entry, 0, len(nextDocs))
	for _, id := range sortedKeys(nextDocs) {
		entries = append(entries, Entry{ID: id, Hash: nextHashes[id], Doc: nextDocs[id]})
	}
	return entries, nil
}

// load reads the collection file. A missing file creates an empty collection on disk.
func (c *Collection) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read collection file %s: %w", c.path, err)
	}

	docs, err := DecodeDocuments(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid collection file %s: %w", c.path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, doc := range docs {
		id, err := doc.ID()
		if err != nil {
			c.logger.Warn("skipping document without id", "collection", c.Key(), "error", err)
			continue
		}
		hash, err := doc.Hash()
		if err != nil {
			c.logger.Warn("skipping unreadable document", "collection", c.Key(), "id", id, "error", err)
			continue
		}
		c.docs[id] = doc
		c.hashes[id] = hash
	}
	c.fileHash = bytesHash(data)
	return nil
}

// reload re-reads a file edited outside the mirror and marks the differing ids dirty.
// It returns the ids that changed; a file identical to the last one written is ignored.
func (c *Collection) reload() ([]string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection file %s: %w", c.path, err)
	}

	c.mu.Lock()
	if bytesHash(data) == c.fileHash {
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()

	docs, err := DecodeDocuments(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid collection file %s: %w", c.path, err)
	}

	c.mu.Lock()
	seen := make(map[string]bool, len(docs))
	var changed []string
	for _, doc := range docs {
		id, err := doc.ID()
		if err != nil {
			c.logger.Warn("ignoring edited document without id", "collection", c.Key(), "error", err)
			continue
		}
		hash, err := doc.Hash()
		if err != nil {
			continue
		}
		seen[id] = true
		if c.hashes[id] == hash {
			continue
		}
		c.docs[id] = doc
		c.hashes[id] = hash
		c.dirty[id] = struct{}{}
		changed = append(changed, id)
	}
	for id := range c.docs {
		if !seen[id] {
			delete(c.docs, id)
			delete(c.hashes, id)
			delete(c.dirty, id)
		}
	}
	c.fileHash = bytesHash(data)
	c.mu.Unlock()

	if len(changed) > 0 {
		c.changed()
	}
	sort.Strings(changed)
	return changed, nil
}

// persistLocked writes the collection atomically. Caller holds c.mu.
func (c *Collection) persistLocked() error {
	docs := make([]Document, 0, len(c.docs))
	for _, id := range sortedKeys(c.docs) {
		docs = append(docs, c.docs[id])
	}

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal collection %s: %w", c.Key(), err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(c.path), "."+filepath.Base(c.path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write collection file %s: %w", c.path, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace collection file %s: %w", c.path, err)
	}

	c.fileHash = bytesHash(data)
	return nil
}

func (c *Collection) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

func bytesHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
