package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// setupMirror opens a mirror over a temporary directory.
func setupMirror(t *testing.T, schemas map[string]*Schema) *Mirror {
	t.Helper()

	m, err := Open(Options{
		OutDir: t.TempDir(),
		Scope: Scope{
			Databases: []string{"shop"},
			Exclude:   []string{"shop/sessions"},
		},
		Schemas: schemas,
	})
	if err != nil {
		t.Fatalf("failed to open mirror: %v", err)
	}
	return m
}

func TestScope_Allows(t *testing.T) {
	scope := Scope{
		Databases: []string{"shop", "crm"},
		Exclude:   []string{"shop/sessions"},
	}

	tests := []struct {
		db, collection string
		want           bool
	}{
		{"shop", "orders", true},
		{"crm", "sessions", true},
		{"shop", "sessions", false},
		{"billing", "invoices", false},
	}

	for _, tt := range tests {
		if got := scope.Allows(tt.db, tt.collection); got != tt.want {
			t.Errorf("Allows(%q, %q) = %v, want %v", tt.db, tt.collection, got, tt.want)
		}
	}
}

func TestOpen_CreatesDatabaseDirs(t *testing.T) {
	m := setupMirror(t, nil)

	info, err := os.Stat(filepath.Join(m.OutDir(), "shop"))
	if err != nil {
		t.Fatalf("database directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected shop to be a directory")
	}
}

func TestCollection_CreatedEmpty(t *testing.T) {
	m := setupMirror(t, nil)

	c, err := m.Collection("shop", "orders")
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty collection, got %d documents", c.Len())
	}

	data, err := os.ReadFile(filepath.Join(m.OutDir(), "shop", "orders.json"))
	if err != nil {
		t.Fatalf("collection file not created: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("expected empty JSON array, got %q", data)
	}
}

func TestCollection_NotAllowed(t *testing.T) {
	m := setupMirror(t, nil)

	if _, err := m.Collection("shop", "sessions"); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed for excluded collection, got %v", err)
	}
	if _, err := m.Collection("billing", "invoices"); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed for non-whitelisted database, got %v", err)
	}
}

func TestCollection_PutMarksDirty(t *testing.T) {
	m := setupMirror(t, nil)

	if err := m.Put("shop", "orders", Document{"_id": "o1", "total": 10}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put("shop", "orders", Document{"_id": "o2", "total": 20}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c, _ := m.Collection("shop", "orders")
	if got := c.Dirty(); !reflect.DeepEqual(got, []string{"o1", "o2"}) {
		t.Errorf("expected dirty [o1 o2], got %v", got)
	}

	select {
	case <-m.Changes():
	default:
		t.Error("expected a change notification")
	}
}

func TestCollection_PutIdenticalIsNoop(t *testing.T) {
	m := setupMirror(t, nil)
	c, _ := m.Collection("shop", "orders")

	doc := Document{"_id": "o1", "total": 10}
	if err := c.Put(doc); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	hash := c.Hashes()["o1"]
	if !c.ClearDirty("o1", hash) {
		t.Fatal("ClearDirty should succeed for the current hash")
	}

	if err := c.Put(Document{"_id": "o1", "total": 10}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(c.Dirty()) != 0 {
		t.Errorf("rewriting identical content should not mark dirty, got %v", c.Dirty())
	}
}

func TestCollection_ClearDirtyKeepsRewrittenDocument(t *testing.T) {
	m := setupMirror(t, nil)
	c, _ := m.Collection("shop", "orders")

	_ = c.Put(Document{"_id": "o1", "total": 10})
	snap := c.Snapshot([]string{"o1"})

	// Rewritten while the push of the snapshot was in flight.
	_ = c.Put(Document{"_id": "o1", "total": 11})

	if c.ClearDirty("o1", snap[0].Hash) {
		t.Error("ClearDirty should refuse a stale hash")
	}
	if got := c.Dirty(); !reflect.DeepEqual(got, []string{"o1"}) {
		t.Errorf("expected o1 to stay dirty, got %v", got)
	}
}

func TestCollection_PersistAndReopen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{OutDir: dir, Scope: Scope{Databases: []string{"shop"}}}

	m, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.Put("shop", "orders", Document{"_id": "o1", "total": 10, "items": []any{"a", "b"}}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	cols := reopened.Collections("shop")
	if len(cols) != 1 || cols[0].Name() != "orders" {
		t.Fatalf("expected orders collection to be loaded, got %v", cols)
	}

	doc, err := cols[0].Get("o1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["total"] != json.Number("10") {
		t.Errorf("expected total 10 as json.Number, got %#v", doc["total"])
	}

	// Hash must survive the round trip so reopened documents are not seen as changed.
	orig, _ := m.Collection("shop", "orders")
	if orig.Hashes()["o1"] != cols[0].Hashes()["o1"] {
		t.Error("document hash changed across persist/reload")
	}
}

func TestCollection_GetReturnsCopy(t *testing.T) {
	m := setupMirror(t, nil)
	_ = m.Put("shop", "orders", Document{"_id": "o1", "tags": []any{"x"}})

	doc, _ := m.Get("shop", "orders", "o1")
	doc["tags"].([]any)[0] = "mutated"

	again, _ := m.Get("shop", "orders", "o1")
	if again["tags"].([]any)[0] != "x" {
		t.Error("mutating a returned document changed the stored copy")
	}

	if _, err := m.Get("shop", "orders", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCollection_PutRejectsInvalid(t *testing.T) {
	schemas := map[string]*Schema{
		"shop/orders": {Fields: []Field{
			{Name: "total", Type: TypeNumber, Required: true},
		}},
	}
	m := setupMirror(t, schemas)

	err := m.Put("shop", "orders", Document{"_id": "o1", "total": "ten"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	c, _ := m.Collection("shop", "orders")
	if c.Len() != 0 || len(c.Dirty()) != 0 {
		t.Error("rejected write must not change the collection")
	}
}

func TestCollection_ReplaceDropsInvalidAndClearsDirty(t *testing.T) {
	schemas := map[string]*Schema{
		"shop/orders": {Fields: []Field{{Name: "total", Type: TypeNumber, Required: true}}},
	}
	m := setupMirror(t, schemas)
	c, _ := m.Collection("shop", "orders")

	_ = c.Put(Document{"_id": "local", "total": 1})

	entries, err := c.Replace([]Document{
		{"_id": "r1", "total": json.Number("5")},
		{"_id": "r2"},
		{"total": 3},
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if len(entries) != 1 || entries[0].ID != "r1" {
		t.Fatalf("expected only r1 to be kept, got %+v", entries)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 document after replace, got %d", c.Len())
	}
	if len(c.Dirty()) != 0 {
		t.Errorf("replace must clear the dirty set, got %v", c.Dirty())
	}
	if _, err := c.Get("local"); !errors.Is(err, ErrNotFound) {
		t.Error("replace must drop documents absent from the remote")
	}
}

func TestCollection_ReloadMarksEditedDocuments(t *testing.T) {
	m := setupMirror(t, nil)
	c, _ := m.Collection("shop", "orders")
	_ = c.Put(Document{"_id": "o1", "total": 1})
	_ = c.Put(Document{"_id": "o2", "total": 2})
	for id, h := range c.Hashes() {
		c.ClearDirty(id, h)
	}

	// Unchanged file is ignored.
	if changed, err := c.reload(); err != nil || len(changed) != 0 {
		t.Fatalf("reload of own write should be a no-op, got %v, %v", changed, err)
	}

	edited := `[{"_id":"o1","total":1},{"_id":"o2","total":99},{"_id":"o3","total":3}]`
	if err := os.WriteFile(c.Path(), []byte(edited), 0644); err != nil {
		t.Fatalf("failed to edit file: %v", err)
	}

	changed, err := c.reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"o2", "o3"}) {
		t.Errorf("expected changed [o2 o3], got %v", changed)
	}
	if !reflect.DeepEqual(c.Dirty(), []string{"o2", "o3"}) {
		t.Errorf("expected dirty [o2 o3], got %v", c.Dirty())
	}
}

func TestMirror_WatchDetectsExternalEdit(t *testing.T) {
	m := setupMirror(t, nil)
	c, _ := m.Collection("shop", "orders")

	// Drain the creation notification, if any.
	select {
	case <-m.Changes():
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(c.Path(), []byte(`[{"_id":"ext","name":"edited"}]`), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case <-m.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the external edit")
	}

	if got := c.Dirty(); !reflect.DeepEqual(got, []string{"ext"}) {
		t.Errorf("expected dirty [ext], got %v", got)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Watch returned error: %v", err)
	}
}
