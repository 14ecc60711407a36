package ledger

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// setupTestLedger creates a temporary ledger for testing.
func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "state", "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open test ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestMarkPushed_Confirmed(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	docs := []DocHash{{ID: "a", Hash: "h1"}, {ID: "b", Hash: "h2"}}
	if err := l.MarkPushed(ctx, "shop", "orders", docs, 1); err != nil {
		t.Fatalf("MarkPushed failed: %v", err)
	}

	got, err := l.Confirmed(ctx, "shop", "orders")
	if err != nil {
		t.Fatalf("Confirmed failed: %v", err)
	}
	want := map[string]string{"a": "h1", "b": "h2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Confirmed = %v, want %v", got, want)
	}

	// A later push overwrites the hash.
	if err := l.MarkPushed(ctx, "shop", "orders", []DocHash{{ID: "a", Hash: "h3"}}, 2); err != nil {
		t.Fatalf("MarkPushed failed: %v", err)
	}
	got, _ = l.Confirmed(ctx, "shop", "orders")
	if got["a"] != "h3" {
		t.Errorf("expected updated hash h3, got %q", got["a"])
	}
}

func TestMarkInvalid_NotConfirmed(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_ = l.MarkPushed(ctx, "shop", "orders", []DocHash{{ID: "a", Hash: "h1"}}, 1)
	if err := l.MarkInvalid(ctx, "shop", "orders", []DocHash{{ID: "a", Hash: "h2"}}, 2); err != nil {
		t.Fatalf("MarkInvalid failed: %v", err)
	}

	got, _ := l.Confirmed(ctx, "shop", "orders")
	if _, ok := got["a"]; ok {
		t.Error("invalid document must not count as confirmed")
	}

	counts, err := l.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[StatusFailed] != 1 {
		t.Errorf("expected 1 FAILED row, got %v", counts)
	}
}

func TestReplaceCollection(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_ = l.MarkPushed(ctx, "shop", "orders", []DocHash{{ID: "old", Hash: "x"}}, 1)
	_ = l.MarkPushed(ctx, "shop", "users", []DocHash{{ID: "u", Hash: "y"}}, 1)

	if err := l.ReplaceCollection(ctx, "shop", "orders", []DocHash{{ID: "new", Hash: "z"}}); err != nil {
		t.Fatalf("ReplaceCollection failed: %v", err)
	}

	orders, _ := l.Confirmed(ctx, "shop", "orders")
	if !reflect.DeepEqual(orders, map[string]string{"new": "z"}) {
		t.Errorf("orders = %v, want only new", orders)
	}
	users, _ := l.Confirmed(ctx, "shop", "users")
	if len(users) != 1 {
		t.Errorf("other collections must be untouched, got %v", users)
	}

	counts, _ := l.Counts(ctx)
	if counts[StatusPulled] != 1 || counts[StatusPushed] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestIncrementErrors(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_ = l.MarkPushed(ctx, "shop", "orders", []DocHash{{ID: "a", Hash: "h"}}, 1)
	if err := l.IncrementErrors(ctx, "shop", "orders", []string{"a", "untracked"}); err != nil {
		t.Fatalf("IncrementErrors failed: %v", err)
	}

	var n int
	row := l.conn.QueryRow(`SELECT error_count FROM documents WHERE doc_id = 'a'`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected error_count 1, got %d", n)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		db, coll   string
		wantRemove int64
	}{
		{"single collection", "shop", "orders", 2},
		{"whole database", "shop", "", 3},
		{"everything", "", "", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := setupTestLedger(t)
			_ = l.MarkPushed(ctx, "shop", "orders", []DocHash{{ID: "a", Hash: "1"}, {ID: "b", Hash: "2"}}, 1)
			_ = l.MarkPushed(ctx, "shop", "users", []DocHash{{ID: "u", Hash: "3"}}, 1)
			_ = l.MarkPushed(ctx, "crm", "leads", []DocHash{{ID: "l", Hash: "4"}}, 1)

			n, err := l.Reset(ctx, tt.db, tt.coll)
			if err != nil {
				t.Fatalf("Reset failed: %v", err)
			}
			if n != tt.wantRemove {
				t.Errorf("Reset removed %d rows, want %d", n, tt.wantRemove)
			}
		})
	}
}

func TestRecordCycle_Cycles(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		c := Cycle{
			RunID:      "run-1",
			PushCount:  i,
			Final:      i == 3,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Written:    i * 10,
		}
		if i == 2 {
			c.Error = "remote unavailable"
			c.Failed = 4
		}
		if err := l.RecordCycle(ctx, c); err != nil {
			t.Fatalf("RecordCycle failed: %v", err)
		}
	}

	cycles, err := l.Cycles(ctx, 2)
	if err != nil {
		t.Fatalf("Cycles failed: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(cycles))
	}
	if cycles[0].PushCount != 3 || !cycles[0].Final {
		t.Errorf("expected newest final cycle first, got %+v", cycles[0])
	}
	if cycles[1].Error != "remote unavailable" || cycles[1].Failed != 4 {
		t.Errorf("expected error details on cycle 2, got %+v", cycles[1])
	}
	if !cycles[1].FinishedAt.Equal(base.Add(2*time.Minute + time.Second)) {
		t.Errorf("finished_at round trip mismatch: %v", cycles[1].FinishedAt)
	}
}

func TestRecordCycle_RetriesAccumulateWritten(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	attempts := []Cycle{
		{Written: 4, Failed: 2, Error: "shop/orders: timeout", StartedAt: base, FinishedAt: base.Add(time.Second)},
		{Written: 2, StartedAt: base.Add(2 * time.Second), FinishedAt: base.Add(3 * time.Second)},
	}
	for _, c := range attempts {
		c.RunID, c.PushCount = "run-1", 5
		if err := l.RecordCycle(ctx, c); err != nil {
			t.Fatalf("RecordCycle failed: %v", err)
		}
	}

	cycles, err := l.Cycles(ctx, 10)
	if err != nil {
		t.Fatalf("Cycles failed: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("expected one row per push, got %d", len(cycles))
	}
	got := cycles[0]
	if got.Written != 6 {
		t.Errorf("written = %d, want 6 across both attempts", got.Written)
	}
	if got.Failed != 0 || got.Error != "" {
		t.Errorf("expected the successful attempt's outcome, got failed=%d error=%q", got.Failed, got.Error)
	}
	if !got.StartedAt.Equal(base) || !got.FinishedAt.Equal(base.Add(3*time.Second)) {
		t.Errorf("unexpected timestamps %v .. %v", got.StartedAt, got.FinishedAt)
	}
}

func TestClose_Idempotent(t *testing.T) {
	l := setupTestLedger(t)

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if _, err := l.Confirmed(context.Background(), "shop", "orders"); err == nil {
		t.Error("expected an error from a closed ledger")
	}
}
