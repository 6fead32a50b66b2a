package ledger_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/ledger"
)

func newLedger(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	l.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return l, dir
}

func TestAppendAndRead(t *testing.T) {
	l, _ := newLedger(t)
	if err := l.Append(domain.Entry{ActionType: "item.created", Actor: "tester", Target: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := l.Read("2026-03-01")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActionType != "item.created" || e.Actor != "tester" || e.Result != domain.ResultSuccess {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp not filled: %q", e.Timestamp)
	}
}

func TestAppendRejectsBadPartition(t *testing.T) {
	l, _ := newLedger(t)
	if err := l.AppendTo("../evil", domain.Entry{ActionType: "x", Actor: "a"}); err == nil {
		t.Fatalf("expected bad partition key to be rejected")
	}
	if err := l.AppendTo("2026-3-1", domain.Entry{ActionType: "x", Actor: "a"}); err == nil {
		t.Fatalf("expected short partition key to be rejected")
	}
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	l, _ := newLedger(t)
	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e := domain.Entry{
					ActionType: "action.executed",
					Actor:      fmt.Sprintf("writer-%d", w),
					Target:     fmt.Sprintf("t-%d-%d", w, i),
				}
				if err := l.Append(e); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	entries, err := l.Read("2026-03-01")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("expected %d entries, got %d", writers*perWriter, len(entries))
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Target] {
			t.Fatalf("duplicate entry %s", e.Target)
		}
		seen[e.Target] = true
	}
}

func TestReadSkipsTornTail(t *testing.T) {
	l, dir := newLedger(t)
	if err := l.Append(domain.Entry{ActionType: "a", Actor: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Simulate a torn in-flight append: an unterminated partial line.
	path := filepath.Join(dir, "Logs", "2026-03-01.ndjson")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	if _, err := f.WriteString(`{"action_type":"torn","acto`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()
	entries, err := l.Read("2026-03-01")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].ActionType != "a" {
		t.Fatalf("expected torn line skipped, got %+v", entries)
	}
}

func TestTailSpansPartitions(t *testing.T) {
	l, _ := newLedger(t)
	for day := 1; day <= 3; day++ {
		for i := 0; i < 2; i++ {
			e := domain.Entry{
				ActionType: "a",
				Actor:      "x",
				Target:     fmt.Sprintf("d%d-%d", day, i),
				Timestamp:  fmt.Sprintf("2026-03-0%dT00:00:0%dZ", day, i),
				Result:     domain.ResultSuccess,
			}
			if err := l.AppendTo(fmt.Sprintf("2026-03-0%d", day), e); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}
	tail, err := l.Tail(3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tail))
	}
	want := []string{"d2-1", "d3-0", "d3-1"}
	for i, e := range tail {
		if e.Target != want[i] {
			t.Fatalf("tail order mismatch at %d: got %s want %s", i, e.Target, want[i])
		}
	}
	keys, err := l.Partitions()
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(keys) != 3 || keys[0] != "2026-03-01" {
		t.Fatalf("unexpected partitions: %v", keys)
	}
}
