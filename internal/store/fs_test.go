package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/store"
)

func newFS(t *testing.T) *store.FS {
	t.Helper()
	s, err := store.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("open fs store: %v", err)
	}
	return s
}

func testRecord(id string) domain.Record {
	return domain.Record{
		ID:        id,
		Kind:      domain.KindMessage,
		Status:    domain.StateIntake,
		Priority:  domain.PriorityNormal,
		Source:    "test",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Payload:   domain.Payload{Body: "hello"},
	}
}

func TestCreateExclusiveRejectsDuplicate(t *testing.T) {
	s := newFS(t)
	ctx := context.Background()
	rec := testRecord("item-1")
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, rec); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateExclusive(ctx, domain.CollectionIntake, rec)
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestReadRoundTrip(t *testing.T) {
	s := newFS(t)
	ctx := context.Background()
	rec := testRecord("item-rt")
	rec.Payload.Metadata = map[string]string{"channel": "email"}
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Read(ctx, domain.CollectionIntake, "item-rt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != rec.ID || got.Payload.Body != "hello" || got.Payload.Metadata["channel"] != "email" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestMoveRaceHasOneWinner(t *testing.T) {
	s := newFS(t)
	ctx := context.Background()
	rec := testRecord("contended")
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Move(ctx, domain.CollectionIntake, domain.ClaimCollection(owner), "contended")
			if err == nil {
				wins <- owner
				return
			}
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("unexpected move error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got, err := s.Read(ctx, domain.ClaimCollection(winners[0]), "contended")
	if err != nil {
		t.Fatalf("read after move: %v", err)
	}
	if got.ID != "contended" {
		t.Fatalf("wrong record after move: %+v", got)
	}
}

func TestMoveMissingRecord(t *testing.T) {
	s := newFS(t)
	err := s.Move(context.Background(), domain.CollectionIntake, domain.CollectionTriaged, "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListReportsMalformed(t *testing.T) {
	s := newFS(t)
	ctx := context.Background()
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, testRecord("good")); err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := filepath.Join(s.Root, domain.CollectionIntake, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	recs, malformed, err := s.List(ctx, domain.CollectionIntake)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "good" {
		t.Fatalf("expected one good record, got %+v", recs)
	}
	if len(malformed) != 1 || malformed[0] != "bad" {
		t.Fatalf("expected bad flagged malformed, got %v", malformed)
	}
	if _, err := s.Read(ctx, domain.CollectionIntake, "bad"); !errors.Is(err, store.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUpdateKeepsID(t *testing.T) {
	s := newFS(t)
	ctx := context.Background()
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, testRecord("upd")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Update(ctx, domain.CollectionIntake, "upd", func(r *domain.Record) error {
		r.Status = domain.StateTriaged
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != domain.StateTriaged {
		t.Fatalf("status not updated: %+v", got)
	}
	_, err = s.Update(ctx, domain.CollectionIntake, "upd", func(r *domain.Record) error {
		r.ID = "other"
		return nil
	})
	if err == nil {
		t.Fatalf("expected id change to be rejected")
	}
}

func TestSubcollections(t *testing.T) {
	s := newFS(t)
	ctx := context.Background()
	for _, owner := range []string{"w2", "w1"} {
		rec := testRecord("item-" + owner)
		if err := s.CreateExclusive(ctx, domain.ClaimCollection(owner), rec); err != nil {
			t.Fatalf("create in claim namespace: %v", err)
		}
	}
	owners, err := s.Subcollections(ctx, domain.CollectionClaims)
	if err != nil {
		t.Fatalf("subcollections: %v", err)
	}
	if len(owners) != 2 || owners[0] != "w1" || owners[1] != "w2" {
		t.Fatalf("unexpected owners: %v", owners)
	}
}

func TestStoreClockMonotonicEnough(t *testing.T) {
	s := newFS(t)
	a := s.Now()
	b := s.Now()
	if b.Before(a.Add(-time.Second)) {
		t.Fatalf("clock went backwards: %v then %v", a, b)
	}
}
