package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"vaultline/internal/domain"
	"vaultline/internal/store"
)

func newSQL(t *testing.T) *store.SQL {
	t.Helper()
	s, err := store.OpenSQL(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLCreateExclusiveRejectsDuplicate(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	rec := testRecord("item-1")
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, rec); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateExclusive(ctx, domain.CollectionIntake, rec)
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	// The primary key spans collections: the same id cannot exist twice
	// anywhere, which is what keeps a record in exactly one place.
	err = s.CreateExclusive(ctx, domain.CollectionTriaged, rec)
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected cross-collection ErrAlreadyExists, got %v", err)
	}
}

func TestSQLMoveIsConditional(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, testRecord("m-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Move(ctx, domain.CollectionIntake, domain.CollectionTriaged, "m-1"); err != nil {
		t.Fatalf("move: %v", err)
	}
	// Second mover conditioned on the old collection loses.
	err := s.Move(ctx, domain.CollectionIntake, domain.ClaimCollection("w2"), "m-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale move, got %v", err)
	}
	if _, err := s.Read(ctx, domain.CollectionTriaged, "m-1"); err != nil {
		t.Fatalf("read after move: %v", err)
	}
}

func TestSQLMoveRaceHasOneWinner(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	if err := s.CreateExclusive(ctx, domain.CollectionIntake, testRecord("race")); err != nil {
		t.Fatalf("create: %v", err)
	}
	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Move(ctx, domain.CollectionIntake, domain.ClaimCollection(owner), "race")
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
	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestSQLSubcollections(t *testing.T) {
	s := newSQL(t)
	ctx := context.Background()
	for _, owner := range []string{"w2", "w1"} {
		if err := s.CreateExclusive(ctx, domain.ClaimCollection(owner), testRecord("i-"+owner)); err != nil {
			t.Fatalf("create: %v", err)
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
