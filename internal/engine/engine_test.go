package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/ledger"
	"vaultline/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Ledger *ledger.Ledger
	Store  *store.FS
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.OpenFS(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	env := &testEnv{Store: s, Ledger: l, Ctx: context.Background(), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(s, l, config.Default(dir))
	eng.Now = func() time.Time { return env.now }
	l.Now = eng.Now
	env.Engine = &eng
	return env
}

// advance moves the injected clock forward.
func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) mustCreate(t *testing.T, id string) domain.Record {
	t.Helper()
	rec, err := env.Engine.CreateItem(env.Ctx, engine.CreateOptions{
		ID:      id,
		Kind:    domain.KindMessage,
		Source:  "test",
		Body:    "payload for " + id,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return rec
}

func TestPipelineRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "item-1")
	if rec.Status != domain.StateIntake {
		t.Fatalf("expected intake status, got %s", rec.Status)
	}
	steps := [][2]string{
		{domain.StateIntake, domain.StateTriaged},
		{domain.StateTriaged, domain.StatePlanned},
		{domain.StatePlanned, domain.StateDone},
	}
	for _, s := range steps {
		var err error
		rec, err = env.Engine.Transition(env.Ctx, "item-1", s[0], s[1], "tester")
		if err != nil {
			t.Fatalf("%s -> %s: %v", s[0], s[1], err)
		}
		if rec.Status != s[1] {
			t.Fatalf("status after %s -> %s is %s", s[0], s[1], rec.Status)
		}
	}
	// Identity and payload survive the whole pipeline.
	final, collection, err := env.Engine.FindItem(env.Ctx, "item-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if collection != domain.CollectionDone {
		t.Fatalf("expected Done, found in %s", collection)
	}
	if final.ID != "item-1" || final.Payload.Body != "payload for item-1" {
		t.Fatalf("record mutated in flight: %+v", final)
	}
	entries, err := env.Ledger.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	transitions := 0
	for _, e := range entries {
		if e.ActionType == "item.transitioned" && e.Target == "item-1" {
			transitions++
		}
	}
	if transitions != 3 {
		t.Fatalf("expected 3 transition entries, got %d", transitions)
	}
}

func TestIllegalTransitionRejectedAndLedgered(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "item-x")
	_, err := env.Engine.Transition(env.Ctx, "item-x", domain.StateIntake, domain.StateDone, "tester")
	if !errors.Is(err, engine.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	// The record did not move.
	_, collection, err := env.Engine.FindItem(env.Ctx, "item-x")
	if err != nil || collection != domain.CollectionIntake {
		t.Fatalf("record moved on illegal transition: %s %v", collection, err)
	}
	entries, _ := env.Ledger.Tail(10)
	found := false
	for _, e := range entries {
		if e.ActionType == "transition.illegal" && e.Target == "item-x" && e.Result == domain.ResultFailure {
			found = true
		}
	}
	if !found {
		t.Fatalf("illegal transition not ledgered: %+v", entries)
	}
}

func TestCreateItemIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.mustCreate(t, "retry-1")
	second, err := env.Engine.CreateItem(env.Ctx, engine.CreateOptions{ID: "retry-1", Kind: domain.KindMessage, Body: "other body", ActorID: "tester"})
	if err != nil {
		t.Fatalf("retried create: %v", err)
	}
	if second.ID != first.ID || second.Payload.Body != first.Payload.Body {
		t.Fatalf("retry did not return existing record: %+v", second)
	}
	ids, _ := env.Store.ListIDs(env.Ctx, domain.CollectionIntake)
	if len(ids) != 1 {
		t.Fatalf("expected one record, got %v", ids)
	}
}

func TestClaimContention(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "contested")
	if _, err := env.Engine.Transition(env.Ctx, "contested", domain.StateIntake, domain.StateTriaged, "tester"); err != nil {
		t.Fatalf("to triaged: %v", err)
	}
	claim, err := env.Engine.Claim(env.Ctx, domain.StateTriaged, "contested", "w1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claim.OwnerID != "w1" || claim.From != domain.StateTriaged {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	_, err = env.Engine.Claim(env.Ctx, domain.StateTriaged, "contested", "w2")
	if !errors.Is(err, engine.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	// Complete validates against the claimed-from state and releases custody.
	rec, err := env.Engine.Complete(env.Ctx, "contested", "w1", domain.StatePlanned, "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != domain.StatePlanned || rec.ClaimedBy != "" {
		t.Fatalf("complete left claim bookkeeping: %+v", rec)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "race-item")
	const workers = 12
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Claim(env.Ctx, domain.StateIntake, "race-item", owner)
			if err == nil {
				wins <- owner
				return
			}
			if !errors.Is(err, engine.ErrAlreadyClaimed) {
				t.Errorf("unexpected claim error: %v", err)
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
		t.Fatalf("expected exactly one claim winner, got %v", winners)
	}
}

func TestReleaseReturnsToOrigin(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "rel-1")
	if _, err := env.Engine.Claim(env.Ctx, domain.StateIntake, "rel-1", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec, err := env.Engine.Release(env.Ctx, "rel-1", "w1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.Status != domain.StateIntake || rec.ClaimedBy != "" {
		t.Fatalf("release did not restore: %+v", rec)
	}
	if _, err := env.Store.Read(env.Ctx, domain.CollectionIntake, "rel-1"); err != nil {
		t.Fatalf("record not back in Intake: %v", err)
	}
}

func TestReclaimStaleClaims(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "stale-1")
	if _, err := env.Engine.Claim(env.Ctx, domain.StateIntake, "stale-1", "crashed-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Under the TTL nothing happens.
	env.advance(10 * time.Minute)
	n, err := env.Engine.ReclaimStale(env.Ctx, "janitor")
	if err != nil || n != 0 {
		t.Fatalf("premature reclaim: n=%d err=%v", n, err)
	}
	env.advance(25 * time.Minute)
	n, err = env.Engine.ReclaimStale(env.Ctx, "janitor")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	rec, err := env.Store.Read(env.Ctx, domain.CollectionIntake, "stale-1")
	if err != nil || rec.ClaimedBy != "" {
		t.Fatalf("record not restored: %+v %v", rec, err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{
		ID:      "ap-1",
		Action:  "send_email",
		To:      "alice@example.com",
		Body:    "draft reply",
		ActorID: "reasoner",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if rec.Status != domain.StatePendingApproval || rec.Kind != domain.KindApprovalRequest {
		t.Fatalf("unexpected approval record: %+v", rec)
	}
	wantExpiry := env.now.Add(24 * time.Hour).Format(time.RFC3339)
	if rec.ExpiresAt != wantExpiry {
		t.Fatalf("expires_at %s, want %s", rec.ExpiresAt, wantExpiry)
	}

	// Not yet approved, so not executable.
	verdict, _, err := env.Engine.CheckExecutable(env.Ctx, "ap-1", "executor")
	if err != nil || verdict != engine.VerdictNotApproved {
		t.Fatalf("verdict before approval: %s %v", verdict, err)
	}

	if _, err := env.Engine.Approve(env.Ctx, "ap-1", "human"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	verdict, _, err = env.Engine.CheckExecutable(env.Ctx, "ap-1", "executor")
	if err != nil || verdict != engine.VerdictExecutable {
		t.Fatalf("verdict after approval: %s %v", verdict, err)
	}

	// Past the window the verdict flips to expired, moves the record, and
	// stays expired forever after.
	env.advance(25 * time.Hour)
	for i := 0; i < 3; i++ {
		verdict, got, err := env.Engine.CheckExecutable(env.Ctx, "ap-1", "executor")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if verdict != engine.VerdictExpired {
			t.Fatalf("check %d: verdict %s, want expired", i, verdict)
		}
		if got.Status != domain.StateExpired {
			t.Fatalf("check %d: status %s", i, got.Status)
		}
	}
	if _, err := env.Store.Read(env.Ctx, domain.CollectionExpired, "ap-1"); err != nil {
		t.Fatalf("record not in Expired: %v", err)
	}
}

func TestApproveAfterExpiryFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{ID: "late", Action: "discord_reply", ActorID: "reasoner"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	env.advance(24*time.Hour + time.Minute)
	_, err := env.Engine.Approve(env.Ctx, "late", "human")
	if !errors.Is(err, engine.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := env.Store.Read(env.Ctx, domain.CollectionExpired, "late"); err != nil {
		t.Fatalf("late approval not expired: %v", err)
	}
}

func TestApprovalUnknownActionRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{Action: "rm_rf_slash", ActorID: "reasoner"})
	if err == nil {
		t.Fatalf("expected catalog rejection")
	}
}

func TestRejectThenResubmit(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{ID: "rj-1", Action: "draft_email", Body: "v1", ActorID: "reasoner"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := env.Engine.Reject(env.Ctx, "rj-1", "human")
	if err != nil || rec.Status != domain.StateRejected {
		t.Fatalf("reject: %+v %v", rec, err)
	}
	fresh, err := env.Engine.Resubmit(env.Ctx, "rj-1", "reasoner")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if fresh.ID == "rj-1" {
		t.Fatalf("resubmit reused the terminal id")
	}
	if fresh.Status != domain.StateIntake || fresh.Payload.Metadata["resubmitted_from"] != "rj-1" {
		t.Fatalf("unexpected resubmitted record: %+v", fresh)
	}
	// The approval fields come along, with a fresh window; the rejected
	// attempt's expiry does not.
	if fresh.Action != "draft_email" {
		t.Fatalf("resubmit dropped the action: %+v", fresh)
	}
	wantExpiry := env.now.Add(24 * time.Hour).Format(time.RFC3339)
	if fresh.ExpiresAt != wantExpiry {
		t.Fatalf("resubmitted expires_at %s, want %s", fresh.ExpiresAt, wantExpiry)
	}
	if err := fresh.Validate(); err != nil {
		t.Fatalf("resubmitted record malformed: %v", err)
	}
	// The rejected original stays terminal.
	if _, err := env.Store.Read(env.Ctx, domain.CollectionRejected, "rj-1"); err != nil {
		t.Fatalf("original left Rejected: %v", err)
	}
}

func TestExpiredRequestCannotBeApprovedViaTransition(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{ID: "tr-late", Action: "send_email", ActorID: "reasoner"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	env.advance(25 * time.Hour)
	_, err := env.Engine.Transition(env.Ctx, "tr-late", domain.StatePendingApproval, domain.StateApproved, "rogue")
	if !errors.Is(err, engine.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	rec, err := env.Store.Read(env.Ctx, domain.CollectionExpired, "tr-late")
	if err != nil {
		t.Fatalf("record not in Expired: %v", err)
	}
	if rec.Status != domain.StateExpired {
		t.Fatalf("status %s after expiry", rec.Status)
	}
}

func TestCompleteExpiresOverdueApproval(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{ID: "cl-late", Action: "send_email", ActorID: "reasoner"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "cl-late", "human"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, domain.StateApproved, "cl-late", "executor"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.advance(25 * time.Hour)
	_, err := env.Engine.Complete(env.Ctx, "cl-late", "executor", domain.StateDone, "executor")
	if !errors.Is(err, engine.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	rec, err := env.Store.Read(env.Ctx, domain.CollectionExpired, "cl-late")
	if err != nil {
		t.Fatalf("record not in Expired: %v", err)
	}
	if rec.ClaimedBy != "" || rec.Status != domain.StateExpired {
		t.Fatalf("expiry left claim bookkeeping: %+v", rec)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"sw-1", "sw-2"} {
		if _, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalOptions{ID: id, Action: "send_email", ActorID: "reasoner"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := env.Engine.Approve(env.Ctx, "sw-2", "human"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.advance(24*time.Hour + time.Second)
	n, err := env.Engine.SweepExpired(env.Ctx, "gate")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	for _, id := range []string{"sw-1", "sw-2"} {
		if _, err := env.Store.Read(env.Ctx, domain.CollectionExpired, id); err != nil {
			t.Fatalf("%s not expired: %v", id, err)
		}
	}
}

func TestQuarantineAndCounts(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "q-1")
	env.mustCreate(t, "q-2")
	if err := env.Engine.Quarantine(env.Ctx, domain.CollectionIntake, "q-1", "bad payload", "watcher"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	counts, err := env.Engine.Counts(env.Ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.CollectionIntake] != 1 || counts[domain.CollectionQuarantine] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
