// Package engine validates and performs workflow transitions, mediates
// claims between contending workers, and gates approvals on expiry. Every
// mutation goes through the store's atomic primitives and emits exactly one
// ledger entry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/ledger"
	"vaultline/internal/store"
)

// Contention and protocol errors. ErrAlreadyClaimed wraps store.ErrNotFound
// so the losing racer can treat either the same way.
var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrExpired           = errors.New("approval expired")
)

type Engine struct {
	Store  store.Store
	Ledger *ledger.Ledger
	Config *config.Config
	// Now overrides the store clock, for tests only. Production expiry
	// decisions always come from the shared store clock.
	Now func() time.Time
}

func New(s store.Store, l *ledger.Ledger, cfg *config.Config) Engine {
	return Engine{Store: s, Ledger: l, Config: cfg}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return e.Store.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ensureTransition is the single authoritative transition graph. Every
// producer and consumer goes through it; anything else is a protocol error.
func ensureTransition(from, to string) error {
	switch from {
	case domain.StateIntake:
		if to == domain.StateTriaged {
			return nil
		}
	case domain.StateTriaged:
		if to == domain.StatePlanned || to == domain.StateDone {
			return nil
		}
	case domain.StatePlanned:
		if to == domain.StatePendingApproval || to == domain.StateDone {
			return nil
		}
	case domain.StatePendingApproval:
		if to == domain.StateApproved || to == domain.StateRejected || to == domain.StateExpired {
			return nil
		}
	case domain.StateApproved:
		if to == domain.StateDone || to == domain.StateExpired {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	ID       string
	Kind     string
	Priority string
	Source   string
	Body     string
	Metadata map[string]string
	ActorID  string
}

// CreateItem creates a record in Intake. Creation is idempotent: a retrying
// producer that hits an existing id gets the existing record back, not an
// error.
func (e Engine) CreateItem(ctx context.Context, opts CreateOptions) (domain.Record, error) {
	if opts.Kind == "" {
		opts.Kind = domain.KindMessage
	}
	if !domain.ValidKind(opts.Kind) {
		return domain.Record{}, fmt.Errorf("unknown kind %q", opts.Kind)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Record{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rec := domain.Record{
		ID:        id,
		Kind:      opts.Kind,
		Status:    domain.StateIntake,
		Priority:  opts.Priority,
		Source:    opts.Source,
		CreatedAt: e.nowString(),
		Payload:   domain.Payload{Body: opts.Body, Metadata: opts.Metadata},
	}
	if err := e.Store.CreateExclusive(ctx, domain.CollectionIntake, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, readErr := e.Store.Read(ctx, domain.CollectionIntake, id)
			if readErr == nil {
				return existing, nil
			}
			// Already moved past Intake; still idempotent success.
			if found, _, findErr := e.FindItem(ctx, id); findErr == nil {
				return found, nil
			}
			return rec, nil
		}
		return domain.Record{}, err
	}
	e.audit(domain.Entry{
		ActionType: "item.created",
		Actor:      actorOr(opts.ActorID, opts.Source),
		Target:     id,
		Parameters: map[string]string{"kind": rec.Kind, "priority": rec.Priority},
		Result:     domain.ResultSuccess,
	})
	return rec, nil
}

// FindItem scans the state collections, Quarantine, and claim namespaces
// for an id. Returns the record and the collection holding it.
func (e Engine) FindItem(ctx context.Context, id string) (domain.Record, string, error) {
	collections := append([]string{}, domain.StateCollections...)
	collections = append(collections, domain.CollectionQuarantine)
	owners, err := e.Store.Subcollections(ctx, domain.CollectionClaims)
	if err != nil {
		return domain.Record{}, "", err
	}
	for _, o := range owners {
		collections = append(collections, domain.ClaimCollection(o))
	}
	for _, c := range collections {
		rec, err := e.Store.Read(ctx, c, id)
		if err == nil {
			return rec, c, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if errors.Is(err, store.ErrMalformed) {
			return rec, c, err
		}
		return domain.Record{}, "", err
	}
	return domain.Record{}, "", fmt.Errorf("item %s: %w", id, store.ErrNotFound)
}

// Transition validates and performs a state change as one atomic move, then
// refreshes the record's status field. The move is the arbiter: a crash
// either completes it or leaves the record where it was, never in between.
func (e Engine) Transition(ctx context.Context, id, from, to, actorID string) (domain.Record, error) {
	if !domain.ValidState(from) || !domain.ValidState(to) {
		return domain.Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if err := ensureTransition(from, to); err != nil {
		// Protocol errors are never silently dropped: ledger them and flag
		// for the dashboard's alert section.
		e.audit(domain.Entry{
			ActionType:  "transition.illegal",
			Actor:       actorID,
			Target:      id,
			Parameters:  map[string]string{"from": from, "to": to},
			Result:      domain.ResultFailure,
			ErrorDetail: err.Error(),
		})
		return domain.Record{}, err
	}
	// An approval request past its window may only move to Expired, no
	// matter which path asked. Approve/Reject share this rule; enforcing it
	// here keeps the graph authoritative for generic callers too.
	if to != domain.StateExpired {
		if cur, err := e.Store.Read(ctx, domain.CollectionFor(from), id); err == nil && e.pastExpiry(cur) {
			if err := e.expire(ctx, from, cur, actorID); err != nil {
				return domain.Record{}, err
			}
			return domain.Record{}, fmt.Errorf("approval %s: %w", id, ErrExpired)
		}
	}
	if err := e.Store.Move(ctx, domain.CollectionFor(from), domain.CollectionFor(to), id); err != nil {
		return domain.Record{}, err
	}
	rec, err := e.refreshStatus(ctx, domain.CollectionFor(to), id, to)
	if err != nil {
		return domain.Record{}, err
	}
	e.audit(domain.Entry{
		ActionType: "item.transitioned",
		Actor:      actorID,
		Target:     id,
		Parameters: map[string]string{"from": from, "to": to},
		Result:     domain.ResultSuccess,
	})
	return rec, nil
}

// refreshStatus rewrites the advisory status field after a move. The
// mover holds sole custody of the record at this point, so the
// last-writer-wins update is safe. Location stays authoritative if a crash
// lands between the move and the rewrite.
func (e Engine) refreshStatus(ctx context.Context, collection, id, state string) (domain.Record, error) {
	return e.Store.Update(ctx, collection, id, func(r *domain.Record) error {
		r.Status = state
		r.UpdatedAt = e.nowString()
		return nil
	})
}

// Claim takes exclusive custody of an item by moving it out of a shared
// state collection into the owner's namespace. Losing the race is the
// expected outcome for all but one contender and surfaces as
// ErrAlreadyClaimed; the loser abandons, it never retries the same claim.
func (e Engine) Claim(ctx context.Context, state, id, ownerID string) (domain.Claim, error) {
	if !domain.ValidState(state) {
		return domain.Claim{}, fmt.Errorf("unknown state %q", state)
	}
	if domain.IsTerminal(state) {
		return domain.Claim{}, fmt.Errorf("%w: cannot claim from terminal state %s", ErrIllegalTransition, state)
	}
	if ownerID == "" {
		return domain.Claim{}, fmt.Errorf("owner id required")
	}
	from := domain.CollectionFor(state)
	dest := domain.ClaimCollection(ownerID)
	if err := e.Store.Move(ctx, from, dest, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Claim{}, fmt.Errorf("%s/%s: %w", from, id, ErrAlreadyClaimed)
		}
		return domain.Claim{}, err
	}
	now := e.nowString()
	if _, err := e.Store.Update(ctx, dest, id, func(r *domain.Record) error {
		r.ClaimedBy = ownerID
		r.ClaimedAt = now
		r.ClaimedFrom = state
		r.UpdatedAt = now
		return nil
	}); err != nil {
		return domain.Claim{}, err
	}
	e.audit(domain.Entry{
		ActionType: "item.claimed",
		Actor:      ownerID,
		Target:     id,
		Parameters: map[string]string{"from": state},
		Result:     domain.ResultSuccess,
	})
	return domain.Claim{ItemID: id, OwnerID: ownerID, ClaimedAt: now, From: state}, nil
}

// Release returns a claimed item to the collection it was claimed from,
// the failure/timeout path of the claim protocol.
func (e Engine) Release(ctx context.Context, id, ownerID string) (domain.Record, error) {
	col := domain.ClaimCollection(ownerID)
	rec, err := e.Store.Read(ctx, col, id)
	if err != nil {
		return domain.Record{}, err
	}
	back := rec.ClaimedFrom
	if back == "" {
		back = domain.StateIntake
	}
	if err := e.Store.Move(ctx, col, domain.CollectionFor(back), id); err != nil {
		return domain.Record{}, err
	}
	rec, err = e.Store.Update(ctx, domain.CollectionFor(back), id, func(r *domain.Record) error {
		r.Status = back
		r.ClaimedBy = ""
		r.ClaimedAt = ""
		r.ClaimedFrom = ""
		r.UpdatedAt = e.nowString()
		return nil
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.audit(domain.Entry{
		ActionType: "claim.released",
		Actor:      ownerID,
		Target:     id,
		Parameters: map[string]string{"to": back},
		Result:     domain.ResultSuccess,
	})
	return rec, nil
}

// Complete moves a claimed item onward to its next state, which implicitly
// releases the claim. The transition is validated against the state the
// item was claimed from.
func (e Engine) Complete(ctx context.Context, id, ownerID, to string, actorID string) (domain.Record, error) {
	col := domain.ClaimCollection(ownerID)
	rec, err := e.Store.Read(ctx, col, id)
	if err != nil {
		return domain.Record{}, err
	}
	from := rec.ClaimedFrom
	if from == "" {
		from = rec.Status
	}
	if err := ensureTransition(from, to); err != nil {
		e.audit(domain.Entry{
			ActionType:  "transition.illegal",
			Actor:       actorOr(actorID, ownerID),
			Target:      id,
			Parameters:  map[string]string{"from": from, "to": to},
			Result:      domain.ResultFailure,
			ErrorDetail: err.Error(),
		})
		return domain.Record{}, err
	}
	// A claimed approval request whose window closed resolves to Expired
	// instead of wherever the claim holder wanted it.
	if to != domain.StateExpired && e.pastExpiry(rec) {
		if err := e.Store.Move(ctx, col, domain.CollectionExpired, id); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return domain.Record{}, err
			}
		} else {
			if _, err := e.Store.Update(ctx, domain.CollectionExpired, id, func(r *domain.Record) error {
				r.Status = domain.StateExpired
				r.ClaimedBy = ""
				r.ClaimedAt = ""
				r.ClaimedFrom = ""
				r.UpdatedAt = e.nowString()
				return nil
			}); err != nil {
				return domain.Record{}, err
			}
			e.audit(domain.Entry{
				ActionType: "approval.expired",
				Actor:      actorOr(actorID, ownerID),
				Target:     id,
				Parameters: map[string]string{"from": from, "action": rec.Action, "expires_at": rec.ExpiresAt},
				Result:     domain.ResultSkipped,
			})
		}
		return domain.Record{}, fmt.Errorf("approval %s: %w", id, ErrExpired)
	}
	if err := e.Store.Move(ctx, col, domain.CollectionFor(to), id); err != nil {
		return domain.Record{}, err
	}
	rec, err = e.Store.Update(ctx, domain.CollectionFor(to), id, func(r *domain.Record) error {
		r.Status = to
		r.ClaimedBy = ""
		r.ClaimedAt = ""
		r.ClaimedFrom = ""
		r.UpdatedAt = e.nowString()
		return nil
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.audit(domain.Entry{
		ActionType: "item.transitioned",
		Actor:      actorOr(actorID, ownerID),
		Target:     id,
		Parameters: map[string]string{"from": from, "to": to, "claim": ownerID},
		Result:     domain.ResultSuccess,
	})
	return rec, nil
}

// ReclaimStale sweeps claims older than the configured TTL back to their
// origin collections. The source system never defined crash recovery for
// claims; this TTL policy is ours, and it is only safe because a claim
// holder past the TTL must treat its custody as lost.
func (e Engine) ReclaimStale(ctx context.Context, actorID string) (int, error) {
	ttl := config.DefaultClaimTTL
	if e.Config != nil && e.Config.Claims.TTL > 0 {
		ttl = time.Duration(e.Config.Claims.TTL)
	}
	owners, err := e.Store.Subcollections(ctx, domain.CollectionClaims)
	if err != nil {
		return 0, err
	}
	now := e.now()
	reclaimed := 0
	for _, owner := range owners {
		col := domain.ClaimCollection(owner)
		recs, _, err := e.Store.List(ctx, col)
		if err != nil {
			return reclaimed, err
		}
		for _, rec := range recs {
			claimedAt, err := time.Parse(time.RFC3339, rec.ClaimedAt)
			if err != nil || now.Sub(claimedAt) < ttl {
				continue
			}
			back := rec.ClaimedFrom
			if back == "" {
				back = domain.StateIntake
			}
			if err := e.Store.Move(ctx, col, domain.CollectionFor(back), rec.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return reclaimed, err
			}
			if _, err := e.Store.Update(ctx, domain.CollectionFor(back), rec.ID, func(r *domain.Record) error {
				r.Status = back
				r.ClaimedBy = ""
				r.ClaimedAt = ""
				r.ClaimedFrom = ""
				r.UpdatedAt = e.nowString()
				return nil
			}); err != nil {
				return reclaimed, err
			}
			reclaimed++
			e.audit(domain.Entry{
				ActionType: "claim.reclaimed",
				Actor:      actorID,
				Target:     rec.ID,
				Parameters: map[string]string{"owner": owner, "to": back},
				Result:     domain.ResultSuccess,
			})
		}
	}
	return reclaimed, nil
}

// Resubmit creates a fresh Intake record derived from a rejected one. The
// rejected record itself is terminal and stays where it is.
func (e Engine) Resubmit(ctx context.Context, id, actorID string) (domain.Record, error) {
	orig, err := e.Store.Read(ctx, domain.CollectionRejected, id)
	if err != nil {
		return domain.Record{}, err
	}
	meta := map[string]string{}
	for k, v := range orig.Payload.Metadata {
		meta[k] = v
	}
	meta["resubmitted_from"] = orig.ID
	now := e.now().UTC()
	rec := domain.Record{
		ID:        uuid.New().String(),
		Kind:      orig.Kind,
		Status:    domain.StateIntake,
		Priority:  orig.Priority,
		Source:    orig.Source,
		CreatedAt: now.Format(time.RFC3339),
		Payload:   domain.Payload{Body: orig.Payload.Body, Metadata: meta},
	}
	if orig.Kind == domain.KindApprovalRequest {
		// The old window belonged to the rejected attempt; the new record
		// gets a fresh one from the store clock.
		rec.Action = orig.Action
		rec.To = orig.To
		rec.LinkedItemID = orig.LinkedItemID
		rec.ExpiresAt = now.Add(e.approvalTTL()).Format(time.RFC3339)
	}
	if err := e.Store.CreateExclusive(ctx, domain.CollectionIntake, rec); err != nil {
		return domain.Record{}, err
	}
	e.audit(domain.Entry{
		ActionType: "item.resubmitted",
		Actor:      actorID,
		Target:     rec.ID,
		Parameters: map[string]string{"from": orig.ID},
		Result:     domain.ResultSuccess,
	})
	return rec, nil
}

// Quarantine moves a malformed record out of circulation for human review.
func (e Engine) Quarantine(ctx context.Context, collection, id, reason, actorID string) error {
	if err := e.Store.Move(ctx, collection, domain.CollectionQuarantine, id); err != nil {
		return err
	}
	e.audit(domain.Entry{
		ActionType:  "record.quarantined",
		Actor:       actorID,
		Target:      id,
		Parameters:  map[string]string{"from": collection},
		Result:      domain.ResultFailure,
		ErrorDetail: reason,
	})
	return nil
}

// Counts tallies records per state collection, plus Quarantine and claims.
func (e Engine) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, c := range append(append([]string{}, domain.StateCollections...), domain.CollectionQuarantine) {
		ids, err := e.Store.ListIDs(ctx, c)
		if err != nil {
			return nil, err
		}
		counts[c] = len(ids)
	}
	owners, err := e.Store.Subcollections(ctx, domain.CollectionClaims)
	if err != nil {
		return nil, err
	}
	claimed := 0
	for _, o := range owners {
		ids, err := e.Store.ListIDs(ctx, domain.ClaimCollection(o))
		if err != nil {
			return nil, err
		}
		claimed += len(ids)
	}
	counts[domain.CollectionClaims] = claimed
	return counts, nil
}

// audit appends to the ledger, best effort: a ledger write failure must not
// roll back a move that already happened, but it must not pass silently
// either.
func (e Engine) audit(entry domain.Entry) {
	if e.Ledger == nil {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = e.nowString()
	}
	if err := e.Ledger.Append(entry); err != nil {
		log.Printf("ledger append failed: %v", err)
	}
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}
