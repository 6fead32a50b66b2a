package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/store"
)

// Verdicts from CheckExecutable.
const (
	VerdictExecutable  = "executable"
	VerdictExpired     = "expired"
	VerdictNotApproved = "not_approved"
)

// ApprovalOptions are parameters for creating an approval request.
type ApprovalOptions struct {
	ID           string
	Action       string
	To           string
	LinkedItemID string
	Priority     string
	Source       string
	Body         string
	Metadata     map[string]string
	ActorID      string
}

// CreateApproval creates an approval_request record in PendingApproval.
// expires_at is fixed at creation from the store clock plus the configured
// window and never changes afterwards.
func (e Engine) CreateApproval(ctx context.Context, opts ApprovalOptions) (domain.Record, error) {
	if opts.Action == "" {
		return domain.Record{}, fmt.Errorf("action is required")
	}
	if e.Config != nil && !e.Config.ValidAction(opts.Action) {
		return domain.Record{}, fmt.Errorf("action %q not in catalog", opts.Action)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC()
	rec := domain.Record{
		ID:           id,
		Kind:         domain.KindApprovalRequest,
		Status:       domain.StatePendingApproval,
		Priority:     opts.Priority,
		Source:       opts.Source,
		CreatedAt:    now.Format(time.RFC3339),
		Payload:      domain.Payload{Body: opts.Body, Metadata: opts.Metadata},
		Action:       opts.Action,
		To:           opts.To,
		ExpiresAt:    now.Add(e.approvalTTL()).Format(time.RFC3339),
		LinkedItemID: opts.LinkedItemID,
	}
	if err := e.Store.CreateExclusive(ctx, domain.CollectionPendingApproval, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, readErr := e.Store.Read(ctx, domain.CollectionPendingApproval, id)
			if readErr == nil {
				return existing, nil
			}
		}
		return domain.Record{}, err
	}
	e.audit(domain.Entry{
		ActionType: "approval.requested",
		Actor:      actorOr(opts.ActorID, opts.Source),
		Target:     id,
		Parameters: map[string]string{"action": rec.Action, "to": rec.To, "expires_at": rec.ExpiresAt},
		Result:     domain.ResultSuccess,
	})
	return rec, nil
}

// Approve grants a pending request. A request past its expiry can only
// become Expired, never Approved, no matter when the human clicks.
func (e Engine) Approve(ctx context.Context, id, actorID string) (domain.Record, error) {
	rec, err := e.Store.Read(ctx, domain.CollectionPendingApproval, id)
	if err != nil {
		return domain.Record{}, err
	}
	if e.pastExpiry(rec) {
		if err := e.expire(ctx, domain.StatePendingApproval, rec, actorID); err != nil {
			return domain.Record{}, err
		}
		return domain.Record{}, fmt.Errorf("approval %s: %w", id, ErrExpired)
	}
	return e.Transition(ctx, id, domain.StatePendingApproval, domain.StateApproved, actorID)
}

// Reject cancels a pending request. Accepted at any point before Approved;
// once the request is past expiry it resolves to Expired instead.
func (e Engine) Reject(ctx context.Context, id, actorID string) (domain.Record, error) {
	rec, err := e.Store.Read(ctx, domain.CollectionPendingApproval, id)
	if err != nil {
		return domain.Record{}, err
	}
	if e.pastExpiry(rec) {
		if err := e.expire(ctx, domain.StatePendingApproval, rec, actorID); err != nil {
			return domain.Record{}, err
		}
		return domain.Record{}, fmt.Errorf("approval %s: %w", id, ErrExpired)
	}
	return e.Transition(ctx, id, domain.StatePendingApproval, domain.StateRejected, actorID)
}

// CheckExecutable decides whether an approval may still be acted on.
// Executable only when the record sits in Approved and the store clock is
// before expires_at. Expiry is enforced by the same atomic move that
// reports it, so two racing executors cannot both see an expired request
// as executable: the loser of the move re-reads from Expired and gets the
// same verdict. Once expired, every later call answers Expired.
func (e Engine) CheckExecutable(ctx context.Context, id, actorID string) (string, domain.Record, error) {
	for _, state := range []string{domain.StateApproved, domain.StatePendingApproval} {
		rec, err := e.Store.Read(ctx, domain.CollectionFor(state), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", domain.Record{}, err
		}
		if e.pastExpiry(rec) {
			if err := e.expire(ctx, state, rec, actorID); err != nil {
				return "", domain.Record{}, err
			}
			expired, err := e.Store.Read(ctx, domain.CollectionExpired, id)
			if err != nil {
				expired = rec
				expired.Status = domain.StateExpired
			}
			return VerdictExpired, expired, nil
		}
		if state == domain.StateApproved {
			return VerdictExecutable, rec, nil
		}
		return VerdictNotApproved, rec, nil
	}
	// Terminal locations answer without mutating anything.
	if rec, err := e.Store.Read(ctx, domain.CollectionExpired, id); err == nil {
		return VerdictExpired, rec, nil
	}
	rec, _, err := e.FindItem(ctx, id)
	if err != nil {
		return "", domain.Record{}, err
	}
	return VerdictNotApproved, rec, nil
}

// SweepExpired walks PendingApproval and Approved and expires every
// request whose window has passed. Returns how many were expired.
func (e Engine) SweepExpired(ctx context.Context, actorID string) (int, error) {
	expired := 0
	for _, state := range []string{domain.StatePendingApproval, domain.StateApproved} {
		recs, _, err := e.Store.List(ctx, domain.CollectionFor(state))
		if err != nil {
			return expired, err
		}
		for _, rec := range recs {
			if rec.Kind != domain.KindApprovalRequest || !e.pastExpiry(rec) {
				continue
			}
			if err := e.expire(ctx, state, rec, actorID); err != nil {
				return expired, err
			}
			expired++
		}
	}
	return expired, nil
}

// approvalTTL is the configured approval window.
func (e Engine) approvalTTL() time.Duration {
	if e.Config != nil && e.Config.Approvals.TTL > 0 {
		return time.Duration(e.Config.Approvals.TTL)
	}
	return config.DefaultApprovalTTL
}

// pastExpiry compares against the store clock. A request with a missing or
// unparseable expiry fails closed: ambiguity never grants execution time.
func (e Engine) pastExpiry(rec domain.Record) bool {
	if rec.Kind != domain.KindApprovalRequest {
		return false
	}
	exp := rec.Expiry()
	if exp.IsZero() {
		return true
	}
	return !e.now().Before(exp)
}

// expire performs the atomic move to Expired. Losing the move to a racer
// is fine: the request ended up expired either way.
func (e Engine) expire(ctx context.Context, from string, rec domain.Record, actorID string) error {
	err := e.Store.Move(ctx, domain.CollectionFor(from), domain.CollectionExpired, rec.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := e.refreshStatus(ctx, domain.CollectionExpired, rec.ID, domain.StateExpired); err != nil {
		return err
	}
	e.audit(domain.Entry{
		ActionType: "approval.expired",
		Actor:      actorOr(actorID, "approval-gate"),
		Target:     rec.ID,
		Parameters: map[string]string{"from": from, "action": rec.Action, "expires_at": rec.ExpiresAt},
		Result:     domain.ResultSkipped,
	})
	return nil
}
