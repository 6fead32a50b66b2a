package domain

import (
	"fmt"
	"time"
)

// Workflow states. A record's Status mirrors the name of the collection it
// currently lives in; the collection is authoritative.
const (
	StateIntake          = "intake"
	StateTriaged         = "triaged"
	StatePlanned         = "planned"
	StatePendingApproval = "pending_approval"
	StateApproved        = "approved"
	StateRejected        = "rejected"
	StateExpired         = "expired"
	StateDone            = "done"
)

// Record kinds.
const (
	KindMessage         = "message"
	KindFileDrop        = "file_drop"
	KindPlan            = "plan"
	KindApprovalRequest = "approval_request"
)

// Priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Ledger entry results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPartial = "partial"
	ResultSkipped = "skipped"
)

// Collection names for the workflow states, plus the side collections.
const (
	CollectionIntake          = "Intake"
	CollectionTriaged         = "Triaged"
	CollectionPlanned         = "Planned"
	CollectionPendingApproval = "PendingApproval"
	CollectionApproved        = "Approved"
	CollectionRejected        = "Rejected"
	CollectionExpired         = "Expired"
	CollectionDone            = "Done"
	CollectionQuarantine      = "Quarantine"
	CollectionDeltas          = "Deltas"
	CollectionClaims          = "Claims"
)

// StateCollections lists the workflow collections in pipeline order.
var StateCollections = []string{
	CollectionIntake,
	CollectionTriaged,
	CollectionPlanned,
	CollectionPendingApproval,
	CollectionApproved,
	CollectionRejected,
	CollectionExpired,
	CollectionDone,
}

var stateToCollection = map[string]string{
	StateIntake:          CollectionIntake,
	StateTriaged:         CollectionTriaged,
	StatePlanned:         CollectionPlanned,
	StatePendingApproval: CollectionPendingApproval,
	StateApproved:        CollectionApproved,
	StateRejected:        CollectionRejected,
	StateExpired:         CollectionExpired,
	StateDone:            CollectionDone,
}

var collectionToState = func() map[string]string {
	m := make(map[string]string, len(stateToCollection))
	for s, c := range stateToCollection {
		m[c] = s
	}
	return m
}()

// CollectionFor maps a state name to its collection, or "" if unknown.
func CollectionFor(state string) string { return stateToCollection[state] }

// StateFor maps a collection name to its state, or "" for side collections.
func StateFor(collection string) string { return collectionToState[collection] }

// ClaimCollection returns the owner-scoped collection for claimed records.
// No component other than the owner reads it.
func ClaimCollection(ownerID string) string {
	return CollectionClaims + "/" + ownerID
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateDone, StateRejected, StateExpired:
		return true
	}
	return false
}

func ValidKind(kind string) bool {
	switch kind {
	case KindMessage, KindFileDrop, KindPlan, KindApprovalRequest:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func ValidState(state string) bool {
	_, ok := stateToCollection[state]
	return ok
}

// Payload carries the opaque content of a record plus structured metadata.
type Payload struct {
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Record is the durable form of a WorkItem. ApprovalRequest records are
// WorkItems of kind approval_request carrying the Action/To/ExpiresAt
// fields. The ID never changes across transitions.
type Record struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind" enum:"message,file_drop,plan,approval_request"`
	Status    string  `json:"status"`
	Priority  string  `json:"priority" enum:"low,normal,high,urgent"`
	Source    string  `json:"source,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at,omitempty" format:"date-time"`
	Payload   Payload `json:"payload"`

	// Approval request fields.
	Action       string `json:"action,omitempty"`
	To           string `json:"to,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty" format:"date-time"`
	LinkedItemID string `json:"linked_item_id,omitempty"`

	// Claim bookkeeping, set only while the record sits in an owner-scoped
	// collection.
	ClaimedBy   string `json:"claimed_by,omitempty"`
	ClaimedAt   string `json:"claimed_at,omitempty" format:"date-time"`
	ClaimedFrom string `json:"claimed_from,omitempty"`
}

// Validate checks structural correctness at the store boundary. A failure
// here means the record is quarantined, never propagated downstream.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record missing id")
	}
	if !ValidKind(r.Kind) {
		return fmt.Errorf("record %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Priority != "" && !ValidPriority(r.Priority) {
		return fmt.Errorf("record %s: unknown priority %q", r.ID, r.Priority)
	}
	if r.CreatedAt == "" {
		return fmt.Errorf("record %s: missing created_at", r.ID)
	}
	if _, err := time.Parse(time.RFC3339, r.CreatedAt); err != nil {
		return fmt.Errorf("record %s: bad created_at: %w", r.ID, err)
	}
	if r.Kind == KindApprovalRequest {
		if r.Action == "" {
			return fmt.Errorf("record %s: approval request missing action", r.ID)
		}
		if r.ExpiresAt == "" {
			return fmt.Errorf("record %s: approval request missing expires_at", r.ID)
		}
		exp, err := time.Parse(time.RFC3339, r.ExpiresAt)
		if err != nil {
			return fmt.Errorf("record %s: bad expires_at: %w", r.ID, err)
		}
		created, _ := time.Parse(time.RFC3339, r.CreatedAt)
		if !exp.After(created) {
			return fmt.Errorf("record %s: expires_at not after created_at", r.ID)
		}
	}
	return nil
}

// Expiry parses ExpiresAt; the zero time means no expiry is set.
func (r Record) Expiry() time.Time {
	if r.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Claim is the ephemeral ownership view of a claimed record.
type Claim struct {
	ItemID    string `json:"item_id"`
	OwnerID   string `json:"owner_id"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
	From      string `json:"from"`
}

// Entry is one immutable audit ledger line.
type Entry struct {
	Timestamp   string            `json:"timestamp" format:"date-time"`
	ActionType  string            `json:"action_type"`
	Actor       string            `json:"actor"`
	Target      string            `json:"target,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      string            `json:"result" enum:"success,failure,partial,skipped"`
	ErrorDetail string            `json:"error_detail,omitempty"`
}

// Snapshot is the derived dashboard aggregate. It has no identity of its
// own and is fully rebuildable from the collections and the ledger.
type Snapshot struct {
	GeneratedAt      string            `json:"generated_at" format:"date-time"`
	Writer           string            `json:"writer"`
	Counts           map[string]int    `json:"counts"`
	Claims           []Claim           `json:"claims,omitempty"`
	PendingApprovals []Record          `json:"pending_approvals,omitempty"`
	RecentEntries    []Entry           `json:"recent_entries,omitempty"`
	Alerts           []string          `json:"alerts,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
	DroppedDeltas    int               `json:"dropped_deltas,omitempty"`
}

// Delta is a peer-submitted dashboard contribution. Only the designated
// writer merges deltas; everyone else just appends them.
type Delta struct {
	ID        string            `json:"id"`
	Author    string            `json:"author"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	Fields    map[string]string `json:"fields"`
}
