package server

import "vaultline/internal/domain"

// CreateIntakeRequest is the idempotent creation body used by perception
// adapters. Posting the same id twice returns the existing record.
type CreateIntakeRequest struct {
	ID       string            `json:"id,omitempty" doc:"Stable id supplied by the producer for idempotent retries"`
	Kind     string            `json:"kind,omitempty" enum:"message,file_drop,plan,approval_request"`
	Priority string            `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Source   string            `json:"source,omitempty"`
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TransitionRequest moves an item between two named states.
type TransitionRequest struct {
	From string `json:"from" enum:"intake,triaged,planned,pending_approval,approved,rejected,expired,done"`
	To   string `json:"to" enum:"intake,triaged,planned,pending_approval,approved,rejected,expired,done"`
}

// ClaimRequest takes exclusive custody of an item.
type ClaimRequest struct {
	State string `json:"state" doc:"State collection to claim from"`
	Owner string `json:"owner,omitempty" doc:"Defaults to the authenticated actor"`
}

// CompleteRequest finishes a claim by moving the item onward.
type CompleteRequest struct {
	Owner string `json:"owner,omitempty"`
	To    string `json:"to"`
}

// CreateApprovalRequest opens a time-bounded approval window.
type CreateApprovalRequest struct {
	ID           string            `json:"id,omitempty"`
	Action       string            `json:"action"`
	To           string            `json:"to,omitempty"`
	LinkedItemID string            `json:"linked_item_id,omitempty"`
	Priority     string            `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Source       string            `json:"source,omitempty"`
	Body         string            `json:"body,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// VerdictResponse answers "may this approval still be acted on".
type VerdictResponse struct {
	Verdict string        `json:"verdict" enum:"executable,expired,not_approved"`
	Record  domain.Record `json:"record"`
}

// LedgerAppendRequest lets executors report action outcomes.
type LedgerAppendRequest struct {
	ActionType  string            `json:"action_type"`
	Target      string            `json:"target,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      string            `json:"result" enum:"success,failure,partial,skipped"`
	ErrorDetail string            `json:"error_detail,omitempty"`
}

// DeltaRequest submits a dashboard delta to the side channel.
type DeltaRequest struct {
	Fields map[string]string `json:"fields"`
}

// ItemResponse pairs a record with the collection currently holding it.
type ItemResponse struct {
	Collection string        `json:"collection"`
	Record     domain.Record `json:"record"`
}

// CollectionResponse is a snapshot listing of one collection.
type CollectionResponse struct {
	Collection string          `json:"collection"`
	Items      []domain.Record `json:"items"`
	Malformed  []string        `json:"malformed,omitempty"`
}

// StatusResponse summarizes the vault.
type StatusResponse struct {
	Counts map[string]int `json:"counts"`
}

// ReclaimResponse reports how many stale claims went back to their origin
// collections.
type ReclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// SweepResponse reports how many approval requests a sweep expired.
type SweepResponse struct {
	Expired int `json:"expired"`
}
