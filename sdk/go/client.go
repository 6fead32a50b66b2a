package vaultlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vaultline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Record represents the API work item model (partial).
type Record struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	Source       string            `json:"source,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
	Action       string            `json:"action,omitempty"`
	To           string            `json:"to,omitempty"`
	ExpiresAt    string            `json:"expires_at,omitempty"`
	LinkedItemID string            `json:"linked_item_id,omitempty"`
	Payload      Payload           `json:"payload"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Payload carries record content.
type Payload struct {
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Claim is an item held in an owner's namespace.
type Claim struct {
	ItemID    string `json:"item_id"`
	OwnerID   string `json:"owner_id"`
	ClaimedAt string `json:"claimed_at"`
	From      string `json:"from"`
}

// Entry is one audit ledger line.
type Entry struct {
	Timestamp   string            `json:"timestamp"`
	ActionType  string            `json:"action_type"`
	Actor       string            `json:"actor"`
	Target      string            `json:"target,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Result      string            `json:"result"`
	ErrorDetail string            `json:"error_detail,omitempty"`
}

// Verdict answers whether an approval may still be acted on.
type Verdict struct {
	Verdict string `json:"verdict"`
	Record  Record `json:"record"`
}

// Item pairs a record with the collection holding it.
type Item struct {
	Collection string `json:"collection"`
	Record     Record `json:"record"`
}

// Snapshot is the dashboard aggregate (partial).
type Snapshot struct {
	GeneratedAt      string            `json:"generated_at"`
	Writer           string            `json:"writer"`
	Counts           map[string]int    `json:"counts"`
	Claims           []Claim           `json:"claims,omitempty"`
	PendingApprovals []Record          `json:"pending_approvals,omitempty"`
	Alerts           []string          `json:"alerts,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIntake creates a work item in Intake. Passing a stable id makes
// retries idempotent.
func (c *Client) CreateIntake(ctx context.Context, id, kind, source, body string, metadata map[string]string) (Record, error) {
	req := map[string]any{
		"id":       id,
		"kind":     kind,
		"source":   source,
		"body":     body,
		"metadata": metadata,
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/intake", req, &resp)
	return resp, err
}

// GetItem locates an item across collections.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition moves an item between states.
func (c *Client) Transition(ctx context.Context, id, from, to string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/items/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"from": from, "to": to}, &resp)
	return resp, err
}

// Claim takes exclusive custody of an item in the given state.
func (c *Client) Claim(ctx context.Context, id, state string) (Claim, error) {
	var resp Claim
	endpoint := fmt.Sprintf("v0/items/%s/claim", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"state": state}, &resp)
	return resp, err
}

// Release returns a claimed item to its origin state.
func (c *Client) Release(ctx context.Context, id string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/items/%s/release", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{}, &resp)
	return resp, err
}

// Complete finishes a claim by moving the item to the given state.
func (c *Client) Complete(ctx context.Context, id, to string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/items/%s/complete", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"to": to}, &resp)
	return resp, err
}

// CreateApproval opens a time-bounded approval request.
func (c *Client) CreateApproval(ctx context.Context, action, to, linkedItemID, body string) (Record, error) {
	req := map[string]any{
		"action":         action,
		"to":             to,
		"linked_item_id": linkedItemID,
		"body":           body,
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v0/approvals", req, &resp)
	return resp, err
}

// Approve grants a pending approval.
func (c *Client) Approve(ctx context.Context, id string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/approvals/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{}, &resp)
	return resp, err
}

// Reject rejects a pending approval.
func (c *Client) Reject(ctx context.Context, id string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/approvals/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{}, &resp)
	return resp, err
}

// CheckExecutable asks whether an approval may still be executed. Call this
// immediately before acting; the verdict can flip to expired at any time.
func (c *Client) CheckExecutable(ctx context.Context, id string) (Verdict, error) {
	var resp Verdict
	endpoint := fmt.Sprintf("v0/approvals/%s/executable", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{}, &resp)
	return resp, err
}

// AppendLedger reports an action outcome to the audit ledger.
func (c *Client) AppendLedger(ctx context.Context, actionType, target, result string, parameters map[string]string, errorDetail string) (Entry, error) {
	req := map[string]any{
		"action_type":  actionType,
		"target":       target,
		"result":       result,
		"parameters":   parameters,
		"error_detail": errorDetail,
	}
	var resp Entry
	err := c.do(ctx, http.MethodPost, "v0/ledger", req, &resp)
	return resp, err
}

// LedgerPartition reads one day's ledger entries (date in YYYY-MM-DD).
func (c *Client) LedgerPartition(ctx context.Context, date string) ([]Entry, error) {
	var resp struct {
		Entries []Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "v0/ledger/"+url.PathEscape(date), nil, &resp)
	return resp.Entries, err
}

// Dashboard builds a fresh snapshot.
func (c *Client) Dashboard(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "v0/dashboard", nil, &resp)
	return resp, err
}

// SubmitDelta contributes fields to the dashboard side channel.
func (c *Client) SubmitDelta(ctx context.Context, fields map[string]string) error {
	return c.do(ctx, http.MethodPost, "v0/dashboard/deltas", map[string]any{"fields": fields}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
