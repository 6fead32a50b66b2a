// Package dashboard builds the derived, non-authoritative summary of the
// vault. Exactly one designated writer persists the snapshot; every other
// role contributes through append-only delta records in the Deltas
// collection, merged on the writer's schedule.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"

	"vaultline/internal/domain"
	"vaultline/internal/ledger"
	"vaultline/internal/store"
)

const (
	snapshotName  = "Dashboard.json"
	recentEntries = 20
)

// ErrNotWriter is returned when a non-designated role tries to persist the
// authoritative snapshot.
var ErrNotWriter = errors.New("not the designated dashboard writer")

type Aggregator struct {
	Store  store.Store
	Ledger *ledger.Ledger
	// Writer is the single role allowed to call Write.
	Writer string
	// VaultDir is where the snapshot file lands.
	VaultDir string
	Now      func() time.Time
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return a.Store.Now()
}

// Build scans every state collection, the claim namespaces, and the recent
// ledger tail into a fresh snapshot, then merges pending deltas. Building
// is read-only and any role may do it; only Write is restricted.
func (a Aggregator) Build(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{
		GeneratedAt: a.now().UTC().Format(time.RFC3339),
		Writer:      a.Writer,
		Counts:      make(map[string]int),
		Fields:      make(map[string]string),
	}
	for _, c := range domain.StateCollections {
		recs, malformed, err := a.Store.List(ctx, c)
		if err != nil {
			return snap, err
		}
		snap.Counts[c] = len(recs)
		for _, id := range malformed {
			snap.Alerts = append(snap.Alerts, fmt.Sprintf("malformed record %s in %s", id, c))
		}
		if c == domain.CollectionPendingApproval {
			snap.PendingApprovals = append(snap.PendingApprovals, recs...)
		}
	}
	if ids, err := a.Store.ListIDs(ctx, domain.CollectionQuarantine); err == nil {
		snap.Counts[domain.CollectionQuarantine] = len(ids)
		for _, id := range ids {
			snap.Alerts = append(snap.Alerts, fmt.Sprintf("quarantined record %s awaiting review", id))
		}
	}
	owners, err := a.Store.Subcollections(ctx, domain.CollectionClaims)
	if err != nil {
		return snap, err
	}
	for _, owner := range owners {
		recs, _, err := a.Store.List(ctx, domain.ClaimCollection(owner))
		if err != nil {
			return snap, err
		}
		for _, rec := range recs {
			snap.Claims = append(snap.Claims, domain.Claim{
				ItemID:    rec.ID,
				OwnerID:   owner,
				ClaimedAt: rec.ClaimedAt,
				From:      rec.ClaimedFrom,
			})
		}
	}
	if a.Ledger != nil {
		entries, err := a.Ledger.Tail(recentEntries)
		if err != nil {
			return snap, err
		}
		snap.RecentEntries = entries
		for _, e := range entries {
			if e.ActionType == "transition.illegal" {
				snap.Alerts = append(snap.Alerts, fmt.Sprintf("illegal transition attempted on %s (%s)", e.Target, e.ErrorDetail))
			}
		}
	}
	if err := a.mergeDeltas(ctx, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// SubmitDelta appends a delta record to the side channel. Any role may
// submit; nothing is merged until the writer's next build.
func (a Aggregator) SubmitDelta(ctx context.Context, author string, fields map[string]string) (domain.Delta, error) {
	if author == "" {
		return domain.Delta{}, fmt.Errorf("delta author required")
	}
	if len(fields) == 0 {
		return domain.Delta{}, fmt.Errorf("delta fields required")
	}
	d := domain.Delta{
		ID:        uuid.New().String(),
		Author:    author,
		CreatedAt: a.now().UTC().Format(time.RFC3339),
		Fields:    fields,
	}
	body, err := json.Marshal(d)
	if err != nil {
		return domain.Delta{}, err
	}
	rec := domain.Record{
		ID:        d.ID,
		Kind:      domain.KindMessage,
		Status:    domain.StateIntake,
		Priority:  domain.PriorityLow,
		Source:    author,
		CreatedAt: d.CreatedAt,
		Payload:   domain.Payload{Body: string(body)},
	}
	if err := a.Store.CreateExclusive(ctx, domain.CollectionDeltas, rec); err != nil {
		return domain.Delta{}, err
	}
	return d, nil
}

// mergeDeltas applies the delta log in creation order, last-applied-wins
// per field. Deltas are retained, so re-merging on the next build is
// idempotent. A delta missing required fields is dropped and flagged, it
// never corrupts the summary.
func (a Aggregator) mergeDeltas(ctx context.Context, snap *domain.Snapshot) error {
	recs, malformed, err := a.Store.List(ctx, domain.CollectionDeltas)
	if err != nil {
		return err
	}
	snap.DroppedDeltas += len(malformed)
	deltas := make([]domain.Delta, 0, len(recs))
	for _, rec := range recs {
		var d domain.Delta
		if err := json.Unmarshal([]byte(rec.Payload.Body), &d); err != nil || d.Author == "" || len(d.Fields) == 0 {
			snap.DroppedDeltas++
			snap.Alerts = append(snap.Alerts, fmt.Sprintf("dropped malformed dashboard delta %s", rec.ID))
			continue
		}
		deltas = append(deltas, d)
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].CreatedAt == deltas[j].CreatedAt {
			return deltas[i].ID < deltas[j].ID
		}
		return deltas[i].CreatedAt < deltas[j].CreatedAt
	})
	for _, d := range deltas {
		for k, v := range d.Fields {
			if k == "" {
				continue
			}
			snap.Fields[k] = v
		}
	}
	return nil
}

// Write persists the snapshot atomically. Only the designated writer may
// call it; everyone else submits deltas instead.
func (a Aggregator) Write(ctx context.Context, actorID string, snap domain.Snapshot) error {
	if actorID != a.Writer {
		return fmt.Errorf("%w: %s (writer is %s)", ErrNotWriter, actorID, a.Writer)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(a.VaultDir, snapshotName)
	tmp, err := os.CreateTemp(a.VaultDir, ".dashboard-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadSnapshot loads the last persisted snapshot, if any.
func ReadSnapshot(vaultDir string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	data, err := os.ReadFile(filepath.Join(vaultDir, snapshotName))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Render formats a snapshot as tables for terminal display.
func Render(snap domain.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vault dashboard (generated %s by %s)\n\n", snap.GeneratedAt, snap.Writer)

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Collection", "Items"})
	for _, c := range domain.StateCollections {
		tw.AppendRow(table.Row{c, snap.Counts[c]})
	}
	tw.AppendRow(table.Row{domain.CollectionQuarantine, snap.Counts[domain.CollectionQuarantine]})
	tw.AppendRow(table.Row{domain.CollectionClaims, len(snap.Claims)})
	b.WriteString(tw.Render())
	b.WriteString("\n")

	if len(snap.PendingApprovals) > 0 {
		b.WriteString("\nPending approvals:\n")
		aw := table.NewWriter()
		aw.AppendHeader(table.Row{"ID", "Action", "To", "Expires"})
		for _, r := range snap.PendingApprovals {
			aw.AppendRow(table.Row{r.ID, r.Action, r.To, r.ExpiresAt})
		}
		b.WriteString(aw.Render())
		b.WriteString("\n")
	}
	if len(snap.Alerts) > 0 {
		b.WriteString("\nAlerts:\n")
		for _, a := range snap.Alerts {
			fmt.Fprintf(&b, "  ! %s\n", a)
		}
	}
	if len(snap.Fields) > 0 {
		keys := make([]string, 0, len(snap.Fields))
		for k := range snap.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nNotes:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, snap.Fields[k])
		}
	}
	return b.String()
}
