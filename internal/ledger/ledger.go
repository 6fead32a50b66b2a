// Package ledger is the append-only audit trail: one NDJSON file per
// calendar day under Logs/. Every state transition and reported action
// outcome lands here and nothing is ever rewritten or removed.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
)

const (
	dirName      = "Logs"
	partitionExt = ".ndjson"
	filePerm     = 0o644
	dirPerm      = 0o755
)

var partitionRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Ledger appends entries to date-keyed partitions. Concurrent writers are
// safe: each entry is one marshaled line written with a single O_APPEND
// write, and readers drop an unterminated trailing line, so a torn entry
// is never surfaced.
type Ledger struct {
	Dir string
	Now func() time.Time
}

// Open returns a ledger rooted at the vault directory.
func Open(vaultDir string) (*Ledger, error) {
	dir := filepath.Join(vaultDir, dirName)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return &Ledger{Dir: dir, Now: time.Now}, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one entry to today's partition. The entry timestamp is
// filled in if the caller left it empty.
func (l *Ledger) Append(e domain.Entry) error {
	ts := l.now().UTC()
	if e.Timestamp == "" {
		e.Timestamp = ts.Format(time.RFC3339)
	}
	if e.Result == "" {
		e.Result = domain.ResultSuccess
	}
	return l.AppendTo(ts.Format("2006-01-02"), e)
}

// AppendTo writes one entry to the named partition.
func (l *Ledger) AppendTo(partition string, e domain.Entry) error {
	if !partitionRe.MatchString(partition) {
		return fmt.Errorf("bad partition key %q", partition)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return fmt.Errorf("ledger entry contains newline")
	}
	f, err := os.OpenFile(l.partitionPath(partition), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	// One write call per entry keeps concurrent appenders from interleaving.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Ledger) partitionPath(partition string) string {
	return filepath.Join(l.Dir, partition+partitionExt)
}

// Partitions lists available partition keys, oldest first.
func (l *Ledger) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		key := strings.TrimSuffix(name, partitionExt)
		if partitionRe.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Read returns all complete entries in a partition, in append order.
func (l *Ledger) Read(partition string) ([]domain.Entry, error) {
	if !partitionRe.MatchString(partition) {
		return nil, fmt.Errorf("bad partition key %q", partition)
	}
	data, err := os.ReadFile(l.partitionPath(partition))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.Entry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e domain.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// An in-flight append's partial line; later reads will see it
			// whole once the writer's single write lands.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Tail returns up to n of the most recent entries across partitions,
// newest last.
func (l *Ledger) Tail(n int) ([]domain.Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	keys, err := l.Partitions()
	if err != nil {
		return nil, err
	}
	var out []domain.Entry
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		entries, err := l.Read(keys[i])
		if err != nil {
			return nil, err
		}
		// Prepend whole partitions until we have enough, then trim.
		out = append(entries, out...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
