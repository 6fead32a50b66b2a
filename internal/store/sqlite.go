package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vaultline/internal/domain"
	"vaultline/internal/store/migrate"
)

const defaultDBName = "vaultline.db"

// SQL implements Store on SQLite. The PRIMARY KEY on id keeps a record in
// exactly one collection, and Move is a conditional UPDATE checked through
// RowsAffected: the database's row-level atomicity is the arbiter, same
// contract as the filesystem rename.
type SQL struct {
	DB *sql.DB
}

// OpenSQL opens (and migrates) the vault database under dir.
func OpenSQL(dir string) (*SQL, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(filepath.Join(dir, internalDir), fsDirPerm); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.Join(dir, internalDir, defaultDBName))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate.Apply(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQL{DB: conn}, nil
}

func (s *SQL) CreateExclusive(ctx context.Context, collection string, rec domain.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	now := s.Now().UTC().Format(time.RFC3339)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO records(id,collection,body,created_at,updated_at) VALUES (?,?,?,?,?)`,
		rec.ID, collection, string(body), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%s/%s: %w", collection, rec.ID, ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (s *SQL) Read(ctx context.Context, collection, id string) (domain.Record, error) {
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT body FROM records WHERE id=? AND collection=?`, id, collection).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return domain.Record{}, fmt.Errorf("%s/%s: %w: %v", collection, id, ErrMalformed, err)
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("%s/%s: %w: %v", collection, id, ErrMalformed, err)
	}
	return rec, nil
}

func (s *SQL) Update(ctx context.Context, collection, id string, mutate func(*domain.Record) error) (domain.Record, error) {
	rec, err := s.Read(ctx, collection, id)
	if err != nil {
		return domain.Record{}, err
	}
	if err := mutate(&rec); err != nil {
		return domain.Record{}, err
	}
	if rec.ID != id {
		return domain.Record{}, fmt.Errorf("update must not change record id")
	}
	if err := rec.Validate(); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return domain.Record{}, err
	}
	now := s.Now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE records SET body=?, updated_at=? WHERE id=? AND collection=?`,
		string(body), now, id, collection)
	if err != nil {
		return domain.Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rec, nil
}

func (s *SQL) Move(ctx context.Context, from, to, id string) error {
	now := s.Now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE records SET collection=?, updated_at=? WHERE id=? AND collection=?`,
		to, now, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", from, id, ErrNotFound)
	}
	return nil
}

func (s *SQL) List(ctx context.Context, collection string) ([]domain.Record, []string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, body FROM records WHERE collection=? ORDER BY id`, collection)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var recs []domain.Record
	var malformed []string
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, nil, err
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			malformed = append(malformed, id)
			continue
		}
		if err := rec.Validate(); err != nil {
			malformed = append(malformed, id)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, malformed, rows.Err()
}

func (s *SQL) ListIDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM records WHERE collection=? ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQL) Subcollections(ctx context.Context, parent string) ([]string, error) {
	prefix := parent + "/"
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT collection FROM records WHERE collection LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(c, prefix))
	}
	sort.Strings(names)
	return names, rows.Err()
}

// Now asks the database for the time so every worker sharing the file
// observes the same clock source.
func (s *SQL) Now() time.Time {
	var ts string
	if err := s.DB.QueryRow(`SELECT strftime('%Y-%m-%dT%H:%M:%fZ','now')`).Scan(&ts); err != nil {
		return time.Now()
	}
	t, err := time.Parse("2006-01-02T15:04:05.999Z", ts)
	if err != nil {
		return time.Now()
	}
	return t
}

func (s *SQL) Close() error { return s.DB.Close() }
