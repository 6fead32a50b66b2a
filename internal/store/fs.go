package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
)

const (
	recordExt    = ".json"
	internalDir  = ".vaultline"
	clockName    = "clock"
	fsDirPerm    = 0o755
	fsRecordPerm = 0o644
)

// FS stores one JSON file per record under one directory per collection.
// os.Rename is the sole arbiter for contended moves: the filesystem's
// atomic rename provides the at-most-one-winner guarantee with no shared
// memory and no application-level tie-break.
type FS struct {
	Root string
}

// OpenFS opens (and seeds) a vault rooted at dir.
func OpenFS(dir string) (*FS, error) {
	if dir == "" {
		dir = "."
	}
	s := &FS{Root: dir}
	for _, c := range domain.StateCollections {
		if err := os.MkdirAll(s.collectionPath(c), fsDirPerm); err != nil {
			return nil, err
		}
	}
	for _, c := range []string{domain.CollectionQuarantine, domain.CollectionDeltas, domain.CollectionClaims} {
		if err := os.MkdirAll(s.collectionPath(c), fsDirPerm); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, internalDir), fsDirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FS) collectionPath(collection string) string {
	return filepath.Join(s.Root, filepath.FromSlash(collection))
}

func (s *FS) recordPath(collection, id string) string {
	return filepath.Join(s.collectionPath(collection), id+recordExt)
}

func (s *FS) CreateExclusive(ctx context.Context, collection string, rec domain.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	dir := s.collectionPath(collection)
	if err := os.MkdirAll(dir, fsDirPerm); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	// Write the full content to a temp file first, then link it into place.
	// Link fails with EEXIST if the id is taken and publishes the record
	// only once it is complete, so readers never see a partial file.
	tmp, err := os.CreateTemp(dir, "."+rec.ID+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, s.recordPath(collection, rec.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s/%s: %w", collection, rec.ID, ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (s *FS) Read(ctx context.Context, collection, id string) (domain.Record, error) {
	data, err := os.ReadFile(s.recordPath(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("%s/%s: %w: %v", collection, id, ErrMalformed, err)
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("%s/%s: %w: %v", collection, id, ErrMalformed, err)
	}
	return rec, nil
}

func (s *FS) Update(ctx context.Context, collection, id string, mutate func(*domain.Record) error) (domain.Record, error) {
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
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return domain.Record{}, err
	}
	dir := s.collectionPath(collection)
	tmp, err := os.CreateTemp(dir, "."+id+".tmp-*")
	if err != nil {
		return domain.Record{}, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.Record{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.Record{}, err
	}
	// Replace atomically; last writer wins by contract.
	if err := os.Rename(tmpName, s.recordPath(collection, id)); err != nil {
		os.Remove(tmpName)
		return domain.Record{}, err
	}
	return rec, nil
}

func (s *FS) Move(ctx context.Context, from, to, id string) error {
	src := s.recordPath(from, id)
	if err := os.MkdirAll(s.collectionPath(to), fsDirPerm); err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", from, id, ErrNotFound)
		}
		return err
	}
	if err := os.Rename(src, s.recordPath(to, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Lost the race: a competitor moved it between stat and rename.
			return fmt.Errorf("%s/%s: %w", from, id, ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *FS) List(ctx context.Context, collection string) ([]domain.Record, []string, error) {
	ids, err := s.ListIDs(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	var recs []domain.Record
	var malformed []string
	for _, id := range ids {
		rec, err := s.Read(ctx, collection, id)
		if errors.Is(err, ErrNotFound) {
			// Moved away since the listing; the snapshot is allowed to be
			// stale, so skip it.
			continue
		}
		if errors.Is(err, ErrMalformed) {
			malformed = append(malformed, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		recs = append(recs, rec)
	}
	return recs, malformed, nil
}

func (s *FS) ListIDs(ctx context.Context, collection string) ([]string, error) {
	entries, err := os.ReadDir(s.collectionPath(collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FS) Subcollections(ctx context.Context, parent string) ([]string, error) {
	entries, err := os.ReadDir(s.collectionPath(parent))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Now touches a clock file inside the vault and returns its mtime, so all
// workers sharing the vault observe the same clock source (the fileserver's
// on network mounts). Falls back to local time if the touch fails.
func (s *FS) Now() time.Time {
	path := filepath.Join(s.Root, internalDir, clockName)
	if err := os.WriteFile(path, []byte{'\n'}, fsRecordPerm); err != nil {
		return time.Now()
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}

func (s *FS) Close() error { return nil }
