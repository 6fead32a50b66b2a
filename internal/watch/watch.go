// Package watch observes the Intake collection for records dropped in by
// perception adapters and validates them at the boundary. Malformed
// records go to Quarantine instead of flowing downstream. The adapters
// themselves live outside this system; this is only the vault-side half.
package watch

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/store"
)

type Watcher struct {
	Engine   engine.Engine
	VaultDir string
	// Interval drives the periodic full rescan that catches anything the
	// notify events missed (e.g. drops over NFS).
	Interval time.Duration
	ActorID  string
}

func (w Watcher) interval() time.Duration {
	if w.Interval > 0 {
		return w.Interval
	}
	return 10 * time.Second
}

// Run blocks until ctx is cancelled. Errors on individual records are
// logged and skipped so one bad file cannot stop the loop.
func (w Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	intakeDir := filepath.Join(w.VaultDir, domain.CollectionIntake)
	if err := fw.Add(intakeDir); err != nil {
		// Non-directory backends still get the periodic rescan.
		log.Printf("watch: no notify support for %s (%v); polling only", intakeDir, err)
	} else {
		log.Printf("watch: observing %s (rescan every %s)", intakeDir, w.interval())
	}

	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			w.checkRecord(ctx, strings.TrimSuffix(name, ".json"))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch: notify error: %v", err)
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep validates every record currently in Intake.
func (w Watcher) Sweep(ctx context.Context) {
	ids, err := w.Engine.Store.ListIDs(ctx, domain.CollectionIntake)
	if err != nil {
		log.Printf("watch: list intake: %v", err)
		return
	}
	for _, id := range ids {
		w.checkRecord(ctx, id)
	}
}

func (w Watcher) checkRecord(ctx context.Context, id string) {
	_, err := w.Engine.Store.Read(ctx, domain.CollectionIntake, id)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return
	}
	if errors.Is(err, store.ErrMalformed) {
		log.Printf("watch: quarantining malformed record %s: %v", id, err)
		if qErr := w.Engine.Quarantine(ctx, domain.CollectionIntake, id, err.Error(), w.ActorID); qErr != nil {
			log.Printf("watch: quarantine %s failed: %v", id, qErr)
		}
		return
	}
	log.Printf("watch: read %s: %v", id, err)
}
