// Package app wires a vault together: resolve the directory, load or seed
// config, open the right store backend and the ledger.
package app

import (
	"fmt"
	"os"

	"vaultline/internal/config"
	"vaultline/internal/engine"
	"vaultline/internal/ledger"
	"vaultline/internal/store"
)

// Vault bundles the opened components for one vault directory.
type Vault struct {
	Dir    string
	Config *config.Config
	Store  store.Store
	Ledger *ledger.Ledger
	Engine engine.Engine
}

// Open resolves and opens the vault at dir, seeding a default config file
// when init is true and none exists yet.
func Open(dir string, init bool) (*Vault, error) {
	if dir == "" {
		dir = "."
	}
	if init {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path := config.Path(dir)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(config.GenerateDefault(dir)), 0o644); err != nil {
				return nil, fmt.Errorf("seed config: %w", err)
			}
		}
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	var s store.Store
	switch cfg.Vault.Store {
	case config.StoreSQLite:
		s, err = store.OpenSQL(dir)
	default:
		s, err = store.OpenFS(dir)
	}
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(dir)
	if err != nil {
		s.Close()
		return nil, err
	}
	// The ledger stamps entries with the store clock so audit order lines
	// up with expiry decisions.
	l.Now = s.Now
	return &Vault{
		Dir:    dir,
		Config: cfg,
		Store:  s,
		Ledger: l,
		Engine: engine.New(s, l, cfg),
	}, nil
}

// Close releases the store.
func (v *Vault) Close() error {
	if v == nil || v.Store == nil {
		return nil
	}
	return v.Store.Close()
}
