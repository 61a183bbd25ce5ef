// Package secrets holds credentials that can be rotated without a restart.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Loader retrieves secrets from a source (env vars, mounted files, a remote vault).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Source returns a func that reads key on every call, for clients that
// must pick up rotated values.
func (v *Vault) Source(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// ReloadOn reloads the vault each time a signal arrives until ctx is done.
func (v *Vault) ReloadOn(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			if err := v.Reload(); err != nil {
				slog.Error("secret reload failed", "signal", sig.String(), "error", err)
				continue
			}
			slog.Info("secrets reloaded", "signal", sig.String())
		}
	}
}
