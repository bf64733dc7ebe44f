package engine

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/state"
	"github.com/drivesync/drivesync/internal/tree"
)

// Inspect loads the persisted tree index without taking the lock, so it
// works while another process runs the engine. The returned index is
// memory-only. desc describes the store.
func Inspect(cfg *config.Config, fs afero.Fs) (idx *tree.Index, desc string, err error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	store, err := state.OpenFs(cfg.State.DSN, fs)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open state: %w", err)
	}
	defer func() {
		if cerr := store.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	snap, err := store.Load()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load state from %s: %w", store, err)
	}
	idx, err = tree.Restore(snap, tree.Config{})
	if err != nil {
		return nil, "", err
	}
	return idx, store.String(), nil
}
