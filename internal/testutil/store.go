package testutil

import (
	"path/filepath"

	"github.com/roach88/entityflow/internal/store"
)

// TB is the subset of testing.TB used by the helpers here.
type TB interface {
	Helper()
	TempDir() string
	Cleanup(func())
	Fatalf(format string, args ...any)
}

// OpenStore opens a store backed by a file in a per-test temp directory.
// The store is closed when the test finishes.
func OpenStore(t TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
		return nil
	}
	t.Cleanup(func() { s.Close() })
	return s
}
