package testutil

import (
	"path/filepath"
	"testing"

	"github.com/flitsinc/go-npcsim/internal/state"
	"github.com/jmoiron/sqlx"
)

func OpenTestDB(t *testing.T) (*sqlx.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}

// OpenTestStore opens a fresh store on a temp database and closes it when
// the test ends.
func OpenTestStore(t *testing.T, opts ...state.Option) *state.Store {
	t.Helper()
	db, closeFn := OpenTestDB(t)
	t.Cleanup(closeFn)
	return state.NewStore(db, opts...)
}
