package storage

import (
	"errors"
	"fmt"
)

// Backend kinds accepted by NewStore.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// DefaultSQLitePath is used when the sqlite backend is chosen without a path.
const DefaultSQLitePath = "astrorl.db"

var (
	ErrUnsupportedBackend = errors.New("unsupported store backend")
	ErrSQLiteUnavailable  = errors.New("sqlite backend unavailable in this build; rebuild with -tags sqlite")
)

// NewStore builds the run store named by kind. An empty kind selects the
// in-memory store, which keeps nothing past the process; runs, generations,
// best genomes and episode rewards survive only in the sqlite store.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if sqlitePath == "" {
			sqlitePath = DefaultSQLitePath
		}
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("%w: %q (want %s or %s)", ErrUnsupportedBackend, kind, KindMemory, KindSQLite)
	}
}

// CloseIfSupported releases backends that hold a connection, such as the
// sqlite store's database handle.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
