package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Checkpoint store kinds. KindSQLite opens only in builds tagged sqlite.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

var (
	ErrUnsupportedStore  = errors.New("unsupported checkpoint store")
	ErrStorePathRequired = errors.New("checkpoint store path is required")
)

// Kinds lists the store kinds a configuration may name.
func Kinds() []string { return []string{KindMemory, KindSQLite} }

// ValidateKind checks a store selection without opening it. An empty kind
// means the in-memory store; sqlite needs the database path.
func ValidateKind(kind, path string) error {
	switch kind {
	case "", KindMemory:
		return nil
	case KindSQLite:
		if path == "" {
			return fmt.Errorf("%w for %s", ErrStorePathRequired, kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q (valid: %s)", ErrUnsupportedStore, kind, strings.Join(Kinds(), ", "))
	}
}

// NewStore opens the checkpoint store named by kind. The returned store
// still needs Init.
func NewStore(kind, path string) (Store, error) {
	if err := ValidateKind(kind, path); err != nil {
		return nil, err
	}
	if kind == KindSQLite {
		return newSQLiteStore(path)
	}
	return NewMemoryStore(), nil
}

// CloseIfSupported releases stores holding a database handle. The in-memory
// store has nothing to release.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
