package storage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

var ErrUnsupportedBackend = errors.New("unsupported store backend")

// Kinds lists the backend names NewStore accepts. The sqlite backend is
// listed even when this build cannot open it.
func Kinds() []string {
	return []string{KindMemory, KindSQLite}
}

// NewStore builds the backend named by kind, matched case-insensitively.
// sqlitePath is only used by the sqlite backend.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedBackend, kind, strings.Join(Kinds(), ", "))
	}
}

// CloseIfSupported releases backends that hold resources, such as the
// sqlite connection. Other backends are left as they are.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
