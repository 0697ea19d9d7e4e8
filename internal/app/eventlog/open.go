package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/nowlater/internal/platform/config"
)

var ErrUnknownBackend = errors.New("unknown event store backend")

// Open returns the store selected by backend and a function releasing it.
// The postgres backend needs pool; its schema is left to the caller so it
// can be retried while the database starts.
func Open(ctx context.Context, backend, sqlitePath string, pool *pgxpool.Pool) (Store, func() error, error) {
	noop := func() error { return nil }
	switch backend {
	case config.StorePostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("%w: postgres store needs a pool", ErrUnknownBackend)
		}
		return NewPostgresStore(pool), noop, nil
	case config.StoreSQLite:
		store, err := OpenSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreMemory:
		return NewMemoryStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
