// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"fmt"
	"os"

	"foundry/internal/store"
	"foundry/internal/store/litestore"
	"foundry/internal/store/memstore"
	"foundry/internal/store/pgstore"
	"foundry/pkg/config"
)

// openStore opens the persistence backend cfg.Store names, resolving the
// connection string from the environment variable it points to.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memstore.New(), nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.ConnectionEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: environment variable %s is unset", cfg.Store.ConnectionEnv)
		}
		return pgstore.Open(ctx, dsn)
	case "sqlite":
		path := os.Getenv(cfg.Store.ConnectionEnv)
		if path == "" {
			return nil, fmt.Errorf("store: environment variable %s is unset", cfg.Store.ConnectionEnv)
		}
		return litestore.Open(ctx, path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}
