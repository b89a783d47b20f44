package main

import (
	"context"
	"database/sql"
	"time"

	idempotencydb "caravel/internal/db/idempotency"
	outboxdb "caravel/internal/db/outbox"
	registrydb "caravel/internal/db/registry"
	sagadb "caravel/internal/db/saga"
	"caravel/internal/idempotency"
	"caravel/internal/outbox"
	"caravel/internal/reconcile"
	"caravel/internal/saga"
)

var openSagaDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// stores bundles the persistence surfaces the server wires together.
// Directory and Membership are nil in the in-memory fallback; the sweeper
// skips registry sweeps when they are absent.
type stores struct {
	Sagas       saga.Store
	Outbox      outbox.Store
	Idempotency idempotency.Store
	Directory   reconcile.Directory
	Membership  reconcile.Membership
}

// buildStores wires Postgres-backed stores from the DSN. If the DSN is empty
// or initialization fails, it falls back to a single in-memory store that
// keeps saga, outbox and idempotency writes atomic with each other.
// The returned cleanup closes any external resources.
func buildStores(ctx context.Context, dsn string, logf func(format string, args ...any)) (stores, func()) {
	if dsn == "" {
		logf("DATABASE_URL empty, using in-memory stores")
		return memoryStores(), func() {}
	}

	st, cleanup, err := buildPostgresStores(ctx, dsn, logf)
	if err != nil {
		logf("postgres init failed, falling back to in-memory stores: %v", err)
		return memoryStores(), func() {}
	}
	logf("postgres stores enabled")
	return st, cleanup
}

func buildPostgresStores(ctx context.Context, dsn string, logf func(format string, args ...any)) (stores, func(), error) {
	db, err := openSagaDB("pgx", dsn)
	if err != nil {
		return stores{}, nil, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sagaStore, err := sagadb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	outboxStore, err := outboxdb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	idemStore, err := idempotencydb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	registryStore, err := registrydb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logf("close postgres: %v", err)
		}
	}
	return stores{
		Sagas:       sagaStore,
		Outbox:      outboxStore,
		Idempotency: idemStore,
		Directory:   registryStore,
		Membership:  registryStore,
	}, cleanup, nil
}

func memoryStores() stores {
	mem := saga.NewMemoryStore()
	return stores{
		Sagas:       mem,
		Outbox:      mem,
		Idempotency: mem,
	}
}
