package invitationdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/decred/slog"
)

const (
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// ReadTx is a read-only transaction.
type ReadTx interface {
	Context() context.Context
	kv() kvTx
}

// ReadWriteTx is a transaction that may modify the db.
type ReadWriteTx interface {
	ReadTx
	Writable() bool
}

type rtx struct {
	ctx context.Context
	tx  kvTx
}

func (tx *rtx) Context() context.Context { return tx.ctx }
func (tx *rtx) kv() kvTx                 { return tx.tx }

type wtx struct {
	ctx context.Context
	tx  kvTx
}

func (tx *wtx) Context() context.Context { return tx.ctx }
func (tx *wtx) kv() kvTx                 { return tx.tx }
func (tx *wtx) Writable() bool           { return tx != nil }

type Config struct {
	// Backend is either BackendLevelDB (the default) or BackendPostgres.
	Backend string

	// Root is the leveldb dir. When empty, the db is kept in memory.
	Root string

	// Postgres connection settings. Empty values use the defaults of the
	// postgres backend.
	PGHost       string
	PGPort       string
	PGDBName     string
	PGRole       string
	PGPassphrase string
	PGServerCA   string
	PGTable      string

	Logger slog.Logger
}

// DB is the store of invitation sessions, their messages, contacts and private
// groups. Every View or Update call runs as a single serializable transaction.
type DB struct {
	cfg     Config
	log     slog.Logger
	backend backend

	// updateMtx serializes writers on backends that do not handle
	// concurrent transactions themselves.
	updateMtx sync.Mutex

	sync.Mutex
	running chan struct{}
	runCtx  context.Context
}

// Open opens the db described by cfg, performing any needed upgrades.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	log := slog.Disabled
	if cfg.Logger != nil {
		log = cfg.Logger
	}

	var bknd backend
	var err error
	switch cfg.Backend {
	case "", BackendLevelDB:
		bknd, err = openLevelBackend(cfg.Root)
	case BackendPostgres:
		bknd, err = openPGBackend(ctx, &cfg)
	default:
		err = fmt.Errorf("unknown db backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:     cfg,
		log:     log,
		backend: bknd,
		running: make(chan struct{}),
	}

	if err := db.performUpgrades(ctx); err != nil {
		bknd.close()
		return nil, err
	}

	return db, nil
}

// Run runs the DB. This should not be called twice for the same db. The db is
// closed once the passed context is done.
func (db *DB) Run(ctx context.Context) error {
	db.Lock()
	db.runCtx = ctx
	close(db.running)
	db.Unlock()

	<-ctx.Done()

	// Wait for any in-flight writers before closing.
	db.updateMtx.Lock()
	err := db.backend.close()
	db.updateMtx.Unlock()
	if err != nil {
		db.log.Errorf("Unable to close db: %v", err)
	}
	return ctx.Err()
}

func (db *DB) RunStarted() <-chan struct{} {
	return db.running
}

// View runs f inside a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx ReadTx) error) error {
	select {
	case <-db.running:
	case <-ctx.Done():
		return ctx.Err()
	}

	ctx, cancel := multiCtx(ctx, db.runCtx)
	defer cancel()
	return db.backend.view(ctx, func(kv kvTx) error {
		return f(&rtx{ctx: ctx, tx: kv})
	})
}

// Update runs f inside a read-write transaction. If f returns an error, none
// of its changes are applied.
//
// f may be called more than once (postgres backend retries transactions that
// fail due to serialization conflicts), so any side effect outside the db must
// only be performed after Update returns.
func (db *DB) Update(ctx context.Context, f func(tx ReadWriteTx) error) error {
	select {
	case <-db.running:
	case <-ctx.Done():
		return ctx.Err()
	}

	ctx, cancel := multiCtx(ctx, db.runCtx)
	defer cancel()
	if db.backend.needsWriteLock() {
		db.updateMtx.Lock()
		defer db.updateMtx.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.backend.update(ctx, func(kv kvTx) error {
		return f(&wtx{ctx: ctx, tx: kv})
	})
}

// multiCtx returns a context that is canceled once any of the passed contexts
// is done.
func multiCtx(ctxs ...context.Context) (context.Context, func()) {
	gctx, gcancel := context.WithCancel(context.Background())
	var once sync.Once
	cancel := func() {
		once.Do(gcancel)
	}
	for _, ctx := range ctxs {
		ctx := ctx
		go func() {
			select {
			case <-gctx.Done():
			case <-ctx.Done():
				cancel()
			}
		}()
	}
	return gctx, cancel
}
