package invitationdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/companyzero/groupinvite/invitation/invitationdb/internal/pgdb"
	"github.com/companyzero/groupinvite/zkidentity"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errReadOnlyTx = errors.New("write in read-only transaction")

// kvTx is the key-value view of a transaction that every backend provides.
type kvTx interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls f with every key that starts with prefix, in key
	// order. f may modify the transaction.
	Iterate(prefix []byte, f func(k, v []byte) error) error
}

type backend interface {
	view(ctx context.Context, f func(kvTx) error) error
	update(ctx context.Context, f func(kvTx) error) error
	needsWriteLock() bool
	close() error
}

// levelBackend stores data in a goleveldb database.
type levelBackend struct {
	db *leveldb.DB
}

func openLevelBackend(root string) (*levelBackend, error) {
	var db *leveldb.DB
	var err error
	if root == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(root, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open leveldb: %w", err)
	}
	return &levelBackend{db: db}, nil
}

// levelTx adapts leveldb snapshots and transactions to kvTx. tr is nil for
// read-only snapshots.
type levelTx struct {
	snap *leveldb.Snapshot
	tr   *leveldb.Transaction
}

func (tx *levelTx) Get(key []byte) ([]byte, bool, error) {
	var v []byte
	var err error
	if tx.tr != nil {
		v, err = tx.tr.Get(key, nil)
	} else {
		v, err = tx.snap.Get(key, nil)
	}
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (tx *levelTx) Put(key, value []byte) error {
	if tx.tr == nil {
		return errReadOnlyTx
	}
	return tx.tr.Put(key, value, nil)
}

func (tx *levelTx) Delete(key []byte) error {
	if tx.tr == nil {
		return errReadOnlyTx
	}
	return tx.tr.Delete(key, nil)
}

func (tx *levelTx) Iterate(prefix []byte, f func(k, v []byte) error) error {
	type kv struct{ k, v []byte }
	var all []kv

	// Keys are collected first so that f may modify the transaction.
	rng := util.BytesPrefix(prefix)
	var iter iterator.Iterator
	if tx.tr != nil {
		iter = tx.tr.NewIterator(rng, nil)
	} else {
		iter = tx.snap.NewIterator(rng, nil)
	}
	for iter.Next() {
		all = append(all, kv{
			k: append([]byte(nil), iter.Key()...),
			v: append([]byte(nil), iter.Value()...),
		})
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for _, e := range all {
		if err := f(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (b *levelBackend) view(ctx context.Context, f func(kvTx) error) error {
	snap, err := b.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return f(&levelTx{snap: snap})
}

func (b *levelBackend) update(ctx context.Context, f func(kvTx) error) error {
	tr, err := b.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := f(&levelTx{tr: tr}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

// needsWriteLock is true because only one leveldb transaction may be open at
// a time.
func (b *levelBackend) needsWriteLock() bool { return true }

func (b *levelBackend) close() error {
	return b.db.Close()
}

// pgBackend stores data in a postgres table.
type pgBackend struct {
	db *pgdb.DB
}

func openPGBackend(ctx context.Context, cfg *Config) (*pgBackend, error) {
	var opts []pgdb.Option
	if cfg.PGHost != "" {
		opts = append(opts, pgdb.WithHost(cfg.PGHost))
	}
	if cfg.PGPort != "" {
		opts = append(opts, pgdb.WithPort(cfg.PGPort))
	}
	if cfg.PGDBName != "" {
		opts = append(opts, pgdb.WithDBName(cfg.PGDBName))
	}
	if cfg.PGRole != "" {
		opts = append(opts, pgdb.WithRole(cfg.PGRole))
	}
	if cfg.PGPassphrase != "" {
		opts = append(opts, pgdb.WithPassphrase(cfg.PGPassphrase))
	}
	if cfg.PGServerCA != "" {
		opts = append(opts, pgdb.WithTLS(cfg.PGServerCA))
	}
	if cfg.PGTable != "" {
		opts = append(opts, pgdb.WithTable(cfg.PGTable))
	}
	db, err := pgdb.Open(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &pgBackend{db: db}, nil
}

func (b *pgBackend) view(ctx context.Context, f func(kvTx) error) error {
	return b.db.View(ctx, func(tx *pgdb.Tx) error { return f(tx) })
}

func (b *pgBackend) update(ctx context.Context, f func(kvTx) error) error {
	return b.db.Update(ctx, func(tx *pgdb.Tx) error { return f(tx) })
}

// needsWriteLock is false because postgres runs transactions as SERIALIZABLE.
func (b *pgBackend) needsWriteLock() bool { return false }

func (b *pgBackend) close() error {
	b.db.Close()
	return nil
}

// Key prefixes.
const (
	prefixMeta         = "meta/"
	prefixContact      = "c/"
	prefixContactGroup = "cg/"
	prefixSession      = "s/"
	prefixMessage      = "m/"
	prefixMessageMeta  = "md/"
	prefixGroup        = "g/"
	prefixGroupMember  = "gm/"
	prefixVisibility   = "v/"
)

// key builds a db key by appending the ids, separated by '/', to prefix.
func key(prefix string, ids ...zkidentity.ShortID) []byte {
	k := make([]byte, 0, len(prefix)+len(ids)*(len(zkidentity.ShortID{})+1))
	k = append(k, prefix...)
	for i := range ids {
		if i > 0 {
			k = append(k, '/')
		}
		k = append(k, ids[i][:]...)
	}
	return k
}

// subPrefix returns the prefix of every key under prefix/id/.
func subPrefix(prefix string, id zkidentity.ShortID) []byte {
	return append(key(prefix, id), '/')
}

// lastID returns the trailing id of a key built by key().
func lastID(k []byte) (zkidentity.ShortID, error) {
	var id zkidentity.ShortID
	if len(k) < len(id) {
		return id, fmt.Errorf("key %x too short", k)
	}
	copy(id[:], k[len(k)-len(id):])
	return id, nil
}

func getJSON(tx kvTx, k []byte, v interface{}) error {
	b, found, err := tx.Get(k)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unable to decode %q: %w", k, err)
	}
	return nil
}

func putJSON(tx kvTx, k []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(k, b)
}

func exists(tx kvTx, k []byte) (bool, error) {
	_, found, err := tx.Get(k)
	return found, err
}

// deletePrefix removes every key under prefix.
func deletePrefix(tx kvTx, prefix []byte) error {
	return tx.Iterate(prefix, func(k, _ []byte) error {
		return tx.Delete(k)
	})
}
