//go:build pgdb
// +build pgdb

package pgdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// openTestDB opens a db in a fresh table.
//
// Running this test requires having a local database accessible via the
// network address 127.0.0.1:5432 named 'groupinvitesim' and a role named
// 'groupinvitesim' accessible with password 'groupinvitesim'.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	table := fmt.Sprintf("kv_test_%d", time.Now().UnixNano())
	db, err := Open(ctx, WithRole("groupinvitesim"),
		WithPassphrase("groupinvitesim"), WithDBName("groupinvitesim"),
		WithTable(table))
	if err != nil {
		t.Fatalf("Unable to open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.DropAll(context.Background()); err != nil {
			t.Logf("Unable to drop tables: %v", err)
		}
		db.Close()
	})
	return db
}

func TestKVOperations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		for _, k := range []string{"a/1", "a/2", "b/1"} {
			if err := tx.Put([]byte(k), []byte("v"+k)); err != nil {
				return err
			}
		}
		return tx.Put([]byte("a/1"), []byte("replaced"))
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.View(ctx, func(tx *Tx) error {
		v, found, err := tx.Get([]byte("a/1"))
		if err != nil {
			return err
		}
		if !found || string(v) != "replaced" {
			return fmt.Errorf("unexpected value %q (found %v)", v, found)
		}
		if _, found, _ := tx.Get([]byte("c")); found {
			return fmt.Errorf("unexpected key found")
		}

		var keys []string
		err = tx.Iterate([]byte("a/"), func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		if err != nil {
			return err
		}
		if fmt.Sprint(keys) != "[a/1 a/2]" {
			return fmt.Errorf("unexpected keys %v", keys)
		}

		if err := tx.Put([]byte("x"), nil); !errors.Is(err, ErrReadOnlyTx) {
			return fmt.Errorf("unexpected put error in view: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A failed update is rolled back.
	errRollback := errors.New("rollback")
	err = db.Update(ctx, func(tx *Tx) error {
		if err := tx.Delete([]byte("a/2")); err != nil {
			return err
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		t.Fatalf("unexpected error: %v", err)
	}
	err = db.View(ctx, func(tx *Tx) error {
		if _, found, err := tx.Get([]byte("a/2")); err != nil || !found {
			return fmt.Errorf("rolled back delete was applied: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestSerializableRetries ensures concurrent read-modify-write transactions
// on the same key are serialized.
func TestSerializableRetries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := []byte("counter")

	const n = 8
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return db.Update(gctx, func(tx *Tx) error {
				v, _, err := tx.Get(key)
				if err != nil {
					return err
				}
				var c uint64
				if len(v) == 8 {
					c = binary.BigEndian.Uint64(v)
				}
				var b [8]byte
				binary.BigEndian.PutUint64(b[:], c+1)
				return tx.Put(key, b[:])
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	err := db.View(ctx, func(tx *Tx) error {
		v, _, err := tx.Get(key)
		if err != nil {
			return err
		}
		if got := binary.BigEndian.Uint64(v); got != n {
			return fmt.Errorf("unexpected counter %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
