package pgdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// Tx is a key-value transaction on a DB.
type Tx struct {
	ctx      context.Context
	tx       pgx.Tx
	table    string
	readOnly bool
}

// Get returns the value stored under key. found is false when the key does not
// exist.
func (tx *Tx) Get(key []byte) (value []byte, found bool, err error) {
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = $1;", pq.QuoteIdentifier(tx.table))
	err = tx.tx.QueryRow(tx.ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		str := fmt.Sprintf("unable to fetch key: %v", err)
		return nil, false, contextError(ErrQueryFailed, str, err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any existing value.
func (tx *Tx) Put(key, value []byte) error {
	if tx.readOnly {
		return contextError(ErrReadOnlyTx, "put in read-only transaction", nil)
	}
	query := fmt.Sprintf("INSERT INTO %s (k, v) VALUES ($1, $2) "+
		"ON CONFLICT (k) DO UPDATE SET v = $2;", pq.QuoteIdentifier(tx.table))
	if _, err := tx.tx.Exec(tx.ctx, query, key, value); err != nil {
		str := fmt.Sprintf("unable to store key: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

// Delete removes key. Deleting a key that does not exist is not an error.
func (tx *Tx) Delete(key []byte) error {
	if tx.readOnly {
		return contextError(ErrReadOnlyTx, "delete in read-only transaction", nil)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE k = $1;", pq.QuoteIdentifier(tx.table))
	if _, err := tx.tx.Exec(tx.ctx, query, key); err != nil {
		str := fmt.Sprintf("unable to delete key: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

// prefixEnd returns the smallest key that is larger than every key starting
// with prefix, or nil if there is no such key.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Iterate calls f for every key that starts with prefix, in key order. The
// keys are fetched before f is called, so f may use the transaction.
func (tx *Tx) Iterate(prefix []byte, f func(k, v []byte) error) error {
	table := pq.QuoteIdentifier(tx.table)
	var rows pgx.Rows
	var err error
	if end := prefixEnd(prefix); end != nil {
		query := fmt.Sprintf("SELECT k, v FROM %s WHERE k >= $1 AND k < $2 "+
			"ORDER BY k;", table)
		rows, err = tx.tx.Query(tx.ctx, query, prefix, end)
	} else {
		query := fmt.Sprintf("SELECT k, v FROM %s WHERE k >= $1 ORDER BY k;", table)
		rows, err = tx.tx.Query(tx.ctx, query, prefix)
	}
	if err != nil {
		str := fmt.Sprintf("unable to query keys: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}

	type kv struct{ k, v []byte }
	var all []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.k, &e.v); err != nil {
			rows.Close()
			str := fmt.Sprintf("unable to scan key: %v", err)
			return contextError(ErrQueryFailed, str, err)
		}
		all = append(all, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		str := fmt.Sprintf("unable to scan keys: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}

	for _, e := range all {
		if err := f(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}
