package invitationdb

import (
	"fmt"

	"github.com/companyzero/groupinvite/rpc"
)

// GetSession returns the encoded session stored in the contact group under
// the given session id.
func (db *DB) GetSession(tx ReadTx, contactGroupID rpc.GroupID, sessionID rpc.SessionID) ([]byte, error) {
	b, found, err := tx.kv().Get(key(prefixSession, contactGroupID, sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("session %s/%s: %w", contactGroupID.ShortLogID(),
			sessionID.ShortLogID(), ErrNotFound)
	}
	return b, nil
}

// PutSession stores (or replaces) the encoded session.
func (db *DB) PutSession(tx ReadWriteTx, contactGroupID rpc.GroupID, sessionID rpc.SessionID, data []byte) error {
	return tx.kv().Put(key(prefixSession, contactGroupID, sessionID), data)
}

// DeleteSession removes a session. Removing a session that does not exist is
// not an error.
func (db *DB) DeleteSession(tx ReadWriteTx, contactGroupID rpc.GroupID, sessionID rpc.SessionID) error {
	return tx.kv().Delete(key(prefixSession, contactGroupID, sessionID))
}

// ListSessions returns every encoded session of a contact group.
func (db *DB) ListSessions(tx ReadTx, contactGroupID rpc.GroupID) (map[rpc.SessionID][]byte, error) {
	res := make(map[rpc.SessionID][]byte)
	err := tx.kv().Iterate(subPrefix(prefixSession, contactGroupID), func(k, v []byte) error {
		sid, err := lastID(k)
		if err != nil {
			return err
		}
		res[sid] = v
		return nil
	})
	return res, err
}
