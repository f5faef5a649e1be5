package invitationdb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/companyzero/groupinvite/rpc"
	"golang.org/x/exp/slices"
)

// MessageMetadataEntry is the metadata of a stored message, along with the
// message id.
type MessageMetadataEntry struct {
	ID   rpc.MessageID
	Meta rpc.MessageMetadata
}

func unmarshalEntry(k, v []byte, dst interface{}) error {
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("unable to decode %q: %w", k, err)
	}
	return nil
}

func (db *DB) addMessage(tx ReadWriteTx, m rpc.Message, meta rpc.MessageMetadata) error {
	kv := tx.kv()
	k := key(prefixMessage, m.GroupID, m.ID)
	if found, err := exists(kv, k); err != nil {
		return err
	} else if found {
		return fmt.Errorf("message %s: %w", m.ID, ErrAlreadyExists)
	}
	if err := putJSON(kv, k, &m); err != nil {
		return err
	}
	return putJSON(kv, key(prefixMessageMeta, m.GroupID, m.ID), &meta)
}

// AddLocalMessage stores a message created locally and its metadata.
func (db *DB) AddLocalMessage(tx ReadWriteTx, m rpc.Message, meta rpc.MessageMetadata) error {
	meta.Local = true
	return db.addMessage(tx, m, meta)
}

// AddRemoteMessage stores a message received from a contact and its metadata.
func (db *DB) AddRemoteMessage(tx ReadWriteTx, m rpc.Message, meta rpc.MessageMetadata) error {
	meta.Local = false
	return db.addMessage(tx, m, meta)
}

// HasMessage returns whether the given message is stored.
func (db *DB) HasMessage(tx ReadTx, groupID rpc.GroupID, id rpc.MessageID) (bool, error) {
	return exists(tx.kv(), key(prefixMessage, groupID, id))
}

// GetMessage returns a stored message.
func (db *DB) GetMessage(tx ReadTx, groupID rpc.GroupID, id rpc.MessageID) (*rpc.Message, error) {
	var m rpc.Message
	if err := getJSON(tx.kv(), key(prefixMessage, groupID, id), &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &m, nil
}

// GetMessageMetadata returns the metadata of a stored message.
func (db *DB) GetMessageMetadata(tx ReadTx, groupID rpc.GroupID, id rpc.MessageID) (*rpc.MessageMetadata, error) {
	var meta rpc.MessageMetadata
	if err := getJSON(tx.kv(), key(prefixMessageMeta, groupID, id), &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("message metadata %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &meta, nil
}

// UpdateMessageMetadata replaces the metadata of a stored message.
func (db *DB) UpdateMessageMetadata(tx ReadWriteTx, groupID rpc.GroupID, id rpc.MessageID, meta rpc.MessageMetadata) error {
	k := key(prefixMessageMeta, groupID, id)
	if found, err := exists(tx.kv(), k); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("message metadata %s: %w", id, ErrNotFound)
	}
	return putJSON(tx.kv(), k, &meta)
}

// ListMessageMetadata returns the metadata of every message in a group,
// ordered by timestamp.
func (db *DB) ListMessageMetadata(tx ReadTx, groupID rpc.GroupID) ([]MessageMetadataEntry, error) {
	var res []MessageMetadataEntry
	err := tx.kv().Iterate(subPrefix(prefixMessageMeta, groupID), func(k, v []byte) error {
		id, err := lastID(k)
		if err != nil {
			return err
		}
		e := MessageMetadataEntry{ID: id}
		if err := unmarshalEntry(k, v, &e.Meta); err != nil {
			return err
		}
		res = append(res, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(res, func(a, b MessageMetadataEntry) int {
		switch {
		case a.Meta.Timestamp < b.Meta.Timestamp:
			return -1
		case a.Meta.Timestamp > b.Meta.Timestamp:
			return 1
		}
		return a.ID.Compare(b.ID)
	})
	return res, nil
}
