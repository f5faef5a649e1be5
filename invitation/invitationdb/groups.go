package invitationdb

import (
	"errors"
	"fmt"

	"github.com/companyzero/groupinvite/rpc"
)

// AddPrivateGroup subscribes to a private group.
func (db *DB) AddPrivateGroup(tx ReadWriteTx, g rpc.PrivateGroup) error {
	k := key(prefixGroup, g.ID)
	if found, err := exists(tx.kv(), k); err != nil {
		return err
	} else if found {
		return fmt.Errorf("private group %s: %w", g.ID, ErrAlreadyExists)
	}
	return putJSON(tx.kv(), k, &g)
}

// GetPrivateGroup returns a subscribed private group.
func (db *DB) GetPrivateGroup(tx ReadTx, id rpc.GroupID) (*rpc.PrivateGroup, error) {
	var g rpc.PrivateGroup
	if err := getJSON(tx.kv(), key(prefixGroup, id), &g); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("private group %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &g, nil
}

// ListPrivateGroups returns every subscribed private group.
func (db *DB) ListPrivateGroups(tx ReadTx) ([]rpc.PrivateGroup, error) {
	var res []rpc.PrivateGroup
	err := tx.kv().Iterate([]byte(prefixGroup), func(k, v []byte) error {
		var g rpc.PrivateGroup
		if err := unmarshalEntry(k, v, &g); err != nil {
			return err
		}
		res = append(res, g)
		return nil
	})
	return res, err
}

// IsSubscribed returns whether the local client is subscribed to the group.
func (db *DB) IsSubscribed(tx ReadTx, id rpc.GroupID) (bool, error) {
	return exists(tx.kv(), key(prefixGroup, id))
}

// MarkGroupDissolved flags a subscribed group as dissolved by its creator.
func (db *DB) MarkGroupDissolved(tx ReadWriteTx, id rpc.GroupID) error {
	g, err := db.GetPrivateGroup(tx, id)
	if err != nil {
		return err
	}
	g.Dissolved = true
	return putJSON(tx.kv(), key(prefixGroup, id), g)
}

// RemovePrivateGroup unsubscribes from a group, removing its members and
// visibility entries.
func (db *DB) RemovePrivateGroup(tx ReadWriteTx, id rpc.GroupID) error {
	kv := tx.kv()
	if err := deletePrefix(kv, subPrefix(prefixGroupMember, id)); err != nil {
		return err
	}
	if err := deletePrefix(kv, subPrefix(prefixVisibility, id)); err != nil {
		return err
	}
	return kv.Delete(key(prefixGroup, id))
}

// AddMember records that member joined the group.
func (db *DB) AddMember(tx ReadWriteTx, groupID rpc.GroupID, member rpc.ContactID) error {
	return tx.kv().Put(key(prefixGroupMember, groupID, member), []byte{1})
}

// IsMember returns whether member is a known member of the group.
func (db *DB) IsMember(tx ReadTx, groupID rpc.GroupID, member rpc.ContactID) (bool, error) {
	return exists(tx.kv(), key(prefixGroupMember, groupID, member))
}

// ListMembers returns the known members of the group.
func (db *DB) ListMembers(tx ReadTx, groupID rpc.GroupID) ([]rpc.ContactID, error) {
	return listIDs(tx.kv(), subPrefix(prefixGroupMember, groupID))
}

// SetGroupVisibility sets whether the content of the group is shared with the
// contact.
func (db *DB) SetGroupVisibility(tx ReadWriteTx, contact rpc.ContactID, groupID rpc.GroupID, shared bool) error {
	k := key(prefixVisibility, groupID, contact)
	if !shared {
		return tx.kv().Delete(k)
	}
	return tx.kv().Put(k, []byte{1})
}

// GetGroupVisibility returns whether the content of the group is shared with
// the contact.
func (db *DB) GetGroupVisibility(tx ReadTx, contact rpc.ContactID, groupID rpc.GroupID) (bool, error) {
	return exists(tx.kv(), key(prefixVisibility, groupID, contact))
}

// ListVisibility returns the contacts the group content is shared with.
func (db *DB) ListVisibility(tx ReadTx, groupID rpc.GroupID) ([]rpc.ContactID, error) {
	return listIDs(tx.kv(), subPrefix(prefixVisibility, groupID))
}

func listIDs(kv kvTx, prefix []byte) ([]rpc.ContactID, error) {
	var res []rpc.ContactID
	err := kv.Iterate(prefix, func(k, _ []byte) error {
		id, err := lastID(k)
		if err != nil {
			return err
		}
		res = append(res, id)
		return nil
	})
	return res, err
}
