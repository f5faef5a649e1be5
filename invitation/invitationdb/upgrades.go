package invitationdb

import (
	"context"
	"encoding/binary"
	"fmt"
)

// currentVersion is the version of the key layout written by this code.
const currentVersion = 1

var versionKey = []byte(prefixMeta + "version")

func readVersion(tx kvTx) (uint32, error) {
	b, found, err := tx.Get(versionKey)
	if err != nil || !found {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("invalid db version entry %x", b)
	}
	return binary.BigEndian.Uint32(b), nil
}

func writeVersion(tx kvTx, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return tx.Put(versionKey, b[:])
}

// performUpgrades initializes a new db or checks that an existing one is not
// from a newer version.
func (db *DB) performUpgrades(ctx context.Context) error {
	return db.backend.update(ctx, func(tx kvTx) error {
		v, err := readVersion(tx)
		if err != nil {
			return err
		}
		switch {
		case v == 0:
			db.log.Debugf("Initializing db at version %d", currentVersion)
			return writeVersion(tx, currentVersion)
		case v > currentVersion:
			return fmt.Errorf("db version %d is newer than supported "+
				"version %d", v, currentVersion)
		}
		return nil
	})
}
