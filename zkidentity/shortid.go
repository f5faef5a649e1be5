package zkidentity

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ShortID is a 32-byte global ID. This is used as an alias for all 32-byte
// arrays that are interpreted as unique IDs (identities, groups, messages,
// sessions).
type ShortID [32]byte

// decodeFixedHex decodes the hex string s into dst, which must be exactly the
// decoded length. typ is used in error messages.
func decodeFixedHex(dst []byte, s, typ string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return copyFixed(dst, h, typ)
}

// copyFixed copies src into dst, which must have the same length.
func copyFixed(dst, src []byte, typ string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("invalid %s length: %d", typ, len(src))
	}
	copy(dst, src)
	return nil
}

// unmarshalHexJSON decodes a json string holding an hex-encoded fixed size
// value.
func unmarshalHexJSON(dst []byte, b []byte, typ string) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return decodeFixedHex(dst, s, typ)
}

// Bytes returns the ID as a slice of bytes.
func (u ShortID) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the ShortID.
func (u ShortID) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex format (16 chars), useful as a
// short log ID.
func (u ShortID) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// MarshalJSON marshals the id into a json string.
func (u ShortID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a ShortID.
func (u *ShortID) UnmarshalJSON(b []byte) error {
	return unmarshalHexJSON(u[:], b, "ShortID")
}

// FromString decodes s into an ShortID. s must contain an hex-encoded ID of the
// correct length.
func (u *ShortID) FromString(s string) error {
	return decodeFixedHex(u[:], s, "ShortID")
}

// FromBytes copies the short id from the given byte slice. The passed slice
// must have the correct length.
func (u *ShortID) FromBytes(b []byte) error {
	return copyFixed(u[:], b, "ShortID")
}

// Compare returns -1, 0 or 1 depending on whether u sorts before, equal or
// after other (big-endian).
func (u ShortID) Compare(other ShortID) int {
	return bytes.Compare(u[:], other[:])
}

// Less returns whether this is less then the passed ID. other must be non-nil,
// otherwise this panics.
func (u *ShortID) Less(other *ShortID) bool {
	return u.Compare(*other) < 0
}

// ConstantTimeEq returns true when the two ids are equal. The comparison is
// done in constant time.
func (u ShortID) ConstantTimeEq(other *ShortID) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// IsEmpty returns true if the short ID is empty (i.e. all zero).
func (u ShortID) IsEmpty() bool {
	var empty ShortID
	return u.ConstantTimeEq(&empty)
}
