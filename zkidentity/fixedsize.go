package zkidentity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/ed25519"
)

// FixedSizeSignature is a 64-byte, fixed size signature. This is used as an
// alternative for 64-byte signatures to ensure compact encoding into json.
type FixedSizeSignature [ed25519.SignatureSize]byte

// FixedSizeEd25519PrivateKey is a 64-byte, fixed size private key.
type FixedSizeEd25519PrivateKey = FixedSizeSignature

// FixedSizeEd25519PublicKey is a 32-byte, fixed size ed25519 public key.
type FixedSizeEd25519PublicKey = ShortID

// FixedSizeDigest is a 32-byte, fixed size digest.
type FixedSizeDigest = ShortID

// NewFixedSizeEd25519KeyPair generates a new, random keypair.
func NewFixedSizeEd25519KeyPair() (*FixedSizeEd25519PrivateKey, *FixedSizeEd25519PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		// Should not happen with crypto rand reader.
		panic(err)
	}

	var fixedPriv FixedSizeEd25519PrivateKey
	var fixedPub FixedSizeEd25519PublicKey
	copy(fixedPub[:], pub)
	copy(fixedPriv[:], priv)
	return &fixedPriv, &fixedPub
}

// IsEmpty returns true if the signature is all zeroes.
func (u FixedSizeSignature) IsEmpty() bool {
	return u == FixedSizeSignature{}
}

// String returns the hex encoding of the FixedSizeSignature.
func (u FixedSizeSignature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u FixedSizeSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of an FixedSizeSignature.
func (u *FixedSizeSignature) UnmarshalJSON(b []byte) error {
	return unmarshalHexJSON(u[:], b, "FixedSizeSignature")
}

// FromString decodes s into an FixedSizeSignature. s must contain an
// hex-encoded signature of the correct length.
func (u *FixedSizeSignature) FromString(s string) error {
	return decodeFixedHex(u[:], s, "FixedSizeSignature")
}

// FromBytes copies the signature from the given byte slice. The passed slice
// must have the correct length.
func (u *FixedSizeSignature) FromBytes(b []byte) error {
	return copyFixed(u[:], b, "FixedSizeSignature")
}

// FixedSizeSntrupPublicKey is a fixed size sntrup public key.
type FixedSizeSntrupPublicKey [sntrup4591761.PublicKeySize]byte

// MarshalJSON marshals the key into a json string.
func (u FixedSizeSntrupPublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(u[:]))
}

// UnmarshalJSON unmarshals the json representation of an
// FixedSizeSntrupPublicKey.
func (u *FixedSizeSntrupPublicKey) UnmarshalJSON(b []byte) error {
	return unmarshalHexJSON(u[:], b, "FixedSizeSntrupPublicKey")
}

// FixedSizeSntrupPrivateKey is a fixed size sntrup private key.
type FixedSizeSntrupPrivateKey [sntrup4591761.PrivateKeySize]byte

// MarshalJSON marshals the key into a json string.
func (u FixedSizeSntrupPrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(u[:]))
}

// UnmarshalJSON unmarshals the json representation of an
// FixedSizeSntrupPrivateKey.
func (u *FixedSizeSntrupPrivateKey) UnmarshalJSON(b []byte) error {
	return unmarshalHexJSON(u[:], b, "FixedSizeSntrupPrivateKey")
}
