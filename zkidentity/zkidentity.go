// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// zkidentity package manages public and private identities and the labeled
// signatures produced with them.
package zkidentity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/ed25519"
	"lukechampine.com/blake3"
)

var (
	prng = rand.Reader

	ErrVerify = errors.New("verify error")
)

const (
	IdentitySize = sha256.Size

	// MaxLabelLen is the maximum length of a signature label.
	MaxLabelLen = 255

	digestLabel = "zkidentity/digest/v1"
)

// PublicIdentity is the public half of an identity: a display name, an
// ed25519 signature key and an NTRU Prime public key. Identity, taken as the
// SHA256 of the NTRU public key, is the short handle used to refer to the
// owner everywhere else (contact ids, group creators).
type PublicIdentity struct {
	Name      string                    `json:"name"`
	SigKey    FixedSizeEd25519PublicKey `json:"sigKey"`
	Key       FixedSizeSntrupPublicKey  `json:"key"`
	Identity  ShortID                   `json:"identity"`
	Digest    FixedSizeDigest           `json:"digest"`    // digest of name, keys and identity
	Signature FixedSizeSignature        `json:"signature"` // signature of Digest
}

// FullIdentity is a local identity, including its private keys.
type FullIdentity struct {
	Public        PublicIdentity             `json:"publicIdentity"`
	PrivateSigKey FixedSizeEd25519PrivateKey `json:"privateSigKey"`
	PrivateKey    FixedSizeSntrupPrivateKey  `json:"privateKey"`
}

// NewWithRNG generates a new identity named name, reading randomness from
// prng.
func NewWithRNG(name string, prng io.Reader) (*FullIdentity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	ntruPub, ntruPriv, err := sntrup4591761.GenerateKey(prng)
	if err != nil {
		return nil, err
	}

	fi := &FullIdentity{
		Public: PublicIdentity{
			Name:     name,
			Identity: IdentityFromPub(ntruPub),
		},
	}
	copy(fi.Public.SigKey[:], sigPub)
	copy(fi.Public.Key[:], ntruPub[:])
	copy(fi.PrivateSigKey[:], sigPriv)
	copy(fi.PrivateKey[:], ntruPriv[:])
	if err := fi.RecalculateDigest(); err != nil {
		return nil, err
	}

	zero(sigPriv)
	zero(ntruPriv[:])
	return fi, nil
}

// New generates a new identity using the crypto rng.
func New(name string) (*FullIdentity, error) {
	return NewWithRNG(name, prng)
}

// MustNew generates a new identity or panics.
func MustNew(name string) *FullIdentity {
	id, err := New(name)
	if err != nil {
		panic(err)
	}
	return id
}

// RecalculateDigest recomputes and re-signs the public digest. It must be
// called after changing any public field.
func (fi *FullIdentity) RecalculateDigest() error {
	fi.Public.Digest = fi.Public.digest()
	fi.Public.Signature = SignLabeled(digestLabel, fi.Public.Digest[:], &fi.PrivateSigKey)
	if !fi.Public.Verify() {
		return fmt.Errorf("could not verify public signature")
	}
	return nil
}

// ID returns the short identity of fi.
func (fi *FullIdentity) ID() ShortID {
	return fi.Public.Identity
}

// SignLabeled signs data under the given label using the identity's private
// signature key.
func (fi *FullIdentity) SignLabeled(label string, data []byte) FixedSizeSignature {
	return SignLabeled(label, data, &fi.PrivateSigKey)
}

// labeledMessage returns the byte string actually signed for a labeled
// signature: len(label) || label || data. The length prefix prevents a
// label/data split from being reinterpreted under a different label.
func labeledMessage(label string, data []byte) []byte {
	if len(label) > MaxLabelLen {
		panic(fmt.Sprintf("signature label too long: %d", len(label)))
	}
	msg := make([]byte, 0, 1+len(label)+len(data))
	msg = append(msg, byte(len(label)))
	msg = append(msg, label...)
	return append(msg, data...)
}

// SignLabeled signs data under label with an Ed25519 private key.
func SignLabeled(label string, data []byte, privKey *FixedSizeEd25519PrivateKey) FixedSizeSignature {
	var sig FixedSizeSignature
	copy(sig[:], ed25519.Sign(privKey[:], labeledMessage(label, data)))
	return sig
}

// VerifyLabeled verifies a signature produced by SignLabeled.
func VerifyLabeled(label string, data []byte, sig *FixedSizeSignature, pubKey *FixedSizeEd25519PublicKey) bool {
	if len(label) > MaxLabelLen {
		return false
	}
	return ed25519.Verify(pubKey[:], labeledMessage(label, data), sig[:])
}

// VerifyLabeled verifies a labeled signature made by this identity.
func (p PublicIdentity) VerifyLabeled(label string, data []byte, sig *FixedSizeSignature) bool {
	return VerifyLabeled(label, data, sig, &p.SigKey)
}

func (p PublicIdentity) String() string {
	return p.Identity.String()
}

func (p PublicIdentity) digest() FixedSizeDigest {
	var nameLen [4]byte
	binary.BigEndian.PutUint32(nameLen[:], uint32(len(p.Name)))

	h := blake3.New(32, nil)
	h.Write(nameLen[:])
	h.Write([]byte(p.Name))
	h.Write(p.SigKey[:])
	h.Write(p.Key[:])
	h.Write(p.Identity[:])
	var d FixedSizeDigest
	copy(d[:], h.Sum(nil))
	return d
}

// Verify checks the digest of the public fields and its self-signature.
func (p PublicIdentity) Verify() bool {
	want := p.digest()
	if !p.Digest.ConstantTimeEq(&want) {
		return false
	}
	return VerifyLabeled(digestLabel, p.Digest[:], &p.Signature, &p.SigKey)
}

// VerifyIdentity checks that Identity was derived from Key.
func (p PublicIdentity) VerifyIdentity() bool {
	key := (*sntrup4591761.PublicKey)(&p.Key)
	wantID := IdentityFromPub(key)
	return p.Identity.ConstantTimeEq(&wantID)
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := range in {
		in[i] = 0
	}
}

// IdentityFromPub derives the short identity of an NTRU Prime public key.
func IdentityFromPub(pub *sntrup4591761.PublicKey) ShortID {
	return sha256.Sum256(pub[:])
}
