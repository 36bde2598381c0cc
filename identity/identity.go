// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package identity implements the Identity Kernel: Ed25519 key pair
// generation, and derivation/parsing of self-certifying agent identifiers
// (AIDs) in the did:key form, z-base58btc-encoded over a
// multicodec-prefixed Ed25519 public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// multicodecEd25519Pub is the two-byte varint prefix for the ed25519-pub
// multicodec (0xed01), prepended to the raw public key before base58btc
// encoding to form the did:key method-specific identifier.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// aidPattern matches the z-base58btc literal that follows "did:key:".
var aidPattern = regexp.MustCompile(`^z[1-9A-HJ-NP-Za-km-z]+$`)

const minAIDLength = 48

// Sentinel errors returned by this package's construction and parsing
// functions. Verification-style predicates (IsValid*) never return an
// error; they fold all failure modes into false.
var (
	ErrInvalidPrivateKeySize = errors.New("identity: private key must be 32 bytes")
	ErrInvalidPublicKeySize  = errors.New("identity: public key must be 32 bytes")
	ErrInvalidPublicKeyPoint = errors.New("identity: public key does not decode to a valid curve point")
	ErrInvalidAID            = errors.New("identity: not a valid agent identifier")
	ErrUnsupportedMethod     = errors.New("identity: unsupported DID method")
)

// KeyPair holds an Ed25519 private and public key. Both are fixed 32-byte
// seeds/points at rest; hex encoding only happens at serialization
// boundaries (logs, wire formats), never internally.
type KeyPair struct {
	// PrivateKey is the 32-byte Ed25519 seed. Zero it with Zeroize once the
	// key pair is no longer needed; never log it or include it in an error.
	PrivateKey []byte
	// PublicKey is the 32-byte Ed25519 public key.
	PublicKey []byte
}

// Zeroize overwrites the private key bytes in place. Callers that hold a
// KeyPair for the lifetime of a process should defer this at the point the
// identity is retired or the process is shutting down.
func (kp *KeyPair) Zeroize() {
	if kp == nil {
		return
	}
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}

// PrivateKeyHex returns the private key hex-encoded, for the narrow set of
// call sites (vault storage, CLI output behind an explicit flag) that need
// to cross a serialization boundary. Never pass this to a logger.
func (kp *KeyPair) PrivateKeyHex() string {
	return fmt.Sprintf("%x", kp.PrivateKey)
}

// PublicKeyHex returns the public key hex-encoded.
func (kp *KeyPair) PublicKeyHex() string {
	return fmt.Sprintf("%x", kp.PublicKey)
}

// Sign signs message with the key pair's private key.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(kp.PrivateKey), message)
}

// Generate creates a new random Ed25519 key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return &KeyPair{
		PrivateKey: priv.Seed(),
		PublicKey:  []byte(pub),
	}, nil
}

// DerivePublic returns the Ed25519 public key corresponding to priv, a
// 32-byte seed.
func DerivePublic(priv []byte) ([]byte, error) {
	if !IsValidPrivateKey(priv) {
		return nil, ErrInvalidPrivateKeySize
	}
	full := ed25519.NewKeyFromSeed(priv)
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, full[ed25519.SeedSize:])
	return pub, nil
}

// PublicKeyToAID derives the did:key AID for a 32-byte Ed25519 public key.
func PublicKeyToAID(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKeySize
	}
	if !IsValidPublicKey(pub) {
		return "", ErrInvalidPublicKeyPoint
	}
	prefixed := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	prefixed = append(prefixed, multicodecEd25519Pub...)
	prefixed = append(prefixed, pub...)
	return "did:key:z" + base58.Encode(prefixed), nil
}

// AIDToPublicKey extracts the 32-byte Ed25519 public key embedded in aid.
func AIDToPublicKey(aid string) ([]byte, error) {
	parsed, err := ParseAID(aid)
	if err != nil {
		return nil, err
	}
	return parsed.PublicKey, nil
}

// ParsedAID is the decoded form of an agent identifier.
type ParsedAID struct {
	Method    string
	PublicKey []byte
}

// ParseAID decodes an AID of the form "did:key:z<base58btc(...)>". Only the
// "key" method is supported; any other method returns ErrUnsupportedMethod.
func ParseAID(aid string) (*ParsedAID, error) {
	const prefix = "did:"
	if !strings.HasPrefix(aid, prefix) {
		return nil, fmt.Errorf("%w: missing did: prefix", ErrInvalidAID)
	}
	rest := aid[len(prefix):]

	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: missing method-specific id", ErrInvalidAID)
	}
	method, methodID := parts[0], parts[1]

	if method != "key" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}

	if !aidPattern.MatchString(methodID) || len(methodID) < minAIDLength {
		return nil, fmt.Errorf("%w: malformed method-specific id", ErrInvalidAID)
	}

	decoded, err := base58.Decode(methodID[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: base58 decode: %v", ErrInvalidAID, err)
	}

	if len(decoded) != len(multicodecEd25519Pub)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected decoded length %d", ErrInvalidAID, len(decoded))
	}
	if decoded[0] != multicodecEd25519Pub[0] || decoded[1] != multicodecEd25519Pub[1] {
		return nil, fmt.Errorf("%w: unexpected multicodec prefix", ErrInvalidAID)
	}

	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, decoded[len(multicodecEd25519Pub):])

	return &ParsedAID{Method: method, PublicKey: pub}, nil
}

// IsValidAID reports whether aid parses successfully as a did:key AID.
func IsValidAID(aid string) bool {
	_, err := ParseAID(aid)
	return err == nil
}

// IsValidPrivateKey reports whether priv is a well-formed 32-byte Ed25519
// seed that is not the all-zero seed. The all-zero seed is rejected
// explicitly rather than relied upon to fail downstream: it is a
// structurally valid Ed25519 seed that deterministically derives a fixed,
// well-known key pair, so signing with it would silently produce a
// passport or identity an attacker can trivially forge.
func IsValidPrivateKey(priv []byte) bool {
	if len(priv) != ed25519.SeedSize {
		return false
	}
	return !isAllZero(priv)
}

// IsValidPublicKey reports whether pub is a well-formed 32-byte Ed25519
// public key that is not the all-zero encoding and decodes to a valid
// point on the curve. The all-zero check is explicit rather than left to
// the curve-point decode: whether the all-zero encoding is a valid curve
// point is an artifact of the decoder filippo.io/edwards25519 happens to
// use, not a documented guarantee, so correctness here must not depend on
// it.
func IsValidPublicKey(pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if isAllZero(pub) {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(pub)
	return err == nil
}

// isAllZero reports whether every byte in b is zero.
func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
