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

package passport

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fleet-x-project/fleet/canon"
	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/internal/logger"
)

// RotationProof is consent, signed by the OLD key, for an agent to move
// its identity to a new key pair. It is distinct from re-issuing a
// passport: the new passport is self-signed by the new key as usual, but
// only a valid RotationProof establishes that the old identity endorsed
// the handoff.
type RotationProof struct {
	OldDID    string `json:"oldDid"`
	NewDID    string `json:"newDid"`
	NewPublicKey string `json:"newPublicKey"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func rotationPreimage(p *RotationProof) ([]byte, error) {
	return canon.MarshalMap(map[string]interface{}{
		"oldDid":       p.OldDID,
		"newDid":       p.NewDID,
		"newPublicKey": p.NewPublicKey,
		"timestamp":    p.Timestamp,
	})
}

// CreateRotationProof builds and signs, with oldKeyPair, a proof that the
// identity is moving to newPublicKey.
func CreateRotationProof(oldKeyPair *identity.KeyPair, newPublicKey []byte) (*RotationProof, error) {
	oldDID, err := identity.PublicKeyToAID(oldKeyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("passport: derive old did: %w", err)
	}
	newDID, err := identity.PublicKeyToAID(newPublicKey)
	if err != nil {
		return nil, fmt.Errorf("passport: derive new did: %w", err)
	}

	proof := &RotationProof{
		OldDID:       oldDID,
		NewDID:       newDID,
		NewPublicKey: hex.EncodeToString(newPublicKey),
		Timestamp:    time.Now().Unix(),
	}

	preimage, err := rotationPreimage(proof)
	if err != nil {
		return nil, fmt.Errorf("passport: build rotation preimage: %w", err)
	}

	sig := ed25519.Sign(ed25519.NewKeyFromSeed(oldKeyPair.PrivateKey), preimage)
	proof.Signature = hex.EncodeToString(sig)

	return proof, nil
}

// VerifyRotationProof checks that proof was signed by the private key
// behind OldDID, and that NewDID/NewPublicKey are self-consistent.
func VerifyRotationProof(proof *RotationProof) bool {
	if proof == nil {
		return false
	}

	oldParsed, err := identity.ParseAID(proof.OldDID)
	if err != nil {
		logger.Debug("rotation verify: invalid old did", logger.Error(err))
		return false
	}

	newParsed, err := identity.ParseAID(proof.NewDID)
	if err != nil {
		logger.Debug("rotation verify: invalid new did", logger.Error(err))
		return false
	}

	newPub, err := hex.DecodeString(proof.NewPublicKey)
	if err != nil || len(newPub) != ed25519.PublicKeySize {
		logger.Debug("rotation verify: invalid new public key hex")
		return false
	}
	if string(newPub) != string(newParsed.PublicKey) {
		logger.Debug("rotation verify: new public key does not match new did")
		return false
	}

	sig, err := hex.DecodeString(proof.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		logger.Debug("rotation verify: invalid signature hex")
		return false
	}

	preimage, err := rotationPreimage(proof)
	if err != nil {
		logger.Debug("rotation verify: preimage build failed", logger.Error(err))
		return false
	}

	return ed25519.Verify(oldParsed.PublicKey, preimage, sig)
}

// RotatePassport issues a new passport under newKeyPair, preserving
// old's capabilities and TTL-from-now semantics, and a RotationProof
// signed by the key behind old.
func RotatePassport(old *Passport, oldKeyPair *identity.KeyPair, newKeyPair *identity.KeyPair, opts CreateOptions) (*Passport, *RotationProof, error) {
	proof, err := CreateRotationProof(oldKeyPair, newKeyPair.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	newPassport, err := Create(newKeyPair, append([]string(nil), old.Capabilities...), opts)
	if err != nil {
		return nil, nil, err
	}

	return newPassport, proof, nil
}
