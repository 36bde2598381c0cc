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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/identity"
)

func TestCreateAndVerifyRotationProof(t *testing.T) {
	oldKP := mustGenerate(t)
	newKP := mustGenerate(t)

	proof, err := CreateRotationProof(oldKP, newKP.PublicKey)
	require.NoError(t, err)

	assert.True(t, VerifyRotationProof(proof))
}

func TestVerifyRotationProofRejectsTamperedNewKey(t *testing.T) {
	oldKP := mustGenerate(t)
	newKP := mustGenerate(t)
	unrelated := mustGenerate(t)

	proof, err := CreateRotationProof(oldKP, newKP.PublicKey)
	require.NoError(t, err)

	proof.NewPublicKey = unrelated.PublicKeyHex()
	assert.False(t, VerifyRotationProof(proof))
}

func TestVerifyRotationProofRejectsWrongSigner(t *testing.T) {
	oldKP := mustGenerate(t)
	impostor := mustGenerate(t)
	newKP := mustGenerate(t)

	// Sign with the impostor's key but claim the old identity's DID.
	proof, err := CreateRotationProof(impostor, newKP.PublicKey)
	require.NoError(t, err)

	realOldDID, err := identity.PublicKeyToAID(oldKP.PublicKey)
	require.NoError(t, err)
	proof.OldDID = realOldDID

	assert.False(t, VerifyRotationProof(proof))
}

func TestRotatePassportPreservesCapabilities(t *testing.T) {
	oldKP := mustGenerate(t)
	newKP := mustGenerate(t)

	oldPassport, err := Create(oldKP, []string{"move", "sense", "plan"}, CreateOptions{})
	require.NoError(t, err)

	newPassport, proof, err := RotatePassport(oldPassport, oldKP, newKP, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, Verify(newPassport, VerifyOptions{}))
	assert.True(t, VerifyRotationProof(proof))
	assert.ElementsMatch(t, oldPassport.Capabilities, newPassport.Capabilities)
	assert.Equal(t, proof.NewDID, newPassport.DID)
}
