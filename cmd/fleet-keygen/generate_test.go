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

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/identity/vault"
)

func TestWriteGeneratedKeyToFile(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	defer kp.Zeroize()

	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.json")
	generateOutputFile = path
	defer func() { generateOutputFile = "" }()

	require.NoError(t, writeGeneratedKey(kp, aid))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out generatedKeyOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, aid, out.AID)
	assert.Equal(t, kp.PublicKeyHex(), out.PublicKey)
	assert.Equal(t, kp.PrivateKeyHex(), out.PrivateKey)
}

func TestStoreGeneratedKeyRoundTripsThroughVault(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	defer kp.Zeroize()

	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	require.NoError(t, err)

	dir := t.TempDir()
	v, err := vault.NewFileVault(dir)
	require.NoError(t, err)
	require.NoError(t, v.Store(kp, "correct horse battery staple"))

	loaded, err := v.Load(aid, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, loaded.PublicKey)
	assert.Equal(t, kp.PrivateKey, loaded.PrivateKey)

	_, err = v.Load(aid, "wrong passphrase")
	assert.ErrorIs(t, err, vault.ErrInvalidPassphrase)
}

func TestDecodeHexKeyRoundTrip(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	defer kp.Zeroize()

	decoded, err := decodeHexKey(kp.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, decoded)

	_, err = decodeHexKey("not-hex")
	assert.Error(t, err)
}
