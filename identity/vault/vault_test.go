// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/identity"
)

func TestFileVaultStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	v, err := NewFileVault(dir)
	require.NoError(t, err)

	kp, err := identity.Generate()
	require.NoError(t, err)

	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	require.NoError(t, err)

	require.NoError(t, v.Store(kp, "correct horse battery staple"))
	assert.True(t, v.Exists(aid))

	loaded, err := v.Load(aid, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, kp.PrivateKey, loaded.PrivateKey)
	assert.Equal(t, kp.PublicKey, loaded.PublicKey)
}

func TestFileVaultWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	v, err := NewFileVault(dir)
	require.NoError(t, err)

	kp, err := identity.Generate()
	require.NoError(t, err)
	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	require.NoError(t, err)

	require.NoError(t, v.Store(kp, "right passphrase"))

	_, err = v.Load(aid, "wrong passphrase")
	assert.ErrorIs(t, err, ErrInvalidPassphrase)
}

func TestFileVaultLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	v, err := NewFileVault(dir)
	require.NoError(t, err)

	kp, err := identity.Generate()
	require.NoError(t, err)
	aid, err := identity.PublicKeyToAID(kp.PublicKey)
	require.NoError(t, err)

	_, err = v.Load(aid, "whatever")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileVaultDeleteAndList(t *testing.T) {
	dir := t.TempDir()
	v, err := NewFileVault(dir)
	require.NoError(t, err)

	kp1, err := identity.Generate()
	require.NoError(t, err)
	kp2, err := identity.Generate()
	require.NoError(t, err)

	aid1, _ := identity.PublicKeyToAID(kp1.PublicKey)
	aid2, _ := identity.PublicKeyToAID(kp2.PublicKey)

	require.NoError(t, v.Store(kp1, "pw"))
	require.NoError(t, v.Store(kp2, "pw"))

	list, err := v.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{aid1, aid2}, list)

	require.NoError(t, v.Delete(aid1))
	assert.False(t, v.Exists(aid1))

	err = v.Delete(aid1)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileVaultRejectsInvalidAID(t *testing.T) {
	dir := t.TempDir()
	v, err := NewFileVault(dir)
	require.NoError(t, err)

	_, err = v.Load("not-a-valid-aid", "pw")
	assert.ErrorIs(t, err, ErrInvalidAID)
}
