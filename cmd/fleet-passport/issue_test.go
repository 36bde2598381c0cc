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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/passport"
)

func TestLoadKeyPairFromHex(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	defer kp.Zeroize()

	loaded, err := loadKeyPair(kp.PrivateKeyHex(), "", "")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, loaded.PublicKey)
}

func TestLoadKeyPairRequiresKeyOrVault(t *testing.T) {
	_, err := loadKeyPair("", "", "")
	assert.Error(t, err)
}

func TestIssuedPassportVerifies(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	defer kp.Zeroize()

	ttl := int64(3600)
	p, err := passport.Create(kp, []string{"rpc.call"}, passport.CreateOptions{TTLSeconds: &ttl})
	require.NoError(t, err)

	assert.True(t, passport.Verify(p, passport.VerifyOptions{}))
	assert.Equal(t, []string{"rpc.call"}, p.Capabilities)
}
