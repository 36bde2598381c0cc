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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/identity"
)

func mustGenerate(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return kp
}

func TestCreateAndVerify(t *testing.T) {
	kp := mustGenerate(t)
	p, err := Create(kp, []string{"move", "sense"}, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, Verify(p, VerifyOptions{}))
}

func TestSerializeDeserializeRoundTripAndVerify(t *testing.T) {
	kp := mustGenerate(t)
	p, err := Create(kp, []string{"move"}, CreateOptions{})
	require.NoError(t, err)

	data, err := Serialize(p)
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, p, restored)
	assert.True(t, Verify(restored, VerifyOptions{}))
}

func TestDeserializeRejectsUnknownFields(t *testing.T) {
	data := []byte(`{"did":"did:key:zfoo","publicKey":"ab","capabilities":[],"issuedAt":1,"signature":"cd","extra":"nope"}`)
	_, err := Deserialize(data)
	require.Error(t, err)
}

func TestDeserializeRejectsMissingRequiredFields(t *testing.T) {
	tests := map[string]string{
		"did":          `{"publicKey":"ab","capabilities":[],"issuedAt":1,"signature":"cd"}`,
		"publicKey":    `{"did":"did:key:zfoo","capabilities":[],"issuedAt":1,"signature":"cd"}`,
		"signature":    `{"did":"did:key:zfoo","publicKey":"ab","capabilities":[],"issuedAt":1}`,
		"issuedAt":     `{"did":"did:key:zfoo","publicKey":"ab","capabilities":[],"signature":"cd"}`,
		"capabilities": `{"did":"did:key:zfoo","publicKey":"ab","issuedAt":1,"signature":"cd"}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Deserialize([]byte(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestVerifyFailsOnTamperedCapabilities(t *testing.T) {
	kp := mustGenerate(t)
	p, err := Create(kp, []string{"move"}, CreateOptions{})
	require.NoError(t, err)

	p.Capabilities = append(p.Capabilities, "sense")
	assert.False(t, Verify(p, VerifyOptions{}))
}

func TestVerifyFailsOnTamperedSignature(t *testing.T) {
	kp := mustGenerate(t)
	p, err := Create(kp, []string{"move"}, CreateOptions{})
	require.NoError(t, err)

	// Flip the signature's hex by corrupting a char deterministically.
	bytes := []byte(p.Signature)
	if bytes[0] == 'a' {
		bytes[0] = 'b'
	} else {
		bytes[0] = 'a'
	}
	p.Signature = string(bytes)

	assert.False(t, Verify(p, VerifyOptions{}))
}

func TestVerifyFailsOnPublicKeyMismatch(t *testing.T) {
	kp := mustGenerate(t)
	other := mustGenerate(t)
	p, err := Create(kp, []string{"move"}, CreateOptions{})
	require.NoError(t, err)

	p.PublicKey = other.PublicKeyHex()
	assert.False(t, Verify(p, VerifyOptions{}))
}

func TestExpiryAndIgnoreExpiration(t *testing.T) {
	kp := mustGenerate(t)
	ttl := int64(10)
	p, err := Create(kp, []string{"move"}, CreateOptions{TTLSeconds: &ttl})
	require.NoError(t, err)

	future := time.Unix(p.IssuedAt+100, 0)
	assert.True(t, IsExpired(p, future))
	assert.False(t, Verify(p, VerifyOptions{CurrentTime: &future}))
	assert.True(t, Verify(p, VerifyOptions{CurrentTime: &future, IgnoreExpiration: true}))

	past := time.Unix(p.IssuedAt+1, 0)
	assert.False(t, IsExpired(p, past))
	assert.True(t, Verify(p, VerifyOptions{CurrentTime: &past}))
}

func TestBatchVerifyOrderedResults(t *testing.T) {
	var passports []*Passport
	for i := 0; i < 20; i++ {
		kp := mustGenerate(t)
		p, err := Create(kp, []string{"move"}, CreateOptions{})
		require.NoError(t, err)
		passports = append(passports, p)
	}

	// Tamper with one passport in the middle to confirm per-index results.
	passports[10].Capabilities = append(passports[10].Capabilities, "tampered")

	results := BatchVerify(passports, VerifyOptions{})
	require.Len(t, results, 20)
	for i, ok := range results {
		if i == 10 {
			assert.False(t, ok)
		} else {
			assert.True(t, ok)
		}
	}
}

func TestVerifyNilPassport(t *testing.T) {
	assert.False(t, Verify(nil, VerifyOptions{}))
}
