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

package canon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalKeyOrdering(t *testing.T) {
	in := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mike":  3,
	}

	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":3,"zebra":1}`, string(out))
}

func TestMarshalNoWhitespace(t *testing.T) {
	in := map[string]interface{}{
		"a": []interface{}{1, 2, 3},
		"b": map[string]interface{}{"c": "d"},
	}

	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3],"b":{"c":"d"}}`, string(out))
}

func TestMarshalIntegralNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"zero", 0, "0"},
		{"positive int", 42, "42"},
		{"negative int", -7, "-7"},
		{"large int as float", float64(1000000), "1000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(map[string]interface{}{"n": tt.in})
			require.NoError(t, err)
			assert.Equal(t, `{"n":`+tt.want+`}`, string(out))
		})
	}
}

func TestMarshalStringEscaping(t *testing.T) {
	in := map[string]interface{}{"s": "line1\nline2\ttab\"quote"}
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"s":"line1\nline2\ttab\"quote"}`, string(out))
}

func TestMarshalDeterministicAcrossCalls(t *testing.T) {
	in := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	first, err := Marshal(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalNestedObjectsSorted(t *testing.T) {
	in := map[string]interface{}{
		"outer": map[string]interface{}{
			"z": 1,
			"a": 2,
		},
	}
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":2,"z":1}}`, string(out))
}

func TestMarshalRejectsFunction(t *testing.T) {
	_, err := Marshal(map[string]interface{}{"f": func() {}})
	require.Error(t, err)
}

func TestMarshalRejectsNonFiniteFloat(t *testing.T) {
	// encoding/json refuses to marshal NaN/Inf, so Marshal fails in its
	// initial encoding pass.
	_, err := Marshal(map[string]interface{}{"f": math.NaN()})
	require.Error(t, err)
}

func TestMarshalNullOmitsNothingButRendersNull(t *testing.T) {
	out, err := Marshal(map[string]interface{}{"a": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"a":null}`, string(out))
}

func TestMarshalByteIdenticalAcrossEquivalentInputOrders(t *testing.T) {
	a := struct {
		B int `json:"b"`
		A int `json:"a"`
	}{B: 2, A: 1}

	b := struct {
		A int `json:"a"`
		B int `json:"b"`
	}{A: 1, B: 2}

	outA, err := Marshal(a)
	require.NoError(t, err)
	outB, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, outA, outB)
}
