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

// Package canon implements an RFC 8785-equivalent JSON canonicalization
// scheme: lexicographic object key ordering, no insignificant whitespace,
// minimal string escaping, and integral numbers rendered without exponents.
// Both sides of a signature (signer and verifier) must produce byte-identical
// output for the same logical value, so this package never changes behavior
// based on map iteration order, struct field order, or platform float
// formatting quirks.
package canon

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// SchemeVersion identifies the canonicalization rules implemented by this
// package. A signer and verifier running different scheme versions would
// produce different preimages for the same logical passport and every
// signature would fail to verify, so this is surfaced through
// pkg/version's build info rather than left implicit.
const SchemeVersion = "RFC8785-1"

// ErrUnsupportedType is returned when a value in the decoded tree cannot be
// canonicalized. Functions, channels, complex numbers and cyclic structures
// never reach that stage: the initial encoding/json pass rejects them, and
// Marshal returns that error wrapped instead.
var ErrUnsupportedType = errors.New("canon: unsupported type")

// ErrNonFiniteNumber is returned when a decoded number is NaN or +/-Inf. A
// NaN or +/-Inf float passed to Marshal is rejected by the initial
// encoding/json pass instead, and Marshal returns that error wrapped.
var ErrNonFiniteNumber = errors.New("canon: non-finite number")

// Marshal returns the canonical JSON encoding of v.
//
// v is first round-tripped through encoding/json (so struct tags, custom
// MarshalJSON methods, etc. behave exactly as they do for normal encoding),
// then the decoded value tree is re-serialized under the canonicalization
// rules. This also gives Marshal cycle detection for free: encoding/json
// itself rejects cyclic struct/map/slice graphs.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: initial marshal: %w", err)
	}

	var decoded interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canon: decode for canonicalization: %w", err)
	}

	var buf strings.Builder
	if err := encodeValue(&buf, decoded); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// MarshalMap is a convenience wrapper for the common signing case: building
// a canonical pre-image from an explicit field set (callers build the map
// themselves so omitted/optional fields are genuinely absent, not null).
func MarshalMap(fields map[string]interface{}) ([]byte, error) {
	return Marshal(fields)
}

func encodeValue(buf *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
		return nil
	case []interface{}:
		return encodeArray(buf, val)
	case map[string]interface{}:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func encodeNumber(buf *strings.Builder, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}

	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteNumber
	}

	if f == math.Trunc(f) {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}

	// Shortest round-trippable decimal form, RFC 8785-style (no exponent
	// for magnitudes where it's avoidable, lowercase 'e' otherwise).
	s := strconv.FormatFloat(f, 'g', -1, 64)
	buf.WriteString(s)
	return nil
}

func encodeString(buf *strings.Builder, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func encodeArray(buf *strings.Builder, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *strings.Builder, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
