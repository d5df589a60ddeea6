// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codecs

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// The decimal and bigint wire format is the Postgres numeric layout:
// u16 digit count, i16 weight, u16 sign, u16 display scale, then the digits
// in base 10000, most significant first. bigint is the same with zero scale.

const (
	numericPos = 0x0000
	numericNeg = 0x4000
)

// decodeNumericString reconstructs the plain decimal string for a numeric
// wire value.
func decodeNumericString(r *wire.Reader) (string, error) {
	ndigits, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	weight, err := r.ReadInt16()
	if err != nil {
		return "", err
	}
	sign, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	dscale, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	digits := make([]uint16, ndigits)
	for i := range digits {
		digits[i], err = r.ReadUint16()
		if err != nil {
			return "", err
		}
	}
	if sign != numericPos && sign != numericNeg {
		return "", fmt.Errorf("invalid numeric sign 0x%04x", sign)
	}

	var sb strings.Builder
	if sign == numericNeg {
		sb.WriteByte('-')
	}

	// Integer part: groups 0..weight.
	if weight < 0 {
		sb.WriteByte('0')
	} else {
		for i := 0; i <= int(weight); i++ {
			var d uint16
			if i < int(ndigits) {
				d = digits[i]
			}
			if i == 0 {
				fmt.Fprintf(&sb, "%d", d)
			} else {
				fmt.Fprintf(&sb, "%04d", d)
			}
		}
	}

	// Fractional part: dscale decimal places taken from the groups after
	// the weight, zero-padded on either side.
	if dscale > 0 {
		var frac strings.Builder
		for i := int(weight) + 1; frac.Len() < int(dscale); i++ {
			var d uint16
			if i >= 0 && i < int(ndigits) {
				d = digits[i]
			}
			fmt.Fprintf(&frac, "%04d", d)
		}
		sb.WriteByte('.')
		sb.WriteString(frac.String()[:dscale])
	}

	return sb.String(), nil
}

// encodeNumericString writes the numeric wire form of a plain decimal
// string ("-123.4500" style, no exponent).
func encodeNumericString(w *wire.Writer, s string) error {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, fracPart, _ := strings.Cut(s, ".")
	dscale := len(fracPart)

	// Left-pad the integer part and right-pad the fraction to whole
	// base-10000 groups.
	if pad := len(intPart) % 4; pad != 0 {
		intPart = strings.Repeat("0", 4-pad) + intPart
	}
	if pad := len(fracPart) % 4; pad != 0 {
		fracPart = fracPart + strings.Repeat("0", 4-pad)
	}

	var digits []uint16
	for i := 0; i < len(intPart); i += 4 {
		digits = append(digits, groupValue(intPart[i:i+4]))
	}
	weight := int16(len(digits) - 1)
	for i := 0; i < len(fracPart); i += 4 {
		digits = append(digits, groupValue(fracPart[i:i+4]))
	}

	// Strip leading and trailing zero groups; weight tracks the first kept
	// group.
	for len(digits) > 0 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}
	for len(digits) > 0 && digits[len(digits)-1] == 0 {
		digits = digits[:len(digits)-1]
	}
	if len(digits) == 0 {
		weight = 0
		neg = false
	}

	w.WriteUint16(uint16(len(digits)))
	w.WriteInt16(weight)
	if neg {
		w.WriteUint16(numericNeg)
	} else {
		w.WriteUint16(numericPos)
	}
	w.WriteUint16(uint16(dscale))
	for _, d := range digits {
		w.WriteUint16(d)
	}
	return nil
}

// groupValue parses a 4-char base-10000 group.
func groupValue(s string) uint16 {
	var v uint16
	for i := 0; i < len(s); i++ {
		v = v*10 + uint16(s[i]-'0')
	}
	return v
}

type decimalCodec struct{}

func (decimalCodec) ID() uuid.UUID { return DecimalID }

func (decimalCodec) Decode(r *wire.Reader) (any, error) {
	s, err := decodeNumericString(r)
	if err != nil {
		return nil, err
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

func (decimalCodec) Encode(w *wire.Writer, v any) error {
	d, ok := v.(*apd.Decimal)
	if !ok {
		return fmt.Errorf("expected *apd.Decimal, got %T", v)
	}
	if d.Form != apd.Finite {
		return fmt.Errorf("cannot encode non-finite decimal %s", d)
	}
	return encodeNumericString(w, d.Text('f'))
}

type bigIntCodec struct{}

func (bigIntCodec) ID() uuid.UUID { return BigIntID }

func (bigIntCodec) Decode(r *wire.Reader) (any, error) {
	s, err := decodeNumericString(r)
	if err != nil {
		return nil, err
	}
	n := new(apd.BigInt)
	if _, ok := n.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid bigint %q", s)
	}
	return n, nil
}

func (bigIntCodec) Encode(w *wire.Writer, v any) error {
	n, ok := v.(*apd.BigInt)
	if !ok {
		return fmt.Errorf("expected *apd.BigInt, got %T", v)
	}
	return encodeNumericString(w, n.String())
}
