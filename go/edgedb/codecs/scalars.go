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
	"time"

	"github.com/google/uuid"

	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// Well-known scalar descriptor UUIDs. The server identifies base scalars by
// these stable IDs; only the last two bytes vary.
var (
	UUIDID          = wellKnownID(0x00)
	StrID           = wellKnownID(0x01)
	BytesID         = wellKnownID(0x02)
	Int16ID         = wellKnownID(0x03)
	Int32ID         = wellKnownID(0x04)
	Int64ID         = wellKnownID(0x05)
	Float32ID       = wellKnownID(0x06)
	Float64ID       = wellKnownID(0x07)
	DecimalID       = wellKnownID(0x08)
	BoolID          = wellKnownID(0x09)
	DatetimeID      = wellKnownID(0x0a)
	LocalDatetimeID = wellKnownID(0x0b)
	LocalDateID     = wellKnownID(0x0c)
	LocalTimeID     = wellKnownID(0x0d)
	DurationID      = wellKnownID(0x0e)
	JSONID          = wellKnownID(0x0f)
	BigIntID        = wellKnownID(0x10)
)

// wellKnownID builds a scalar UUID of the form
// 00000000-0000-0000-0000-0000000001NN.
func wellKnownID(n byte) uuid.UUID {
	var id uuid.UUID
	id[14] = 0x01
	id[15] = n
	return id
}

// baseScalarCodecs seeds every new registry.
var baseScalarCodecs = []Codec{
	uuidCodec{},
	strCodec{},
	bytesCodec{},
	int16Codec{},
	int32Codec{},
	int64Codec{},
	float32Codec{},
	float64Codec{},
	decimalCodec{},
	boolCodec{},
	datetimeCodec{},
	localDatetimeCodec{},
	localDateCodec{},
	localTimeCodec{},
	durationCodec{},
	jsonCodec{},
	bigIntCodec{},
}

type uuidCodec struct{}

func (uuidCodec) ID() uuid.UUID { return UUIDID }

func (uuidCodec) Decode(r *wire.Reader) (any, error) {
	return r.ReadUUID()
}

func (uuidCodec) Encode(w *wire.Writer, v any) error {
	id, ok := v.(uuid.UUID)
	if !ok {
		return fmt.Errorf("expected uuid.UUID, got %T", v)
	}
	w.WriteUUID(id)
	return nil
}

type strCodec struct{}

func (strCodec) ID() uuid.UUID { return StrID }

func (strCodec) Decode(r *wire.Reader) (any, error) {
	b, err := r.ReadN(r.Remaining())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (strCodec) Encode(w *wire.Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	w.WriteRaw([]byte(s))
	return nil
}

type bytesCodec struct{}

func (bytesCodec) ID() uuid.UUID { return BytesID }

func (bytesCodec) Decode(r *wire.Reader) (any, error) {
	b, err := r.ReadN(r.Remaining())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (bytesCodec) Encode(w *wire.Writer, v any) error {
	b, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte, got %T", v)
	}
	w.WriteRaw(b)
	return nil
}

type int16Codec struct{}

func (int16Codec) ID() uuid.UUID { return Int16ID }

func (int16Codec) Decode(r *wire.Reader) (any, error) {
	return r.ReadInt16()
}

func (int16Codec) Encode(w *wire.Writer, v any) error {
	switch n := v.(type) {
	case int16:
		w.WriteInt16(n)
	case int:
		if n < -0x8000 || n > 0x7fff {
			return fmt.Errorf("int %d overflows int16", n)
		}
		w.WriteInt16(int16(n))
	default:
		return fmt.Errorf("expected int16, got %T", v)
	}
	return nil
}

type int32Codec struct{}

func (int32Codec) ID() uuid.UUID { return Int32ID }

func (int32Codec) Decode(r *wire.Reader) (any, error) {
	return r.ReadInt32()
}

func (int32Codec) Encode(w *wire.Writer, v any) error {
	switch n := v.(type) {
	case int32:
		w.WriteInt32(n)
	case int:
		if n < -0x80000000 || n > 0x7fffffff {
			return fmt.Errorf("int %d overflows int32", n)
		}
		w.WriteInt32(int32(n))
	default:
		return fmt.Errorf("expected int32, got %T", v)
	}
	return nil
}

type int64Codec struct{}

func (int64Codec) ID() uuid.UUID { return Int64ID }

func (int64Codec) Decode(r *wire.Reader) (any, error) {
	return r.ReadInt64()
}

func (int64Codec) Encode(w *wire.Writer, v any) error {
	switch n := v.(type) {
	case int64:
		w.WriteInt64(n)
	case int:
		w.WriteInt64(int64(n))
	default:
		return fmt.Errorf("expected int64, got %T", v)
	}
	return nil
}

type float32Codec struct{}

func (float32Codec) ID() uuid.UUID { return Float32ID }

func (float32Codec) Decode(r *wire.Reader) (any, error) {
	return r.ReadFloat32()
}

func (float32Codec) Encode(w *wire.Writer, v any) error {
	f, ok := v.(float32)
	if !ok {
		return fmt.Errorf("expected float32, got %T", v)
	}
	w.WriteFloat32(f)
	return nil
}

type float64Codec struct{}

func (float64Codec) ID() uuid.UUID { return Float64ID }

func (float64Codec) Decode(r *wire.Reader) (any, error) {
	return r.ReadFloat64()
}

func (float64Codec) Encode(w *wire.Writer, v any) error {
	switch f := v.(type) {
	case float64:
		w.WriteFloat64(f)
	case float32:
		w.WriteFloat64(float64(f))
	default:
		return fmt.Errorf("expected float64, got %T", v)
	}
	return nil
}

type boolCodec struct{}

func (boolCodec) ID() uuid.UUID { return BoolID }

func (boolCodec) Decode(r *wire.Reader) (any, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	return b != 0, nil
}

func (boolCodec) Encode(w *wire.Writer, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", v)
	}
	if b {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
	return nil
}

type jsonCodec struct{}

func (jsonCodec) ID() uuid.UUID { return JSONID }

func (jsonCodec) Decode(r *wire.Reader) (any, error) {
	format, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if format != 1 {
		return nil, fmt.Errorf("unsupported json format %d", format)
	}
	b, err := r.ReadN(r.Remaining())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (jsonCodec) Encode(w *wire.Writer, v any) error {
	b, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte of JSON, got %T", v)
	}
	w.WriteUint8(1)
	w.WriteRaw(b)
	return nil
}

// edgedbEpoch is the zero point of the server's timestamp encoding.
var edgedbEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

type datetimeCodec struct{}

func (datetimeCodec) ID() uuid.UUID { return DatetimeID }

func (datetimeCodec) Decode(r *wire.Reader) (any, error) {
	micros, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return edgedbEpoch.Add(time.Duration(micros) * time.Microsecond), nil
}

func (datetimeCodec) Encode(w *wire.Writer, v any) error {
	t, ok := v.(time.Time)
	if !ok {
		return fmt.Errorf("expected time.Time, got %T", v)
	}
	w.WriteInt64(int64(t.Sub(edgedbEpoch) / time.Microsecond))
	return nil
}

type localDatetimeCodec struct{}

func (localDatetimeCodec) ID() uuid.UUID { return LocalDatetimeID }

func (localDatetimeCodec) Decode(r *wire.Reader) (any, error) {
	micros, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return edgedbEpoch.Add(time.Duration(micros) * time.Microsecond), nil
}

func (localDatetimeCodec) Encode(w *wire.Writer, v any) error {
	t, ok := v.(time.Time)
	if !ok {
		return fmt.Errorf("expected time.Time, got %T", v)
	}
	w.WriteInt64(int64(t.Sub(edgedbEpoch) / time.Microsecond))
	return nil
}

type localDateCodec struct{}

func (localDateCodec) ID() uuid.UUID { return LocalDateID }

func (localDateCodec) Decode(r *wire.Reader) (any, error) {
	days, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	return edgedbEpoch.AddDate(0, 0, int(days)), nil
}

func (localDateCodec) Encode(w *wire.Writer, v any) error {
	t, ok := v.(time.Time)
	if !ok {
		return fmt.Errorf("expected time.Time, got %T", v)
	}
	w.WriteInt32(int32(t.Sub(edgedbEpoch).Hours() / 24))
	return nil
}

type localTimeCodec struct{}

func (localTimeCodec) ID() uuid.UUID { return LocalTimeID }

func (localTimeCodec) Decode(r *wire.Reader) (any, error) {
	micros, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	return time.Duration(micros) * time.Microsecond, nil
}

func (localTimeCodec) Encode(w *wire.Writer, v any) error {
	d, ok := v.(time.Duration)
	if !ok {
		return fmt.Errorf("expected time.Duration, got %T", v)
	}
	w.WriteInt64(int64(d / time.Microsecond))
	return nil
}

type durationCodec struct{}

func (durationCodec) ID() uuid.UUID { return DurationID }

func (durationCodec) Decode(r *wire.Reader) (any, error) {
	micros, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	days, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	months, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if days != 0 || months != 0 {
		return nil, fmt.Errorf("duration with non-zero days (%d) or months (%d)", days, months)
	}
	return time.Duration(micros) * time.Microsecond, nil
}

func (durationCodec) Encode(w *wire.Writer, v any) error {
	d, ok := v.(time.Duration)
	if !ok {
		return fmt.Errorf("expected time.Duration, got %T", v)
	}
	w.WriteInt64(int64(d / time.Microsecond))
	w.WriteInt32(0)
	w.WriteInt32(0)
	return nil
}
