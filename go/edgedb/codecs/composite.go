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
	"slices"

	"github.com/google/uuid"

	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// arrayCodec handles std::array<T>. Only one-dimensional arrays exist on
// the wire.
type arrayCodec struct {
	id   uuid.UUID
	elem Codec
}

func (c *arrayCodec) ID() uuid.UUID { return c.id }

func (c *arrayCodec) Decode(r *wire.Reader) (any, error) {
	return decodeArrayLike(r, c.elem)
}

func (c *arrayCodec) Encode(w *wire.Writer, v any) error {
	return encodeArrayLike(w, c.elem, v)
}

// setCodec has the same wire shape as arrayCodec; the distinction is
// semantic (sets are unordered multi-value results).
type setCodec struct {
	id   uuid.UUID
	elem Codec
}

func (c *setCodec) ID() uuid.UUID { return c.id }

func (c *setCodec) Decode(r *wire.Reader) (any, error) {
	return decodeArrayLike(r, c.elem)
}

func (c *setCodec) Encode(w *wire.Writer, v any) error {
	return encodeArrayLike(w, c.elem, v)
}

func decodeArrayLike(r *wire.Reader, elem Codec) (any, error) {
	ndims, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	// flags and reserved
	if err := r.Discard(8); err != nil {
		return nil, err
	}
	if ndims == 0 {
		return []any{}, nil
	}
	if ndims != 1 {
		return nil, fmt.Errorf("expected 0 or 1 array dimensions, got %d", ndims)
	}
	upper, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	lower, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	count := int(upper - lower + 1)
	if count < 0 {
		return nil, fmt.Errorf("invalid array bounds [%d, %d]", lower, upper)
	}
	out := make([]any, 0, count)
	for i := 0; i < count; i++ {
		data, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := elem.Decode(wire.NewReader(data))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeArrayLike(w *wire.Writer, elem Codec, v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected []any, got %T", v)
	}
	if len(items) == 0 {
		w.WriteInt32(0)
		w.WriteInt32(0)
		w.WriteInt32(0)
		return nil
	}
	w.WriteInt32(1) // ndims
	w.WriteInt32(0) // flags
	w.WriteInt32(0) // reserved
	w.WriteInt32(int32(len(items)))
	w.WriteInt32(1) // lower bound
	for _, item := range items {
		sub := wire.NewWriter()
		if err := elem.Encode(sub, item); err != nil {
			return err
		}
		w.WriteBytes(sub.Bytes())
	}
	return nil
}

// tupleCodec handles fixed ordered heterogeneous records. Values map to
// []any.
type tupleCodec struct {
	id     uuid.UUID
	fields []Codec
}

func (c *tupleCodec) ID() uuid.UUID { return c.id }

func (c *tupleCodec) Decode(r *wire.Reader) (any, error) {
	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if int(count) != len(c.fields) {
		return nil, fmt.Errorf("tuple has %d elements, codec expects %d", count, len(c.fields))
	}
	out := make([]any, len(c.fields))
	for i, field := range c.fields {
		// reserved
		if err := r.Discard(4); err != nil {
			return nil, err
		}
		data, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		out[i], err = field.Decode(wire.NewReader(data))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *tupleCodec) Encode(w *wire.Writer, v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected []any, got %T", v)
	}
	if len(items) != len(c.fields) {
		return fmt.Errorf("tuple value has %d elements, codec expects %d", len(items), len(c.fields))
	}
	w.WriteInt32(int32(len(c.fields)))
	for i, field := range c.fields {
		w.WriteInt32(0) // reserved
		sub := wire.NewWriter()
		if err := field.Encode(sub, items[i]); err != nil {
			return err
		}
		w.WriteBytes(sub.Bytes())
	}
	return nil
}

// TupleField is one named field of a NamedTuple codec.
type TupleField struct {
	Name  string
	Codec Codec
}

// NamedTuple is the codec for ordered named fields. It is exported because
// the query engine encodes argument maps against the input descriptor,
// which is always a named tuple (or the null codec).
type NamedTuple struct {
	id     uuid.UUID
	fields []TupleField
}

// ID returns the descriptor UUID.
func (c *NamedTuple) ID() uuid.UUID { return c.id }

// Fields returns the ordered field list.
func (c *NamedTuple) Fields() []TupleField { return c.fields }

// Decode reads a named tuple into a map keyed by field name.
func (c *NamedTuple) Decode(r *wire.Reader) (any, error) {
	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if int(count) != len(c.fields) {
		return nil, fmt.Errorf("named tuple has %d elements, codec expects %d", count, len(c.fields))
	}
	out := make(map[string]any, len(c.fields))
	for _, field := range c.fields {
		if err := r.Discard(4); err != nil {
			return nil, err
		}
		data, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := field.Codec.Decode(wire.NewReader(data))
		if err != nil {
			return nil, err
		}
		out[field.Name] = v
	}
	return out, nil
}

// Encode writes a map keyed by field name. Every field must be present and
// no extra keys are allowed.
func (c *NamedTuple) Encode(w *wire.Writer, v any) error {
	args, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("expected map[string]any, got %T", v)
	}
	for name := range args {
		if !slices.ContainsFunc(c.fields, func(f TupleField) bool { return f.Name == name }) {
			return fmt.Errorf("unknown argument %q", name)
		}
	}
	w.WriteInt32(int32(len(c.fields)))
	for _, field := range c.fields {
		value, ok := args[field.Name]
		if !ok {
			return fmt.Errorf("missing argument %q", field.Name)
		}
		w.WriteInt32(0) // reserved
		sub := wire.NewWriter()
		if err := field.Codec.Encode(sub, value); err != nil {
			return fmt.Errorf("argument %q: %w", field.Name, err)
		}
		w.WriteBytes(sub.Bytes())
	}
	return nil
}

// ObjectField is one field of an object shape.
type ObjectField struct {
	Name  string
	Flags uint8
	Codec Codec
}

// objectCodec decodes query result rows. Objects are result-only; encoding
// them is a protocol violation.
type objectCodec struct {
	id     uuid.UUID
	fields []ObjectField
}

func (c *objectCodec) ID() uuid.UUID { return c.id }

func (c *objectCodec) Decode(r *wire.Reader) (any, error) {
	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if int(count) != len(c.fields) {
		return nil, fmt.Errorf("object has %d fields, codec expects %d", count, len(c.fields))
	}
	out := make(map[string]any, len(c.fields))
	for _, field := range c.fields {
		if err := r.Discard(4); err != nil {
			return nil, err
		}
		length, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		if length == -1 {
			out[field.Name] = nil
			continue
		}
		data, err := r.ReadN(int(length))
		if err != nil {
			return nil, err
		}
		v, err := field.Codec.Decode(wire.NewReader(data))
		if err != nil {
			return nil, err
		}
		out[field.Name] = v
	}
	return out, nil
}

func (c *objectCodec) Encode(w *wire.Writer, v any) error {
	return fmt.Errorf("object shapes cannot be encoded")
}

// enumCodec decodes enums as strings and validates membership.
type enumCodec struct {
	id      uuid.UUID
	members []string
}

func (c *enumCodec) ID() uuid.UUID { return c.id }

func (c *enumCodec) Decode(r *wire.Reader) (any, error) {
	b, err := r.ReadN(r.Remaining())
	if err != nil {
		return nil, err
	}
	s := string(b)
	if !slices.Contains(c.members, s) {
		return nil, fmt.Errorf("%q is not a member of the enum", s)
	}
	return s, nil
}

func (c *enumCodec) Encode(w *wire.Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	if !slices.Contains(c.members, s) {
		return fmt.Errorf("%q is not a member of the enum", s)
	}
	w.WriteRaw([]byte(s))
	return nil
}

// scalarAlias is a scalar refining a parent scalar: same representation,
// distinct descriptor ID.
type scalarAlias struct {
	id     uuid.UUID
	parent Codec
}

func (c *scalarAlias) ID() uuid.UUID { return c.id }

func (c *scalarAlias) Decode(r *wire.Reader) (any, error) {
	return c.parent.Decode(r)
}

func (c *scalarAlias) Encode(w *wire.Writer, v any) error {
	return c.parent.Encode(w, v)
}
