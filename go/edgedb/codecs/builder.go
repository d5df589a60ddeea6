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

	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// Build consumes a descriptor blob and returns the codec for its top-level
// (last) descriptor. Every intermediate codec is registered by its
// descriptor UUID on the way.
//
// A blob is a sequence of descriptors, each `tag u8, id uuid` followed by
// tag-specific fields. Positions (u16) refer to descriptors already decoded
// in the same blob. Tags with the 0x80 bit set are forward-compatible
// annotations and are skipped; other unknown tags are an error.
func (reg *Registry) Build(blob []byte) (Codec, error) {
	r := wire.NewReader(blob)

	// built holds one entry per descriptor, in blob order, so position
	// references resolve by index. Skipped annotations leave a nil slot.
	var built []Codec

	resolve := func(pos uint16) (Codec, error) {
		if int(pos) >= len(built) {
			return nil, fmt.Errorf("descriptor position %d out of range (%d decoded)", pos, len(built))
		}
		c := built[pos]
		if c == nil {
			return nil, fmt.Errorf("descriptor position %d refers to an annotation", pos)
		}
		return c, nil
	}

	for r.Remaining() > 0 {
		tag, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		id, err := r.ReadUUID()
		if err != nil {
			return nil, err
		}

		var codec Codec
		switch tag {
		case protocol.DescriptorSet:
			pos, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			elem, err := resolve(pos)
			if err != nil {
				return nil, err
			}
			codec = &setCodec{id: id, elem: elem}

		case protocol.DescriptorObjectShape:
			count, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			fields := make([]ObjectField, count)
			for i := range fields {
				name, err := r.ReadString()
				if err != nil {
					return nil, err
				}
				flags, err := r.ReadUint8()
				if err != nil {
					return nil, err
				}
				pos, err := r.ReadUint16()
				if err != nil {
					return nil, err
				}
				field, err := resolve(pos)
				if err != nil {
					return nil, err
				}
				fields[i] = ObjectField{Name: name, Flags: flags, Codec: field}
			}
			codec = &objectCodec{id: id, fields: fields}

		case protocol.DescriptorBaseScalar:
			// The UUID itself identifies one of the seeded scalars.
			c, ok := reg.Lookup(id)
			if !ok {
				return nil, fmt.Errorf("unknown base scalar descriptor %s", id)
			}
			codec = c

		case protocol.DescriptorTuple:
			count, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			fields := make([]Codec, count)
			for i := range fields {
				pos, err := r.ReadUint16()
				if err != nil {
					return nil, err
				}
				fields[i], err = resolve(pos)
				if err != nil {
					return nil, err
				}
			}
			codec = &tupleCodec{id: id, fields: fields}

		case protocol.DescriptorNamedTuple:
			count, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			fields := make([]TupleField, count)
			for i := range fields {
				name, err := r.ReadString()
				if err != nil {
					return nil, err
				}
				pos, err := r.ReadUint16()
				if err != nil {
					return nil, err
				}
				field, err := resolve(pos)
				if err != nil {
					return nil, err
				}
				fields[i] = TupleField{Name: name, Codec: field}
			}
			codec = &NamedTuple{id: id, fields: fields}

		case protocol.DescriptorArray:
			pos, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			elem, err := resolve(pos)
			if err != nil {
				return nil, err
			}
			ndims, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			// Dimension sizes carry no information the wire value does
			// not repeat.
			if err := r.Discard(4 * int(ndims)); err != nil {
				return nil, err
			}
			codec = &arrayCodec{id: id, elem: elem}

		case protocol.DescriptorEnum:
			count, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			members := make([]string, count)
			for i := range members {
				members[i], err = r.ReadString()
				if err != nil {
					return nil, err
				}
			}
			codec = &enumCodec{id: id, members: members}

		case protocol.DescriptorScalarParent:
			pos, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			parent, err := resolve(pos)
			if err != nil {
				return nil, err
			}
			codec = &scalarAlias{id: id, parent: parent}

		default:
			if tag >= protocol.DescriptorAnnotationMin {
				// Annotation descriptor: id plus one string. It occupies a
				// position but cannot be referenced.
				if _, err := r.ReadString(); err != nil {
					return nil, err
				}
				built = append(built, nil)
				continue
			}
			return nil, fmt.Errorf("unknown descriptor tag 0x%02x", tag)
		}

		reg.register(codec)
		built = append(built, codec)
	}

	for i := len(built) - 1; i >= 0; i-- {
		if built[i] != nil {
			return built[i], nil
		}
	}
	return nil, fmt.Errorf("descriptor blob contains no decodable descriptors")
}
