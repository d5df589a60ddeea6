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

// Package codecs implements the type-descriptor codec engine: a registry of
// bidirectional encoders keyed by descriptor UUID, and a builder that
// constructs composite codecs from server-sent descriptor blobs.
package codecs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// Codec encodes and decodes values for one type descriptor.
type Codec interface {
	// ID returns the descriptor UUID this codec was built for.
	ID() uuid.UUID

	// Decode reads one value from the reader.
	Decode(r *wire.Reader) (any, error)

	// Encode appends the binary representation of v to the writer.
	Encode(w *wire.Writer, v any) error
}

// NullID is the descriptor UUID of the null codec: the type of statements
// that take no arguments or produce no data.
var NullID = uuid.UUID{}

// nullCodec is the codec for the zero descriptor UUID.
type nullCodec struct{}

func (nullCodec) ID() uuid.UUID { return NullID }

func (nullCodec) Decode(r *wire.Reader) (any, error) {
	return nil, nil
}

func (nullCodec) Encode(w *wire.Writer, v any) error {
	if v != nil {
		return fmt.Errorf("null codec cannot encode %T", v)
	}
	return nil
}

// Registry maps descriptor UUIDs to codecs. It is seeded with the canonical
// scalar codecs and grows as descriptor blobs are consumed by Build. Entries
// are never evicted: a registered descriptor ID always decodes identical
// wire bytes to equivalent values.
//
// Each pool owns one Registry shared by its connections; tests may create
// isolated registries.
type Registry struct {
	mu     sync.RWMutex
	codecs map[uuid.UUID]Codec
}

// NewRegistry creates a registry seeded with the well-known scalar codecs
// and the null codec.
func NewRegistry() *Registry {
	reg := &Registry{codecs: make(map[uuid.UUID]Codec, 32)}
	reg.codecs[NullID] = nullCodec{}
	for _, c := range baseScalarCodecs {
		reg.codecs[c.ID()] = c
	}
	return reg
}

// Lookup returns the codec registered for the given descriptor ID.
func (reg *Registry) Lookup(id uuid.UUID) (Codec, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.codecs[id]
	return c, ok
}

// Contains reports whether a codec is registered for the given ID.
func (reg *Registry) Contains(id uuid.UUID) bool {
	_, ok := reg.Lookup(id)
	return ok
}

// register stores a codec under its descriptor ID.
func (reg *Registry) register(c Codec) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.codecs[c.ID()] = c
}
