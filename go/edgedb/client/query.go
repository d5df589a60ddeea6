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

package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/multigres/edgeclient/go/edgedb/codecs"
	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// preparedStatement is the server's answer to a Prepare round trip: the
// actual result cardinality and the argument and result codecs.
type preparedStatement struct {
	cardinality protocol.Cardinality
	inCodec     codecs.Codec
	outCodec    codecs.Codec
}

// Query runs a command and returns all result values decoded through the
// result codec. Args maps argument names to values; pass nil for a command
// without arguments.
func (c *Conn) Query(ctx context.Context, command string, args map[string]any) ([]any, error) {
	return c.runQuery(ctx, command, args, protocol.FormatBinary, protocol.CardinalityMany)
}

// QuerySingle runs a command expected to produce at most one value. It
// returns nil when the result is empty.
func (c *Conn) QuerySingle(ctx context.Context, command string, args map[string]any) (any, error) {
	rows, err := c.runQuery(ctx, command, args, protocol.FormatBinary, protocol.CardinalityAtMostOne)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	}
	return nil, &CardinalityMismatchError{
		Expected: protocol.CardinalityAtMostOne,
		Actual:   protocol.CardinalityMany,
	}
}

// QueryRequiredSingle runs a command expected to produce exactly one value.
func (c *Conn) QueryRequiredSingle(ctx context.Context, command string, args map[string]any) (any, error) {
	rows, err := c.runQuery(ctx, command, args, protocol.FormatBinary, protocol.CardinalityOne)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, &CardinalityMismatchError{
			Expected: protocol.CardinalityOne,
			Actual:   protocol.CardinalityNoResult,
		}
	case 1:
		return rows[0], nil
	}
	return nil, &CardinalityMismatchError{
		Expected: protocol.CardinalityOne,
		Actual:   protocol.CardinalityMany,
	}
}

// Execute runs a command expected to produce no result values. A command
// that returns rows anyway violates the requested cardinality and is
// reported as a mismatch.
func (c *Conn) Execute(ctx context.Context, command string, args map[string]any) error {
	rows, err := c.runQuery(ctx, command, args, protocol.FormatBinary, protocol.CardinalityNoResult)
	if err != nil {
		return err
	}
	switch len(rows) {
	case 0:
		return nil
	case 1:
		return &CardinalityMismatchError{
			Expected: protocol.CardinalityNoResult,
			Actual:   protocol.CardinalityOne,
		}
	}
	return &CardinalityMismatchError{
		Expected: protocol.CardinalityNoResult,
		Actual:   protocol.CardinalityMany,
	}
}

// QueryJSON runs a command in JSON format. The result is a single JSON
// document holding an array of the result values.
func (c *Conn) QueryJSON(ctx context.Context, command string, args map[string]any) ([]byte, error) {
	rows, err := c.runQuery(ctx, command, args, protocol.FormatJSON, protocol.CardinalityAtMostOne)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []byte("[]"), nil
	}
	switch v := rows[0].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, protocolErrorf("JSON result decoded as %T, want string", rows[0])
}

// ExecuteScript runs one or more semicolon-separated commands as a single
// unit outside the prepared pipeline. The script is self-synchronizing: the
// server answers with CommandComplete and ReadyForCommand without a Sync.
func (c *Conn) ExecuteScript(ctx context.Context, script string) error {
	if err := c.acquireCommandLock(ctx); err != nil {
		return err
	}
	defer c.releaseCommandLock()

	wComplete, err := c.registerWaiter(matchType(protocol.MsgCommandComplete))
	if err != nil {
		return err
	}
	wReady, err := c.registerWaiter(matchType(protocol.MsgReadyForCommand))
	if err != nil {
		return err
	}

	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteString(script)
	if err := c.sendFrames(frame{msgType: protocol.MsgExecuteScript, body: w.Bytes()}); err != nil {
		c.fault(err)
		return &ConnectionError{Err: err}
	}

	_, cmdErr := c.await(ctx, wComplete)
	if _, err := c.await(ctx, wReady); err != nil {
		return err
	}
	return cmdErr
}

// runQuery drives the full prepared pipeline: Prepare, Describe when the
// codecs are unknown, then Execute. The command lock is held for the whole
// pipeline and released once the final ReadyForCommand arrives.
func (c *Conn) runQuery(ctx context.Context, command string, args map[string]any,
	format protocol.IOFormat, cardinality protocol.Cardinality) ([]any, error) {
	if err := c.acquireCommandLock(ctx); err != nil {
		return nil, err
	}
	defer c.releaseCommandLock()

	stmt, err := c.prepare(ctx, command, format, cardinality)
	if err != nil {
		return nil, err
	}

	argData, err := encodeArguments(stmt.inCodec, args)
	if err != nil {
		return nil, err
	}

	return c.execute(ctx, stmt, argData)
}

// prepare sends Prepare plus Sync and resolves the statement codecs,
// running a Describe round trip when either codec is missing from the
// registry. Callers hold the command lock.
func (c *Conn) prepare(ctx context.Context, command string,
	format protocol.IOFormat, cardinality protocol.Cardinality) (*preparedStatement, error) {
	w := wire.NewWriter()
	w.WriteHeaders(capabilityHeaders())
	w.WriteUint8(byte(format))
	w.WriteUint8(byte(cardinality))
	w.WriteBytes(nil) // unnamed statement
	w.WriteString(command)

	waiters, err := c.duplexAndSync(
		[]func(byte) bool{matchType(protocol.MsgPrepareComplete)},
		frame{msgType: protocol.MsgPrepare, body: w.Bytes()},
	)
	if err != nil {
		return nil, err
	}

	msg, prepErr := c.await(ctx, waiters[0])
	if _, err := c.await(ctx, waiters[1]); err != nil {
		return nil, err
	}
	if prepErr != nil {
		return nil, prepErr
	}

	actualCard, inID, outID, err := parsePrepareComplete(msg.body)
	if err != nil {
		return nil, err
	}
	c.checkCardinality(cardinality, actualCard)

	inCodec, inOK := c.registry.Lookup(inID)
	outCodec, outOK := c.registry.Lookup(outID)
	if inOK && outOK {
		return &preparedStatement{cardinality: actualCard, inCodec: inCodec, outCodec: outCodec}, nil
	}

	return c.describe(ctx, actualCard, inID, outID)
}

// describe runs a DescribeStatement round trip and builds the statement's
// codecs from the returned descriptor blobs.
func (c *Conn) describe(ctx context.Context, cardinality protocol.Cardinality,
	inID, outID uuid.UUID) (*preparedStatement, error) {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint8(byte(protocol.AspectDataDescription))
	w.WriteBytes(nil) // unnamed statement

	waiters, err := c.duplexAndSync(
		[]func(byte) bool{matchType(protocol.MsgCommandDataDescription)},
		frame{msgType: protocol.MsgDescribeStatement, body: w.Bytes()},
	)
	if err != nil {
		return nil, err
	}

	msg, descErr := c.await(ctx, waiters[0])
	if _, err := c.await(ctx, waiters[1]); err != nil {
		return nil, err
	}
	if descErr != nil {
		return nil, descErr
	}

	r := wire.NewReader(msg.body)
	if _, err := r.ReadHeaders(); err != nil {
		return nil, protocolErrorf("truncated CommandDataDescription: %v", err)
	}
	if _, err := r.ReadUint8(); err != nil {
		return nil, protocolErrorf("truncated CommandDataDescription: %v", err)
	}
	descInID, err := r.ReadUUID()
	if err != nil {
		return nil, protocolErrorf("truncated CommandDataDescription: %v", err)
	}
	inBlob, err := r.ReadBytes()
	if err != nil {
		return nil, protocolErrorf("truncated CommandDataDescription: %v", err)
	}
	descOutID, err := r.ReadUUID()
	if err != nil {
		return nil, protocolErrorf("truncated CommandDataDescription: %v", err)
	}
	outBlob, err := r.ReadBytes()
	if err != nil {
		return nil, protocolErrorf("truncated CommandDataDescription: %v", err)
	}
	c.checkFullyConsumed(r, protocol.MsgCommandDataDescription)

	inCodec, err := c.buildCodec(descInID, inBlob)
	if err != nil {
		return nil, err
	}
	outCodec, err := c.buildCodec(descOutID, outBlob)
	if err != nil {
		return nil, err
	}

	if descInID != inID || descOutID != outID {
		c.logger.Warn("describe returned different descriptor IDs",
			"prepared_in", inID, "described_in", descInID,
			"prepared_out", outID, "described_out", descOutID)
	}

	return &preparedStatement{cardinality: cardinality, inCodec: inCodec, outCodec: outCodec}, nil
}

// buildCodec resolves a descriptor ID, consuming the blob when the registry
// does not already hold the codec.
func (c *Conn) buildCodec(id uuid.UUID, blob []byte) (codecs.Codec, error) {
	if codec, ok := c.registry.Lookup(id); ok {
		return codec, nil
	}
	if len(blob) == 0 {
		return nil, protocolErrorf("no codec for descriptor %s and no descriptor data", id)
	}
	codec, err := c.registry.Build(blob)
	if err != nil {
		return nil, protocolErrorf("build codec for %s: %v", id, err)
	}
	return codec, nil
}

// execute sends Execute plus Sync and streams Data messages through the
// result codec until CommandComplete. Callers hold the command lock.
func (c *Conn) execute(ctx context.Context, stmt *preparedStatement, argData []byte) ([]any, error) {
	var rows []any
	var decodeErr error

	// The subscriber sees Data frames as the read loop dispatches them, so
	// results of any size stream without buffering whole result sets in the
	// dispatch layer.
	unsubscribe := c.subscribe(func(msg *message) bool {
		if msg.msgType != protocol.MsgData {
			return false
		}
		if decodeErr != nil {
			return true
		}
		decoded, err := decodeDataMessage(msg.body, stmt.outCodec)
		if err != nil {
			decodeErr = err
			return true
		}
		rows = append(rows, decoded...)
		return true
	})
	defer unsubscribe()

	w := wire.NewWriter()
	w.WriteHeaders(capabilityHeaders())
	w.WriteBytes(nil) // unnamed statement
	w.WriteBytes(argData)

	waiters, err := c.duplexAndSync(
		[]func(byte) bool{matchType(protocol.MsgCommandComplete)},
		frame{msgType: protocol.MsgExecute, body: w.Bytes()},
	)
	if err != nil {
		return nil, err
	}

	_, execErr := c.await(ctx, waiters[0])
	if _, err := c.await(ctx, waiters[1]); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return rows, nil
}

// checkCardinality logs when the server reports a cardinality looser than
// requested. The strict check happens on the actual row count.
func (c *Conn) checkCardinality(requested, actual protocol.Cardinality) {
	if requested == protocol.CardinalityMany || requested == protocol.CardinalityNoResult {
		return
	}
	if actual == protocol.CardinalityMany {
		c.logger.Debug("server reports unbounded cardinality for bounded request",
			"requested", requested.String())
	}
}

// encodeArguments encodes the argument map through the statement's input
// codec. A nil or empty map is valid only for statements without arguments.
func encodeArguments(inCodec codecs.Codec, args map[string]any) ([]byte, error) {
	named, ok := inCodec.(*codecs.NamedTuple)
	if !ok {
		// Null input codec: the statement takes no arguments.
		if len(args) > 0 {
			return nil, &InvalidArgumentError{
				Err: fmt.Errorf("statement takes no arguments, got %d", len(args)),
			}
		}
		return nil, nil
	}
	w := wire.NewWriter()
	if args == nil {
		args = map[string]any{}
	}
	if err := named.Encode(w, args); err != nil {
		return nil, &InvalidArgumentError{Err: err}
	}
	return w.Bytes(), nil
}

// decodeDataMessage decodes the u16-counted elements of one Data message.
func decodeDataMessage(body []byte, outCodec codecs.Codec) ([]any, error) {
	r := wire.NewReader(body)
	count, err := r.ReadUint16()
	if err != nil {
		return nil, protocolErrorf("truncated Data message: %v", err)
	}
	values := make([]any, 0, count)
	for i := uint16(0); i < count; i++ {
		datum, err := r.ReadBytes()
		if err != nil {
			return nil, protocolErrorf("truncated Data message: %v", err)
		}
		v, err := outCodec.Decode(wire.NewReader(datum))
		if err != nil {
			return nil, protocolErrorf("decode result datum: %v", err)
		}
		values = append(values, v)
	}
	return values, nil
}

// parsePrepareComplete extracts cardinality and descriptor IDs from a
// PrepareComplete body.
func parsePrepareComplete(body []byte) (protocol.Cardinality, uuid.UUID, uuid.UUID, error) {
	r := wire.NewReader(body)
	if _, err := r.ReadHeaders(); err != nil {
		return 0, uuid.UUID{}, uuid.UUID{}, protocolErrorf("truncated PrepareComplete: %v", err)
	}
	card, err := r.ReadUint8()
	if err != nil {
		return 0, uuid.UUID{}, uuid.UUID{}, protocolErrorf("truncated PrepareComplete: %v", err)
	}
	inID, err := r.ReadUUID()
	if err != nil {
		return 0, uuid.UUID{}, uuid.UUID{}, protocolErrorf("truncated PrepareComplete: %v", err)
	}
	outID, err := r.ReadUUID()
	if err != nil {
		return 0, uuid.UUID{}, uuid.UUID{}, protocolErrorf("truncated PrepareComplete: %v", err)
	}
	return protocol.Cardinality(card), inID, outID, nil
}

// capabilityHeaders builds the headers allowing a statement the full
// capability set.
func capabilityHeaders() map[uint16][]byte {
	w := wire.NewWriter()
	w.WriteUint64(uint64(protocol.CapabilityAll))
	return map[uint16][]byte{protocol.HeaderAllowCapabilities: w.Bytes()}
}
