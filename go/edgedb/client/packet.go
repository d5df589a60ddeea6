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
	"encoding/binary"
	"io"

	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// Frame layout: a 1-byte message type, a 4-byte big-endian length that
// includes itself but not the type byte, then length-4 bytes of payload.

// readMessage reads a complete frame (type, length, body). Short reads on
// the stream are retried by io.ReadFull until satisfied or failed.
func (c *Conn) readMessage() (byte, []byte, error) {
	msgType, err := c.bufferedReader.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.bufferedReader, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 {
		return 0, nil, protocolErrorf("invalid message length %d", length)
	}

	bodyLen := int(length - 4)
	if bodyLen == 0 {
		return msgType, nil, nil
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(c.bufferedReader, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}

// writeMessageNoFlush writes one frame without flushing. Callers hold
// sendMu.
func (c *Conn) writeMessageNoFlush(msgType byte, body []byte) error {
	if err := c.bufferedWriter.WriteByte(msgType); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(body)))
	if _, err := c.bufferedWriter.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := c.bufferedWriter.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// writeMessage writes one frame and flushes.
func (c *Conn) writeMessage(msgType byte, body []byte) error {
	if err := c.writeMessageNoFlush(msgType, body); err != nil {
		return err
	}
	return c.flush()
}

// frame is one outbound message queued for an atomic multi-frame send.
type frame struct {
	msgType byte
	body    []byte
}

// sendFrames writes frames back to back under the send mutex and flushes
// once, so the pipeline hits the wire as a unit.
func (c *Conn) sendFrames(frames ...frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range frames {
		if err := c.writeMessageNoFlush(f.msgType, f.body); err != nil {
			return err
		}
	}
	return c.flush()
}

// checkFullyConsumed logs a warning when a structured message decoder left
// bytes unread. Leftovers signal a decoder bug, not a fatal error.
func (c *Conn) checkFullyConsumed(r *wire.Reader, msgType byte) {
	if err := r.AssertFullyConsumed(msgType); err != nil {
		c.logger.Warn("incomplete message decode", "err", err)
	}
}
