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
	"strconv"
	"time"

	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// startup performs the synchronous connection handshake: ClientHandshake,
// authentication, parameter absorption, and the first ReadyForCommand. It
// runs before the read loop starts, so it reads the stream directly with a
// per-message deadline.
func (c *Conn) startup(ctx context.Context) error {
	if err := c.sendClientHandshake(); err != nil {
		return &ConnectionError{Err: err}
	}

	c.state.Store(int32(StateAuthenticating))

	sawReady := false
	for !sawReady {
		msgType, body, err := c.readStartupMessage(ctx)
		if err != nil {
			return err
		}

		switch msgType {
		case protocol.MsgServerHandshake:
			if err := c.handleServerHandshake(body); err != nil {
				return err
			}

		case protocol.MsgAuthentication:
			if err := c.handleAuthentication(ctx, body); err != nil {
				return err
			}

		case protocol.MsgParameterStatus:
			if err := c.handleParameterStatus(body); err != nil {
				return protocolErrorf("bad ParameterStatus during startup: %v", err)
			}

		case protocol.MsgServerKeyData:
			if len(body) != len(c.serverKey) {
				return protocolErrorf("ServerKeyData carries %d bytes, want %d", len(body), len(c.serverKey))
			}
			copy(c.serverKey[:], body)

		case protocol.MsgLogMessage:
			c.handleLogMessage(body)

		case protocol.MsgErrorResponse:
			err := c.parseError(body)
			if serverErr, ok := err.(*ServerError); ok &&
				protocol.CodeInCategory(serverErr.Code, protocol.CodeAuthenticationFailed) {
				return &AuthenticationError{Reason: "rejected by server", Err: serverErr}
			}
			return err

		case protocol.MsgReadyForCommand:
			c.absorbReadyForCommand(body)
			sawReady = true

		default:
			return &UnexpectedMessageError{Got: msgType, Want: "startup message"}
		}
	}
	return nil
}

// sendClientHandshake writes the ClientHandshake message: protocol version,
// the user and database connection parameters, and no extensions.
func (c *Conn) sendClientHandshake() error {
	w := wire.NewWriter()
	w.WriteUint16(protocol.ProtocolVersionMajor)
	w.WriteUint16(protocol.ProtocolVersionMinor)
	w.WriteUint16(2)
	w.WriteString("user")
	w.WriteString(c.config.User)
	w.WriteString("database")
	w.WriteString(c.config.Database)
	w.WriteUint16(0) // no extensions
	return c.writeMessage(protocol.MsgClientHandshake, w.Bytes())
}

// readStartupMessage reads one frame during the synchronous handshake with a
// step deadline, honoring the caller's context if it expires sooner.
func (c *Conn) readStartupMessage(ctx context.Context) (byte, []byte, error) {
	deadline := time.Now().Add(saslTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, &ConnectionError{Err: err}
	}
	defer c.conn.SetReadDeadline(time.Time{})

	msgType, body, err := c.readMessage()
	if err != nil {
		return 0, nil, &ConnectionError{Err: fmt.Errorf("read startup message: %w", err)}
	}
	return msgType, body, nil
}

// handleServerHandshake processes a ServerHandshake message. The server
// sends one only when it downgrades the protocol version; any major version
// other than ours is unsupported.
func (c *Conn) handleServerHandshake(body []byte) error {
	r := wire.NewReader(body)
	major, err := r.ReadUint16()
	if err != nil {
		return protocolErrorf("truncated ServerHandshake: %v", err)
	}
	minor, err := r.ReadUint16()
	if err != nil {
		return protocolErrorf("truncated ServerHandshake: %v", err)
	}
	nExtensions, err := r.ReadUint16()
	if err != nil {
		return protocolErrorf("truncated ServerHandshake: %v", err)
	}
	for i := uint16(0); i < nExtensions; i++ {
		if _, err := r.ReadString(); err != nil {
			return protocolErrorf("truncated ServerHandshake: %v", err)
		}
		if _, err := r.ReadHeaders(); err != nil {
			return protocolErrorf("truncated ServerHandshake: %v", err)
		}
	}
	if major != protocol.ProtocolVersionMajor {
		return protocolErrorf("server proposed unsupported protocol version %d.%d", major, minor)
	}
	c.logger.Debug("server negotiated protocol version", "major", major, "minor", minor)
	return nil
}

// handleAuthentication processes an Authentication message during startup.
func (c *Conn) handleAuthentication(ctx context.Context, body []byte) error {
	r := wire.NewReader(body)
	status, err := r.ReadUint32()
	if err != nil {
		return protocolErrorf("truncated Authentication: %v", err)
	}

	switch status {
	case protocol.AuthOK:
		return nil

	case protocol.AuthSASL:
		nMethods, err := r.ReadUint32()
		if err != nil {
			return protocolErrorf("truncated Authentication: %v", err)
		}
		methods := make([]string, 0, nMethods)
		for i := uint32(0); i < nMethods; i++ {
			m, err := r.ReadString()
			if err != nil {
				return protocolErrorf("truncated Authentication: %v", err)
			}
			methods = append(methods, m)
		}
		// The server lists methods in preference order; only its preferred
		// method is honored.
		if len(methods) == 0 || methods[0] != protocol.SCRAMSHA256 {
			return &AuthenticationError{
				Reason: fmt.Sprintf("server offered no supported SASL method (offered %v)", methods),
			}
		}
		return c.authenticateSCRAM(ctx)

	default:
		return &AuthenticationError{
			Reason: fmt.Sprintf("unsupported authentication request %d", status),
		}
	}
}

// handleParameterStatus absorbs a ParameterStatus message. The raw value is
// always recorded; parameters with protocol-level meaning are also parsed.
func (c *Conn) handleParameterStatus(body []byte) error {
	r := wire.NewReader(body)
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	value, err := r.ReadBytes()
	if err != nil {
		return err
	}
	// Copy out of the frame body so the stored value does not pin it.
	stored := make([]byte, len(value))
	copy(stored, value)
	c.serverParams[name] = stored

	switch name {
	case protocol.ParamSuggestedPoolConcurrency:
		n, err := strconv.Atoi(string(stored))
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", name, stored, err)
		}
		c.suggestedPoolConcurrency = n

	case protocol.ParamSystemConfig:
		decoded, err := c.decodeSystemConfig(stored)
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		c.systemConfig = decoded
	}
	return nil
}

// decodeSystemConfig decodes the typed system_config value: a u32
// length-prefixed descriptor blob followed by a u32 length-prefixed encoded
// datum.
func (c *Conn) decodeSystemConfig(value []byte) (any, error) {
	r := wire.NewReader(value)
	blob, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	data, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	codec, err := c.registry.Build(blob)
	if err != nil {
		return nil, err
	}
	return codec.Decode(wire.NewReader(data))
}
