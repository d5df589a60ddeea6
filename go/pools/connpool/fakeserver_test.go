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

package connpool

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/multigres/edgeclient/go/edgedb/client"
	"github.com/multigres/edgeclient/go/edgedb/codecs"
	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// scriptLog records the ExecuteScript statements seen across every
// connection of a pool test.
type scriptLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *scriptLog) add(script string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, script)
}

func (l *scriptLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// poolServer drives the server side of one pooled connection. Unlike the
// scripted fake in the client package it is a loop: it answers whatever
// pipeline the pool throws at it, so one implementation serves every
// borrower.
type poolServer struct {
	t       *testing.T
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	scripts *scriptLog
	state   protocol.TransactionState

	// dropOnRollback makes the server hang up instead of completing a
	// rollback script.
	dropOnRollback bool
}

func newPoolServer(t *testing.T, conn net.Conn, scripts *scriptLog) *poolServer {
	return &poolServer{
		t:       t,
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		scripts: scripts,
		state:   protocol.TxnStateNotInTransaction,
	}
}

// poolTestConfig builds a pool Config whose connections dial a fresh
// net.Pipe served by a poolServer. dials counts connection attempts.
func poolTestConfig(t *testing.T, params map[string]string, dials *atomic.Int32, scripts *scriptLog) Config {
	return Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ConnConfig: &client.Config{
			Host:     "pooltest",
			Port:     5656,
			User:     "edgedb",
			Password: "secret",
			Database: "edgedb",
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			DialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
				if dials != nil {
					dials.Add(1)
				}
				clientSide, serverSide := net.Pipe()
				go func() {
					defer serverSide.Close()
					newPoolServer(t, serverSide, scripts).serve(params)
				}()
				return clientSide, nil
			},
		},
	}
}

func (s *poolServer) fail(format string, args ...any) {
	s.t.Errorf("pool server: "+format, args...)
	s.conn.Close()
	runtime.Goexit()
}

func (s *poolServer) readFrame() (byte, []byte, bool) {
	msgType, err := s.r.ReadByte()
	if err != nil {
		if err == io.EOF || err == io.ErrClosedPipe {
			return 0, nil, false
		}
		s.fail("read frame type: %v", err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		s.fail("read frame length: %v", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 {
		s.fail("frame length %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(s.r, body); err != nil {
		s.fail("read frame body: %v", err)
	}
	return msgType, body, true
}

func (s *poolServer) writeFrame(msgType byte, body []byte) {
	if err := s.w.WriteByte(msgType); err != nil {
		s.fail("write frame: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(body)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		s.fail("write frame: %v", err)
	}
	if _, err := s.w.Write(body); err != nil {
		s.fail("write frame: %v", err)
	}
	if err := s.w.Flush(); err != nil {
		s.fail("flush: %v", err)
	}
}

func (s *poolServer) sendReady() {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint8(byte(s.state))
	s.writeFrame(protocol.MsgReadyForCommand, w.Bytes())
}

func (s *poolServer) sendCommandComplete(status string) {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteString(status)
	s.writeFrame(protocol.MsgCommandComplete, w.Bytes())
}

// serve runs the startup sequence and then answers pipelines until the
// client terminates or hangs up.
func (s *poolServer) serve(params map[string]string) {
	if !s.startup(params) {
		return
	}
	s.loop()
}

// startup drives the handshake through the first ReadyForCommand. It
// reports false when the client hung up instead of shaking hands.
func (s *poolServer) startup(params map[string]string) bool {
	body, ok := s.expect(protocol.MsgClientHandshake)
	if !ok {
		return false
	}
	r := wire.NewReader(body)
	if major, _ := r.ReadUint16(); major != protocol.ProtocolVersionMajor {
		s.fail("client proposed protocol version %d", major)
	}

	auth := wire.NewWriter()
	auth.WriteUint32(protocol.AuthOK)
	s.writeFrame(protocol.MsgAuthentication, auth.Bytes())

	for name, value := range params {
		w := wire.NewWriter()
		w.WriteString(name)
		w.WriteBytes([]byte(value))
		s.writeFrame(protocol.MsgParameterStatus, w.Bytes())
	}
	var key [32]byte
	key[0] = 7
	s.writeFrame(protocol.MsgServerKeyData, key[:])
	s.sendReady()
	return true
}

func (s *poolServer) loop() {
	for {
		msgType, body, ok := s.readFrame()
		if !ok {
			return
		}
		switch msgType {
		case protocol.MsgTerminate:
			return
		case protocol.MsgSync:
			s.sendReady()
		case protocol.MsgPrepare:
			s.sendPrepareComplete()
		case protocol.MsgExecute:
			s.sendRow("ok")
			s.sendCommandComplete("SELECT")
		case protocol.MsgExecuteScript:
			s.handleScript(body)
		default:
			s.fail("unexpected frame %c", msgType)
		}
	}
}

func (s *poolServer) expect(want byte) ([]byte, bool) {
	msgType, body, ok := s.readFrame()
	if !ok {
		return nil, false
	}
	if msgType != want {
		s.fail("got frame %c, want %c", msgType, want)
	}
	return body, true
}

// sendPrepareComplete declares a no-argument str query, which both IDs
// resolve from the registry without a Describe round trip.
func (s *poolServer) sendPrepareComplete() {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint8(byte(protocol.CardinalityOne))
	w.WriteUUID(codecs.NullID)
	w.WriteUUID(codecs.StrID)
	s.writeFrame(protocol.MsgPrepareComplete, w.Bytes())
}

func (s *poolServer) sendRow(datum string) {
	w := wire.NewWriter()
	w.WriteUint16(1)
	w.WriteBytes([]byte(datum))
	s.writeFrame(protocol.MsgData, w.Bytes())
}

// handleScript records the statement, tracks the transaction state the way
// the real server would, and completes the script.
func (s *poolServer) handleScript(body []byte) {
	r := wire.NewReader(body)
	if _, err := r.ReadHeaders(); err != nil {
		s.fail("script headers: %v", err)
	}
	script, err := r.ReadString()
	if err != nil {
		s.fail("script text: %v", err)
	}
	if s.scripts != nil {
		s.scripts.add(script)
	}

	switch {
	case strings.HasPrefix(script, "start transaction"):
		s.state = protocol.TxnStateInTransaction
		s.sendCommandComplete("START TRANSACTION")
	case script == "commit":
		s.state = protocol.TxnStateNotInTransaction
		s.sendCommandComplete("COMMIT")
	case script == "rollback":
		if s.dropOnRollback {
			s.conn.Close()
			runtime.Goexit()
		}
		s.state = protocol.TxnStateNotInTransaction
		s.sendCommandComplete("ROLLBACK")
	default:
		s.sendCommandComplete("OK")
	}
	s.sendReady()
}
