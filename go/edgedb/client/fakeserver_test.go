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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/multigres/edgeclient/go/edgedb/codecs"
	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// fakeServer scripts the server side of a net.Pipe connection. Helpers fail
// the test and stop the serving goroutine on unexpected input.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	return &fakeServer{
		t:    t,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// pipeConfig builds a Config whose DialFunc yields one side of a net.Pipe
// and runs serve on the other side.
func pipeConfig(t *testing.T, serve func(s *fakeServer)) *Config {
	return &Config{
		Host:     "testserver",
		Port:     5656,
		User:     "edgedb",
		Password: "secret",
		Database: "edgedb",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			clientSide, serverSide := net.Pipe()
			go func() {
				defer serverSide.Close()
				serve(newFakeServer(t, serverSide))
			}()
			return clientSide, nil
		},
	}
}

// fail reports a scripting failure and stops the serving goroutine.
func (s *fakeServer) fail(format string, args ...any) {
	s.t.Errorf("fake server: "+format, args...)
	s.conn.Close()
	runtime.Goexit()
}

// readFrame reads one client frame. It returns ok=false on a clean EOF so
// serving loops can end when the client disconnects.
func (s *fakeServer) readFrame() (byte, []byte, bool) {
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

// expectFrame reads a frame and requires its type.
func (s *fakeServer) expectFrame(want byte) []byte {
	msgType, body, ok := s.readFrame()
	if !ok {
		s.fail("connection closed, want %c", want)
	}
	if msgType != want {
		s.fail("got frame %c, want %c", msgType, want)
	}
	return body
}

func (s *fakeServer) writeFrame(msgType byte, body []byte) {
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

func (s *fakeServer) sendAuth(status uint32, saslData []byte) {
	w := wire.NewWriter()
	w.WriteUint32(status)
	if saslData != nil {
		w.WriteBytes(saslData)
	}
	s.writeFrame(protocol.MsgAuthentication, w.Bytes())
}

func (s *fakeServer) sendParameter(name string, value []byte) {
	w := wire.NewWriter()
	w.WriteString(name)
	w.WriteBytes(value)
	s.writeFrame(protocol.MsgParameterStatus, w.Bytes())
}

func (s *fakeServer) sendServerKey(key [32]byte) {
	s.writeFrame(protocol.MsgServerKeyData, key[:])
}

func (s *fakeServer) sendReady(state protocol.TransactionState) {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint8(byte(state))
	s.writeFrame(protocol.MsgReadyForCommand, w.Bytes())
}

func (s *fakeServer) sendError(code uint32, message string) {
	w := wire.NewWriter()
	w.WriteUint8(protocol.SeverityError)
	w.WriteUint32(code)
	w.WriteString(message)
	w.WriteHeaders(nil)
	s.writeFrame(protocol.MsgErrorResponse, w.Bytes())
}

func (s *fakeServer) sendCommandComplete(status string) {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteString(status)
	s.writeFrame(protocol.MsgCommandComplete, w.Bytes())
}

func (s *fakeServer) sendPrepareComplete(card protocol.Cardinality, inID, outID uuid.UUID) {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint8(byte(card))
	w.WriteUUID(inID)
	w.WriteUUID(outID)
	s.writeFrame(protocol.MsgPrepareComplete, w.Bytes())
}

func (s *fakeServer) sendDataDescription(card protocol.Cardinality, inID uuid.UUID, inBlob []byte, outID uuid.UUID, outBlob []byte) {
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint8(byte(card))
	w.WriteUUID(inID)
	w.WriteBytes(inBlob)
	w.WriteUUID(outID)
	w.WriteBytes(outBlob)
	s.writeFrame(protocol.MsgCommandDataDescription, w.Bytes())
}

func (s *fakeServer) sendData(datums ...[]byte) {
	for _, datum := range datums {
		w := wire.NewWriter()
		w.WriteUint16(1)
		w.WriteBytes(datum)
		s.writeFrame(protocol.MsgData, w.Bytes())
	}
}

// acceptHandshake consumes the ClientHandshake and validates the version.
func (s *fakeServer) acceptHandshake() {
	body := s.expectFrame(protocol.MsgClientHandshake)
	r := wire.NewReader(body)
	major, _ := r.ReadUint16()
	if major != protocol.ProtocolVersionMajor {
		s.fail("client proposed protocol version %d", major)
	}
}

// finishStartup sends parameters, the server key, and the first ready.
func (s *fakeServer) finishStartup(params map[string]string) {
	for name, value := range params {
		s.sendParameter(name, []byte(value))
	}
	s.sendServerKey([32]byte{1, 2, 3})
	s.sendReady(protocol.TxnStateNotInTransaction)
}

// serveTrustStartup accepts the handshake with no credential check.
func (s *fakeServer) serveTrustStartup(params map[string]string) {
	s.acceptHandshake()
	s.sendAuth(protocol.AuthOK, nil)
	s.finishStartup(params)
}

// serveSCRAMStartup runs the server side of the SCRAM-SHA-256 exchange,
// verifying the client proof against password.
func (s *fakeServer) serveSCRAMStartup(password string, params map[string]string) {
	s.acceptHandshake()

	w := wire.NewWriter()
	w.WriteUint32(protocol.AuthSASL)
	w.WriteUint32(1)
	w.WriteString(protocol.SCRAMSHA256)
	s.writeFrame(protocol.MsgAuthentication, w.Bytes())

	// client-first
	body := s.expectFrame(protocol.MsgAuthenticationSASLInitial)
	r := wire.NewReader(body)
	method, _ := r.ReadString()
	if method != protocol.SCRAMSHA256 {
		s.fail("SASL method %q", method)
	}
	clientFirstRaw, err := r.ReadBytes()
	if err != nil {
		s.fail("SASL initial data: %v", err)
	}
	clientFirst := string(clientFirstRaw)
	if !strings.HasPrefix(clientFirst, "n,,") {
		s.fail("client-first %q", clientFirst)
	}
	clientFirstBare := strings.TrimPrefix(clientFirst, "n,,")
	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	// server-first
	const iterations = 4096
	salt := []byte("0123456789abcdef")
	serverNonce := clientNonce + "srvnonce"
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)
	s.sendAuth(protocol.AuthSASLContinue, []byte(serverFirst))

	// client-final
	body = s.expectFrame(protocol.MsgAuthenticationSASLResponse)
	r = wire.NewReader(body)
	clientFinalRaw, err := r.ReadBytes()
	if err != nil {
		s.fail("SASL response data: %v", err)
	}
	clientFinal := string(clientFinalRaw)
	withoutProof, proofPart, found := strings.Cut(clientFinal, ",p=")
	if !found {
		s.fail("client-final %q", clientFinal)
	}
	proof, err := base64.StdEncoding.DecodeString(proofPart)
	if err != nil {
		s.fail("client proof: %v", err)
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	recoveredKey := xorBytes(proof, clientSignature)
	if string(sha256Sum(recoveredKey)) != string(storedKey) {
		s.sendError(protocol.CodeAuthenticationFailed, "authentication failed")
		return
	}

	// server-final
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	s.sendAuth(protocol.AuthSASLFinal,
		[]byte("v="+base64.StdEncoding.EncodeToString(serverSignature)))
	s.sendAuth(protocol.AuthOK, nil)
	s.finishStartup(params)
}

// queryScript configures servePreparedQuery.
type queryScript struct {
	actualCard protocol.Cardinality
	inID       uuid.UUID
	inBlob     []byte
	outID      uuid.UUID
	outBlob    []byte
	rows       [][]byte
}

// servePreparedQuery answers one full Prepare(/Describe)/Execute pipeline.
func (s *fakeServer) servePreparedQuery(script queryScript) {
	s.expectFrame(protocol.MsgPrepare)
	s.sendPrepareComplete(script.actualCard, script.inID, script.outID)
	s.expectFrame(protocol.MsgSync)
	s.sendReady(protocol.TxnStateNotInTransaction)

	msgType, _, ok := s.readFrame()
	if !ok {
		s.fail("connection closed mid-pipeline")
	}
	if msgType == protocol.MsgDescribeStatement {
		s.sendDataDescription(script.actualCard, script.inID, script.inBlob, script.outID, script.outBlob)
		s.expectFrame(protocol.MsgSync)
		s.sendReady(protocol.TxnStateNotInTransaction)
		msgType, _, ok = s.readFrame()
		if !ok {
			s.fail("connection closed before Execute")
		}
	}
	if msgType != protocol.MsgExecute {
		s.fail("got frame %c, want Execute", msgType)
	}
	s.sendData(script.rows...)
	s.sendCommandComplete("SELECT")
	s.expectFrame(protocol.MsgSync)
	s.sendReady(protocol.TxnStateNotInTransaction)
}

// expectTerminate consumes the final Terminate frame, tolerating a client
// that closes without sending one.
func (s *fakeServer) expectTerminate() {
	msgType, _, ok := s.readFrame()
	if ok && msgType != protocol.MsgTerminate {
		s.fail("got frame %c, want Terminate", msgType)
	}
}

// strDatum encodes a str result datum.
func strDatum(s string) []byte {
	return []byte(s)
}

// int64Datum encodes an int64 result datum.
func int64Datum(n int64) []byte {
	w := wire.NewWriter()
	w.WriteInt64(n)
	return w.Bytes()
}

// namedTupleBlob builds an input descriptor blob of int64 arguments.
func namedTupleBlob(id uuid.UUID, names ...string) []byte {
	w := wire.NewWriter()
	w.WriteUint8(protocol.DescriptorBaseScalar)
	w.WriteUUID(codecs.Int64ID)
	w.WriteUint8(protocol.DescriptorNamedTuple)
	w.WriteUUID(id)
	w.WriteUint16(uint16(len(names)))
	for _, name := range names {
		w.WriteString(name)
		w.WriteUint16(0)
	}
	return w.Bytes()
}

// scalarBlob builds an output descriptor blob for one well-known scalar.
func scalarBlob(id uuid.UUID) []byte {
	w := wire.NewWriter()
	w.WriteUint8(protocol.DescriptorBaseScalar)
	w.WriteUUID(id)
	return w.Bytes()
}
