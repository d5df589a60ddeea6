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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// scramNonceLength is the length of the client nonce in bytes.
const scramNonceLength = 24

// scramClient handles the SCRAM-SHA-256 authentication flow over the SASL
// message exchange.
type scramClient struct {
	conn     *Conn
	username string
	password string

	// State maintained across the authentication exchange.
	clientNonce            string
	clientFirstMessageBare string
	serverFirstMessage     string
	saltedPassword         []byte
}

// authenticateSCRAM performs the full SCRAM-SHA-256 exchange. It runs inside
// startup, before the read loop exists, so each step reads the stream
// synchronously with the startup deadline.
func (c *Conn) authenticateSCRAM(ctx context.Context) error {
	s := &scramClient{conn: c, username: c.config.User, password: c.config.Password}

	if err := s.sendClientFirst(); err != nil {
		return &AuthenticationError{Reason: "SCRAM client-first failed", Err: err}
	}
	if err := s.receiveServerFirst(ctx); err != nil {
		return authFailure("SCRAM server-first failed", err)
	}
	if err := s.sendClientFinal(); err != nil {
		return &AuthenticationError{Reason: "SCRAM client-final failed", Err: err}
	}
	if err := s.receiveServerFinal(ctx); err != nil {
		return authFailure("SCRAM server-final failed", err)
	}
	return nil
}

// authFailure wraps err as an AuthenticationError unless it already is a
// server error, which carries its own diagnosis.
func authFailure(reason string, err error) error {
	if _, ok := err.(*ServerError); ok {
		return &AuthenticationError{Reason: "rejected by server", Err: err}
	}
	return &AuthenticationError{Reason: reason, Err: err}
}

// sendClientFirst sends the SASLInitialResponse with the client-first
// message.
func (s *scramClient) sendClientFirst() error {
	nonceBytes := make([]byte, scramNonceLength)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	s.clientNonce = base64.StdEncoding.EncodeToString(nonceBytes)

	// client-first-message-bare: n=<username>,r=<nonce> with '=' and ','
	// escaped in the username.
	escapedUsername := strings.ReplaceAll(s.username, "=", "=3D")
	escapedUsername = strings.ReplaceAll(escapedUsername, ",", "=2C")
	s.clientFirstMessageBare = fmt.Sprintf("n=%s,r=%s", escapedUsername, s.clientNonce)

	// "n,," means the client does not support channel binding.
	clientFirstMessage := "n,," + s.clientFirstMessageBare

	w := wire.NewWriter()
	w.WriteString(protocol.SCRAMSHA256)
	w.WriteBytes([]byte(clientFirstMessage))
	return s.conn.writeMessage(protocol.MsgAuthenticationSASLInitial, w.Bytes())
}

// receiveServerFirst receives and stores the AuthSASLContinue payload.
func (s *scramClient) receiveServerFirst(ctx context.Context) error {
	data, err := s.readSASLData(ctx, protocol.AuthSASLContinue)
	if err != nil {
		return err
	}
	s.serverFirstMessage = string(data)
	return nil
}

// sendClientFinal computes the proof and sends the SASLResponse.
func (s *scramClient) sendClientFinal() error {
	// Parse server-first-message: r=<nonce>,s=<salt>,i=<iterations>
	var serverNonce, saltB64 string
	var iterations int
	for _, part := range strings.Split(s.serverFirstMessage, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			serverNonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			var err error
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return fmt.Errorf("invalid iteration count: %w", err)
			}
		}
	}

	if !strings.HasPrefix(serverNonce, s.clientNonce) {
		return fmt.Errorf("server nonce doesn't start with client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("failed to decode salt: %w", err)
	}
	if iterations < 1 {
		return fmt.Errorf("invalid iteration count %d", iterations)
	}

	// SaltedPassword = Hi(password, salt, iterations)
	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	clientFinalWithoutProof := "c=" + gs2HeaderB64 + ",r=" + serverNonce
	authMessage := s.authMessage(clientFinalWithoutProof)

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMessage := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	w := wire.NewWriter()
	w.WriteBytes([]byte(clientFinalMessage))
	return s.conn.writeMessage(protocol.MsgAuthenticationSASLResponse, w.Bytes())
}

// receiveServerFinal verifies the AuthSASLFinal server signature.
func (s *scramClient) receiveServerFinal(ctx context.Context) error {
	data, err := s.readSASLData(ctx, protocol.AuthSASLFinal)
	if err != nil {
		return err
	}
	serverFinalMessage := string(data)

	if !strings.HasPrefix(serverFinalMessage, "v=") {
		return fmt.Errorf("invalid server-final-message format")
	}
	serverSignature, err := base64.StdEncoding.DecodeString(serverFinalMessage[2:])
	if err != nil {
		return fmt.Errorf("failed to decode server signature: %w", err)
	}

	// ServerSignature = HMAC(HMAC(SaltedPassword, "Server Key"), AuthMessage)
	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	var serverNonce string
	for _, part := range strings.Split(s.serverFirstMessage, ",") {
		if strings.HasPrefix(part, "r=") {
			serverNonce = part[2:]
			break
		}
	}
	authMessage := s.authMessage("c=" + gs2HeaderB64 + ",r=" + serverNonce)
	expected := hmacSHA256(serverKey, []byte(authMessage))

	if !hmac.Equal(serverSignature, expected) {
		return fmt.Errorf("server signature verification failed")
	}
	return nil
}

// readSASLData reads the next Authentication message, requires the given
// status, and returns its u32 length-prefixed SASL payload.
func (s *scramClient) readSASLData(ctx context.Context, wantStatus uint32) ([]byte, error) {
	msgType, body, err := s.conn.readStartupMessage(ctx)
	if err != nil {
		return nil, err
	}
	if msgType == protocol.MsgErrorResponse {
		return nil, s.conn.parseError(body)
	}
	if msgType != protocol.MsgAuthentication {
		return nil, &UnexpectedMessageError{Got: msgType, Want: "Authentication"}
	}

	r := wire.NewReader(body)
	status, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read auth status: %w", err)
	}
	if status != wantStatus {
		return nil, fmt.Errorf("expected auth status %d, got %d", wantStatus, status)
	}
	data, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read SASL data: %w", err)
	}
	return data, nil
}

// authMessage builds the SCRAM AuthMessage from the exchange transcript.
func (s *scramClient) authMessage(clientFinalWithoutProof string) string {
	return s.clientFirstMessageBare + "," + s.serverFirstMessage + "," + clientFinalWithoutProof
}

// gs2HeaderB64 is base64("n,,"), the channel binding attribute for clients
// that do not support channel binding.
const gs2HeaderB64 = "biws"

// hmacSHA256 computes HMAC-SHA-256.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// sha256Sum computes SHA-256.
func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// xorBytes XORs two byte slices of equal length.
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
