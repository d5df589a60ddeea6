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
	"errors"
	"fmt"

	"github.com/multigres/edgeclient/go/edgedb/protocol"
)

// ErrConnectionClosed is the cause recorded when a connection is closed
// deliberately rather than lost.
var ErrConnectionClosed = errors.New("connection closed")

// ConnectionError reports a TCP/TLS failure or an unexpected stream close.
// Every waiter pending at the time of the failure is completed with one.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports a failed handshake: unsupported method, SCRAM
// mismatch, or credential rejection.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a message the decoder could not make sense of:
// truncated frame, unknown mandatory descriptor tag, codec missing after a
// Describe round trip.
type ProtocolError struct {
	msg string
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.msg
}

// UnexpectedMessageError reports a reply whose type did not match the
// protocol expectation for the current state.
type UnexpectedMessageError struct {
	Got  byte
	Want string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message %c (0x%02x), want %s", e.Got, e.Got, e.Want)
}

// ServerError is an ErrorResponse from the server: severity, a u32 code
// from the server's error hierarchy, a message and optional headers.
type ServerError struct {
	Severity byte
	Code     uint32
	Message  string
	Headers  map[uint16][]byte
}

func (e *ServerError) Error() string {
	if name := protocol.ErrorName(e.Code); name != "" {
		return fmt.Sprintf("%s: %s", name, e.Message)
	}
	return fmt.Sprintf("server error 0x%08x: %s", e.Code, e.Message)
}

// HasCategory reports whether the error code falls under the given
// category code.
func (e *ServerError) HasCategory(category uint32) bool {
	return protocol.CodeInCategory(e.Code, category)
}

// ShouldRetry reports whether the error is transient and the operation may
// be retried on a fresh transaction.
func (e *ServerError) ShouldRetry() bool {
	return e.HasCategory(protocol.CodeTransactionConflict)
}

// CardinalityMismatchError reports a result row count violating the
// request's expected cardinality.
type CardinalityMismatchError struct {
	Expected protocol.Cardinality
	Actual   protocol.Cardinality
}

func (e *CardinalityMismatchError) Error() string {
	return fmt.Sprintf("result cardinality mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// InvalidArgumentError reports an argument map that the input codec could
// not encode: missing or extra names, or values of the wrong type.
type InvalidArgumentError struct {
	Err error
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %v", e.Err)
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// InvalidStateError reports misuse of the API: a nested transaction or an
// operation on a disposed connection.
type InvalidStateError struct {
	msg string
}

func invalidStatef(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{msg: fmt.Sprintf(format, args...)}
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.msg
}

// TimeoutError reports a cancelled or deadline-expired operation.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error is transient enough for the
// transaction controller to retry: connection loss or a retriable server
// error such as a serialization conflict.
func IsRetryable(err error) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.ShouldRetry()
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
