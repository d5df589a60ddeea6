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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/multigres/edgeclient/go/edgedb/client"
)

var (
	// ErrNestedTransaction is returned when a transaction is started on a
	// connection that is already inside a transaction block.
	ErrNestedTransaction = errors.New("nested transactions are not supported")
)

// IsolationLevel is the transaction isolation level. The server supports
// only serializable; the zero value leaves the server default in place.
type IsolationLevel string

// Isolation levels
const (
	IsolationDefault      IsolationLevel = ""
	IsolationSerializable IsolationLevel = "serializable"
)

// defaultRetryAttempts is the number of times a retriable transaction is
// attempted before its error is returned.
const defaultRetryAttempts = 3

// TxOptions configures the transaction envelope.
type TxOptions struct {
	// Isolation is the transaction isolation level.
	Isolation IsolationLevel

	// ReadOnly starts the transaction in read-only mode.
	ReadOnly bool

	// Deferrable starts the transaction in deferrable mode.
	Deferrable bool

	// RetryAttempts is the total number of attempts for retriable
	// failures. If 0, defaults to 3.
	RetryAttempts int

	// Backoff returns the sleep before retry attempt n (0-based). If nil,
	// an exponential backoff with jitter is used.
	Backoff func(attempt int) time.Duration
}

// Transaction runs fn inside a transaction block. The callback receives a
// borrowed connection with the transaction already started; returning nil
// commits, returning an error rolls back. Serialization conflicts and
// connection losses retry on a fresh attempt, up to the configured number
// of attempts. The callback must be safe to run more than once.
func (p *Pool) Transaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, conn *client.Conn) error) error {
	startStmt, err := startTransactionStatement(opts)
	if err != nil {
		return err
	}
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := p.runAttempt(ctx, startStmt, fn)
		if err == nil {
			return nil
		}
		if !client.IsRetryable(err) {
			return err
		}
		lastErr = err
		p.logger.Debug("retrying transaction", "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, lastErr)
}

// runAttempt borrows a connection and drives one start/callback/commit
// cycle on it.
func (p *Pool) runAttempt(ctx context.Context, startStmt string, fn func(ctx context.Context, conn *client.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	if conn.State() == client.StateInTransaction {
		return ErrNestedTransaction
	}

	if err := conn.ExecuteScript(ctx, startStmt); err != nil {
		return err
	}

	if err := fn(ctx, conn); err != nil {
		// Roll back on a best-effort basis; the callback's error is the
		// one that matters. A rollback failure at the wire level leaves
		// the session state unknown and takes precedence.
		if rbErr := conn.ExecuteScript(ctx, "rollback"); rbErr != nil {
			if isProtocolLevel(rbErr) {
				return fmt.Errorf("rollback failed: %w", rbErr)
			}
			p.logger.Warn("rollback failed", "err", rbErr)
		}
		return err
	}

	return conn.ExecuteScript(ctx, "commit")
}

// isProtocolLevel reports whether an error means the wire conversation
// itself broke, as opposed to the server rejecting the statement.
func isProtocolLevel(err error) bool {
	var protoErr *client.ProtocolError
	var unexpected *client.UnexpectedMessageError
	var connErr *client.ConnectionError
	return errors.As(err, &protoErr) ||
		errors.As(err, &unexpected) ||
		errors.As(err, &connErr)
}

// startTransactionStatement renders the START TRANSACTION statement for the
// given options.
func startTransactionStatement(opts TxOptions) (string, error) {
	var clauses []string
	switch opts.Isolation {
	case IsolationDefault:
	case IsolationSerializable:
		clauses = append(clauses, "isolation serializable")
	default:
		return "", fmt.Errorf("unsupported isolation level %q", opts.Isolation)
	}
	if opts.ReadOnly {
		clauses = append(clauses, "read only")
	}
	if opts.Deferrable {
		clauses = append(clauses, "deferrable")
	}
	if len(clauses) == 0 {
		return "start transaction", nil
	}
	return "start transaction " + strings.Join(clauses, ", "), nil
}

// defaultBackoff sleeps 100ms << attempt with up to 100ms of jitter.
func defaultBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	return base + jitter
}
