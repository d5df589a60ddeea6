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

	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// message is one inbound frame.
type message struct {
	msgType byte
	body    []byte
}

// waiter is a one-shot receiver for the next inbound message matching its
// predicate. Waiters form a FIFO; an ErrorResponse completes the head
// waiter with the decoded server error.
type waiter struct {
	match func(msgType byte) bool
	ch    chan waitResult
}

type waitResult struct {
	msg *message
	err error
}

func (w *waiter) complete(msg *message, err error) {
	select {
	case w.ch <- waitResult{msg: msg, err: err}:
	default:
		// Already completed or abandoned.
	}
}

// subscription receives every dispatched message until removed. The read
// loop never propagates subscriber errors; handled reports whether the
// subscriber consumed the message.
type subscription struct {
	handle func(msg *message) (handled bool)
}

// registerWaiter enqueues a one-shot waiter. Registration happens before
// the request bytes are written, so the request is guaranteed to precede
// every message the waiter can observe.
func (c *Conn) registerWaiter(match func(msgType byte) bool) (*waiter, error) {
	w := &waiter{match: match, ch: make(chan waitResult, 1)}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.IsClosed() {
		return nil, &ConnectionError{Err: c.faultErr}
	}
	c.waiters = append(c.waiters, w)
	return w, nil
}

// removeWaiter drops an abandoned waiter.
func (c *Conn) removeWaiter(w *waiter) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// await blocks until the waiter completes. Cancellation mid-pipeline
// leaves the wire in an unrecoverable state, so it closes the connection.
func (c *Conn) await(ctx context.Context, w *waiter) (*message, error) {
	select {
	case res := <-w.ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.removeWaiter(w)
		c.teardown(ctx.Err())
		return nil, &TimeoutError{Op: "await server reply", Err: ctx.Err()}
	case <-c.done:
		return nil, &ConnectionError{Err: c.faultErr}
	}
}

// subscribe registers a persistent subscriber; the returned function
// removes it.
func (c *Conn) subscribe(handle func(msg *message) bool) func() {
	sub := &subscription{handle: handle}
	c.dispatchMu.Lock()
	c.subscribers = append(c.subscribers, sub)
	c.dispatchMu.Unlock()
	return func() {
		c.dispatchMu.Lock()
		defer c.dispatchMu.Unlock()
		for i, cur := range c.subscribers {
			if cur == sub {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// readLoop is the connection's single reader task. It frames inbound
// messages and dispatches them until the stream fails or the connection is
// torn down. Both outcomes complete pending waiters; the loop never exits
// silently with waiters in flight.
func (c *Conn) readLoop() {
	for {
		msgType, body, err := c.readMessage()
		if err != nil {
			select {
			case <-c.done:
				// Deliberate close; teardown already ran.
			default:
				c.fault(err)
			}
			return
		}
		c.dispatch(&message{msgType: msgType, body: body})
	}
}

// dispatch routes one inbound message: protocol-level bookkeeping first,
// then subscribers in registration order, then the waiter FIFO.
func (c *Conn) dispatch(msg *message) {
	switch msg.msgType {
	case protocol.MsgLogMessage:
		c.handleLogMessage(msg.body)
		return
	case protocol.MsgParameterStatus:
		if err := c.handleParameterStatus(msg.body); err != nil {
			c.logger.Warn("bad ParameterStatus message", "err", err)
		}
		return
	case protocol.MsgReadyForCommand:
		c.absorbReadyForCommand(msg.body)
		// Falls through to waiter dispatch: the query engine awaits it to
		// release the command lock.
	}

	c.dispatchMu.Lock()
	subscribers := make([]*subscription, len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.dispatchMu.Unlock()

	handled := false
	for _, sub := range subscribers {
		if sub.handle(msg) {
			handled = true
		}
	}

	var target *waiter
	var result waitResult

	c.dispatchMu.Lock()
	if msg.msgType == protocol.MsgErrorResponse {
		// The server error completes the next pending waiter.
		if len(c.waiters) > 0 {
			target = c.waiters[0]
			c.waiters = c.waiters[1:]
			result = waitResult{err: c.parseError(msg.body)}
		}
	} else {
		for i, w := range c.waiters {
			if w.match(msg.msgType) {
				target = w
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				result = waitResult{msg: msg}
				break
			}
		}
	}
	c.dispatchMu.Unlock()

	if target != nil {
		target.complete(result.msg, result.err)
		return
	}
	if !handled {
		// Unknown or unsolicited frame: protocol extension tolerance.
		c.logger.Error("discarding unexpected message",
			"type", string(msg.msgType), "len", len(msg.body))
	}
}

// duplexAndSync registers waiters for each expected reply, then atomically
// writes the request frames followed by a Sync. The returned waiters
// complete in protocol order; the last one always matches ReadyForCommand
// so the caller can re-synchronize even after an ErrorResponse.
func (c *Conn) duplexAndSync(matches []func(msgType byte) bool, frames ...frame) ([]*waiter, error) {
	waiters := make([]*waiter, 0, len(matches)+1)
	for _, match := range matches {
		w, err := c.registerWaiter(match)
		if err != nil {
			return nil, err
		}
		waiters = append(waiters, w)
	}
	ready, err := c.registerWaiter(matchType(protocol.MsgReadyForCommand))
	if err != nil {
		return nil, err
	}
	waiters = append(waiters, ready)

	frames = append(frames, frame{msgType: protocol.MsgSync})
	if err := c.sendFrames(frames...); err != nil {
		c.fault(err)
		return nil, &ConnectionError{Err: err}
	}
	return waiters, nil
}

// matchType builds a waiter predicate for a single message type.
func matchType(msgType byte) func(byte) bool {
	return func(t byte) bool { return t == msgType }
}

// absorbReadyForCommand updates the session state from a ReadyForCommand
// body.
func (c *Conn) absorbReadyForCommand(body []byte) {
	r := wire.NewReader(body)
	if _, err := r.ReadHeaders(); err != nil {
		c.logger.Warn("bad ReadyForCommand message", "err", err)
		return
	}
	txnState, err := r.ReadUint8()
	if err != nil {
		c.logger.Warn("bad ReadyForCommand message", "err", err)
		return
	}
	c.checkFullyConsumed(r, protocol.MsgReadyForCommand)
	if c.IsClosed() {
		return
	}
	switch protocol.TransactionState(txnState) {
	case protocol.TxnStateInTransaction, protocol.TxnStateInFailedTransaction:
		c.state.Store(int32(StateInTransaction))
	default:
		c.state.Store(int32(StateReady))
	}
}

// handleLogMessage forwards a server log message to the logger.
func (c *Conn) handleLogMessage(body []byte) {
	r := wire.NewReader(body)
	severity, err := r.ReadUint8()
	if err != nil {
		return
	}
	code, err := r.ReadUint32()
	if err != nil {
		return
	}
	text, err := r.ReadString()
	if err != nil {
		return
	}
	attrs := []any{"code", code}
	switch {
	case severity >= protocol.SeverityError:
		c.logger.Error("server: "+text, attrs...)
	case severity >= protocol.SeverityWarning:
		c.logger.Warn("server: "+text, attrs...)
	default:
		c.logger.Info("server: "+text, attrs...)
	}
}

// parseError decodes an ErrorResponse body.
func (c *Conn) parseError(body []byte) error {
	r := wire.NewReader(body)
	severity, err := r.ReadUint8()
	if err != nil {
		return protocolErrorf("truncated ErrorResponse: %v", err)
	}
	code, err := r.ReadUint32()
	if err != nil {
		return protocolErrorf("truncated ErrorResponse: %v", err)
	}
	text, err := r.ReadString()
	if err != nil {
		return protocolErrorf("truncated ErrorResponse: %v", err)
	}
	headers, err := r.ReadHeaders()
	if err != nil {
		return protocolErrorf("truncated ErrorResponse: %v", err)
	}
	c.checkFullyConsumed(r, protocol.MsgErrorResponse)
	return &ServerError{
		Severity: severity,
		Code:     code,
		Message:  text,
		Headers:  headers,
	}
}
