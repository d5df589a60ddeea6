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

// Package connpool provides a bounded pool of authenticated connections
// with semaphore-based admission control and a transaction envelope with
// retry.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/multigres/edgeclient/go/edgedb/client"
	"github.com/multigres/edgeclient/go/edgedb/codecs"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")
)

// Config holds configuration for the connection pool.
type Config struct {
	// ConnConfig is the connection configuration shared by every
	// connection the pool creates.
	ConnConfig *client.Config

	// Concurrency is the requested maximum number of concurrent
	// connections. The effective limit is the larger of this and the
	// server's suggested pool concurrency, learned from the first
	// connection. If 0, the server suggestion (or 1) is used.
	Concurrency int

	// Logger receives pool diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Pool is a bounded set of connections. Admission is controlled by a
// weighted semaphore sized on first use; idle selection and the slot table
// are guarded by a lookup mutex so two borrowers never oversubscribe.
type Pool struct {
	config   Config
	logger   *slog.Logger
	registry *codecs.Registry

	// initMu guards lazy initialization: the first borrower dials a
	// connection, learns the server's concurrency suggestion, and sizes
	// the admission semaphore once.
	initMu      sync.Mutex
	initialized bool
	sem         *semaphore.Weighted
	capacity    int

	// mu is the lookup mutex guarding the slot table and idle list.
	mu       sync.Mutex
	slots    map[uint64]*client.Conn
	idle     []uint64
	nextSlot uint64
	closed   bool
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity int // Effective connection limit, 0 before first use
	Open     int // Connections currently held by the pool
	Idle     int // Open connections not borrowed
}

// NewPool creates a pool. No connection is dialed until the first borrower
// arrives.
func NewPool(config Config) *Pool {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config:   config,
		logger:   logger,
		registry: codecs.NewRegistry(),
		slots:    make(map[uint64]*client.Conn),
	}
}

// Registry returns the codec registry shared by the pool's connections.
func (p *Pool) Registry() *codecs.Registry {
	return p.registry
}

// Acquire borrows a connection, dialing a new one when no idle connection
// is available. Admission blocks until a slot frees up or ctx is done;
// cancellation releases admission. The caller must hand the connection back
// with Release.
func (p *Pool) Acquire(ctx context.Context) (*client.Conn, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pool admission: %w", err)
	}

	conn, err := p.takeIdleOrCreate(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

// Release returns a borrowed connection to the idle list and releases its
// admission. Closed connections were already evicted by their disconnect
// hook and are simply dropped.
func (p *Pool) Release(conn *client.Conn) {
	p.mu.Lock()
	if !p.closed && !conn.IsClosed() {
		p.idle = append(p.idle, conn.Slot())
	}
	p.mu.Unlock()

	if conn.IsClosed() && !p.isClosed() {
		// The slot was reclaimed; the replacement is dialed by the next
		// borrower.
		p.logger.Debug("released connection was closed", "addr", p.config.ConnConfig.Host)
	}
	p.sem.Release(1)
}

// Query borrows a connection, runs the query, and releases it.
func (p *Pool) Query(ctx context.Context, command string, args map[string]any) ([]any, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(conn)
	return conn.Query(ctx, command, args)
}

// QuerySingle borrows a connection, runs the query, and releases it.
func (p *Pool) QuerySingle(ctx context.Context, command string, args map[string]any) (any, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(conn)
	return conn.QuerySingle(ctx, command, args)
}

// QueryRequiredSingle borrows a connection, runs the query, and releases it.
func (p *Pool) QueryRequiredSingle(ctx context.Context, command string, args map[string]any) (any, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(conn)
	return conn.QueryRequiredSingle(ctx, command, args)
}

// QueryJSON borrows a connection, runs the query in JSON format, and
// releases it.
func (p *Pool) QueryJSON(ctx context.Context, command string, args map[string]any) ([]byte, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(conn)
	return conn.QueryJSON(ctx, command, args)
}

// Execute borrows a connection, runs the command, and releases it.
func (p *Pool) Execute(ctx context.Context, command string, args map[string]any) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return conn.Execute(ctx, command, args)
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Open:     len(p.slots),
		Idle:     len(p.idle),
	}
}

// Close closes every pooled connection. In-flight borrowers fail when they
// next touch their connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	conns := make([]*client.Conn, 0, len(p.slots))
	for _, conn := range p.slots {
		conns = append(conns, conn)
	}
	p.slots = map[uint64]*client.Conn{}
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// ensureInitialized sizes the admission semaphore on first use. The first
// connection is dialed here so the server's suggested pool concurrency can
// feed into the effective limit; it is kept as the first idle connection.
func (p *Pool) ensureInitialized(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initialized {
		if p.isClosed() {
			return ErrPoolClosed
		}
		return nil
	}
	if p.isClosed() {
		return ErrPoolClosed
	}

	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}

	capacity := p.config.Concurrency
	if suggested := conn.SuggestedPoolConcurrency(); suggested > capacity {
		capacity = suggested
	}
	if capacity < 1 {
		capacity = 1
	}

	p.mu.Lock()
	p.capacity = capacity
	p.idle = append(p.idle, conn.Slot())
	p.mu.Unlock()

	p.sem = semaphore.NewWeighted(int64(capacity))
	p.initialized = true
	p.logger.Debug("pool initialized",
		"capacity", capacity, "suggested", conn.SuggestedPoolConcurrency())
	return nil
}

// takeIdleOrCreate selects an idle connection under the lookup mutex,
// dialing a new one on miss. Callers hold admission.
func (p *Pool) takeIdleOrCreate(ctx context.Context) (*client.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		var conn *client.Conn
		if n := len(p.idle); n > 0 {
			slot := p.idle[n-1]
			p.idle = p.idle[:n-1]
			conn = p.slots[slot]
		}
		p.mu.Unlock()

		if conn == nil {
			return p.connect(ctx)
		}
		if conn.IsClosed() {
			// Evicted between going idle and being picked; try again.
			continue
		}
		return conn, nil
	}
}

// connect dials a new connection and registers it in the slot table.
func (p *Pool) connect(ctx context.Context) (*client.Conn, error) {
	conn, err := client.Connect(ctx, p.config.ConnConfig)
	if err != nil {
		return nil, err
	}
	conn.SetRegistry(p.registry)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	p.nextSlot++
	slot := p.nextSlot
	p.slots[slot] = conn
	p.mu.Unlock()

	conn.SetOnClose(slot, p.handleDisconnect)
	if conn.IsClosed() {
		// The stream faulted before the hook was installed, so teardown
		// could not reclaim the slot; do it here.
		p.handleDisconnect(slot)
		return nil, &client.ConnectionError{Err: errors.New("connection lost during pool registration")}
	}
	return conn, nil
}

// handleDisconnect removes a closed connection from the slot table and the
// idle list. It runs from the connection's teardown path.
func (p *Pool) handleDisconnect(slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[slot]; !ok {
		return
	}
	delete(p.slots, slot)
	for i, s := range p.idle {
		if s == slot {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
