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
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/edgeclient/go/edgedb/protocol"
)

func TestPoolLazyInitialization(t *testing.T) {
	var dials atomic.Int32
	config := poolTestConfig(t, nil, &dials, nil)
	config.Concurrency = 2

	p := NewPool(config)
	defer p.Close()

	assert.Equal(t, int32(0), dials.Load(), "no dial before first borrower")
	assert.Equal(t, 0, p.Stats().Capacity)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	assert.Equal(t, int32(1), dials.Load())
	stats := p.Stats()
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 0, stats.Idle)
}

func TestPoolReusesIdleConnection(t *testing.T) {
	var dials atomic.Int32
	config := poolTestConfig(t, nil, &dials, nil)
	config.Concurrency = 2

	p := NewPool(config)
	defer p.Close()

	conn1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn1)

	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn2)

	assert.Same(t, conn1, conn2)
	assert.Equal(t, int32(1), dials.Load())
}

func TestPoolCapacityFromServerSuggestion(t *testing.T) {
	params := map[string]string{protocol.ParamSuggestedPoolConcurrency: "4"}
	config := poolTestConfig(t, params, nil, nil)
	config.Concurrency = 2

	p := NewPool(config)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	assert.Equal(t, 4, p.Stats().Capacity)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	var dials atomic.Int32
	config := poolTestConfig(t, nil, &dials, nil)
	config.Concurrency = 1

	p := NewPool(config)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// The pool is at capacity; a second borrower waits for admission until
	// its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(conn)

	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn2)

	assert.Equal(t, int32(1), dials.Load(), "admission failure must not dial")
}

func TestPoolAcquireCancelledContext(t *testing.T) {
	config := poolTestConfig(t, nil, nil, nil)
	config.Concurrency = 1

	p := NewPool(config)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolConcurrentBorrowers(t *testing.T) {
	var dials atomic.Int32
	config := poolTestConfig(t, nil, &dials, nil)
	config.Concurrency = 4

	p := NewPool(config)
	defer p.Close()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := p.Query(context.Background(), "select 'ok'", nil)
			done <- err
		}()
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}

	assert.LessOrEqual(t, dials.Load(), int32(4), "dials bounded by capacity")
	stats := p.Stats()
	assert.Equal(t, stats.Open, stats.Idle, "every borrower returned its connection")
}

func TestPoolQuery(t *testing.T) {
	config := poolTestConfig(t, nil, nil, nil)
	config.Concurrency = 1

	p := NewPool(config)
	defer p.Close()

	rows, err := p.Query(context.Background(), "select 'ok'", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"ok"}, rows)

	v, err := p.QueryRequiredSingle(context.Background(), "select 'ok'", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPoolReclaimsConnectionLostAfterStartup(t *testing.T) {
	config := poolTestConfig(t, nil, nil, nil)
	config.Concurrency = 1
	config.ConnConfig.DialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		go func() {
			// Hang up as soon as startup completes, racing the pool's
			// slot registration.
			defer serverSide.Close()
			newPoolServer(t, serverSide, nil).startup(nil)
		}()
		return clientSide, nil
	}
	p := NewPool(config)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	if err == nil {
		p.Release(conn)
	}
	require.Eventually(t, func() bool { return p.Stats().Open == 0 },
		time.Second, 5*time.Millisecond,
		"the slot must be reclaimed whether the fault lands before or after hook installation")
}

func TestPoolEvictsClosedConnection(t *testing.T) {
	var dials atomic.Int32
	config := poolTestConfig(t, nil, &dials, nil)
	config.Concurrency = 2

	p := NewPool(config)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	p.Release(conn)

	assert.Equal(t, 0, p.Stats().Open, "closed connection left the slot table")

	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn2)

	assert.NotSame(t, conn, conn2)
	assert.Equal(t, int32(2), dials.Load())
}

func TestPoolClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	config := poolTestConfig(t, nil, nil, nil)
	config.Concurrency = 2

	p := NewPool(config)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	require.NoError(t, p.Close())
	assert.True(t, conn.IsClosed())

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	assert.ErrorIs(t, p.Close(), ErrPoolClosed)
}

func TestPoolSharedRegistry(t *testing.T) {
	config := poolTestConfig(t, nil, nil, nil)
	config.Concurrency = 2

	p := NewPool(config)
	defer p.Close()

	require.NotNil(t, p.Registry())

	// Both pooled connections decode through the same registry, so codecs
	// described on one connection are visible to the other.
	conn1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn1)
	defer p.Release(conn2)
	assert.NotSame(t, conn1, conn2)
}
