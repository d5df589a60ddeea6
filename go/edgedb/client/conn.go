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

// Package client implements the EdgeDB binary wire protocol: TLS transport
// with SCRAM-SHA-256 authentication, a duplexing read loop, the
// Prepare/Execute/Sync query pipeline, and streaming dump/restore.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/edgeclient/go/edgedb/codecs"
	"github.com/multigres/edgeclient/go/edgedb/protocol"
)

const (
	// connBufferSize is the size of read and write buffers.
	connBufferSize = 16 * 1024

	// saslTimeout bounds each step of the SCRAM exchange.
	saslTimeout = 15 * time.Second
)

// TLSSecurityMode controls certificate validation.
type TLSSecurityMode string

// TLS security modes
const (
	// TLSInsecure skips certificate validation entirely.
	TLSInsecure TLSSecurityMode = "insecure"

	// TLSNoHostVerification validates the certificate chain but not the
	// host name.
	TLSNoHostVerification TLSSecurityMode = "no_host_verification"

	// TLSStrict validates the chain against the system store plus the
	// configured CA, and the host name.
	TLSStrict TLSSecurityMode = "strict"
)

// Config holds the immutable parameters for connecting to a server.
// It is constructed once per pool; resolving it from project or credential
// files is the caller's concern.
type Config struct {
	// Host is the server hostname or IP address.
	Host string

	// Port is the server port number.
	Port int

	// User is the user name presented in the handshake.
	User string

	// Password is the user's password.
	Password string

	// Database is the database name to connect to.
	Database string

	// TLSSecurity selects the certificate validation mode. Only used by
	// ConfigureTLS.
	TLSSecurity TLSSecurityMode

	// TLSCertificate is an optional PEM-encoded CA certificate trusted in
	// addition to the system store.
	TLSCertificate []byte

	// TLSConfig is the TLS configuration for the connection. If nil, the
	// connection is plain TCP (tests and trusted local setups).
	TLSConfig *tls.Config

	// DialTimeout is the timeout for establishing the TCP connection.
	DialTimeout time.Duration

	// DialFunc overrides the TCP dial, mainly for tests. If nil, a
	// net.Dialer is used.
	DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger receives protocol diagnostics and server log messages.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// ConfigureTLS builds the TLS configuration from the security mode and the
// optional CA certificate, with the protocol's ALPN identifier.
func (c *Config) ConfigureTLS() error {
	tlsConfig := &tls.Config{
		NextProtos: []string{protocol.ALPNProtocol},
		ServerName: c.Host,
	}
	switch c.TLSSecurity {
	case TLSInsecure:
		tlsConfig.InsecureSkipVerify = true
	case TLSNoHostVerification, TLSStrict, "":
		roots, err := x509.SystemCertPool()
		if err != nil {
			roots = x509.NewCertPool()
		}
		if len(c.TLSCertificate) > 0 {
			if !roots.AppendCertsFromPEM(c.TLSCertificate) {
				return fmt.Errorf("invalid CA certificate PEM")
			}
		}
		tlsConfig.RootCAs = roots
		if c.TLSSecurity == TLSNoHostVerification {
			// Chain validation happens in VerifyPeerCertificate instead.
			tlsConfig.InsecureSkipVerify = true
			tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyChainOnly(rawCerts, roots)
			}
		}
	default:
		return fmt.Errorf("unknown TLS security mode %q", c.TLSSecurity)
	}
	c.TLSConfig = tlsConfig
	return nil
}

// verifyChainOnly validates the peer chain against roots without checking
// the host name.
func verifyChainOnly(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		intermediates.AddCert(cert)
	}
	_, err = leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
	return err
}

// ConnState is the connection lifecycle phase.
type ConnState int32

// Connection states
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateInTransaction
	StateClosed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateInTransaction:
		return "InTransaction"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Conn is one authenticated connection to the server. A single
// Prepare/Execute pipeline may be in flight at a time, guarded by the
// command lock; outbound frames serialize through the send mutex; inbound
// frames are dispatched by the background read loop.
type Conn struct {
	// conn is the underlying network connection (TLS in production).
	conn net.Conn

	bufferedReader *bufio.Reader
	bufferedWriter *bufio.Writer

	// sendMu serializes outbound frames so two messages never interleave
	// on the wire.
	sendMu sync.Mutex

	// commandSem is the command lock: at most one Prepare/Execute/Sync
	// pipeline in flight, held until ReadyForCommand.
	commandSem chan struct{}

	config   *Config
	logger   *slog.Logger
	registry *codecs.Registry

	// serverKey is the 32-byte key received in ServerKeyData.
	serverKey [32]byte

	// serverParams holds raw ParameterStatus values.
	serverParams map[string][]byte

	// suggestedPoolConcurrency is the parsed server suggestion, zero if
	// the server did not send one.
	suggestedPoolConcurrency int

	// systemConfig is the decoded typed system_config parameter.
	systemConfig any

	state atomic.Int32

	// dispatchMu guards waiters and subscribers.
	dispatchMu  sync.Mutex
	waiters     []*waiter
	subscribers []*subscription

	// hookMu guards slot and onClose against the teardown goroutine. slot
	// is the owning pool's identifier for this connection; the pool
	// registers onClose to reclaim the slot (weak back-reference, no
	// pool pointer held here).
	hookMu  sync.Mutex
	slot    uint64
	onClose func(slot uint64)

	closeOnce sync.Once
	faultErr  error

	// done is closed when the connection is torn down.
	done chan struct{}
}

// Connect establishes, authenticates and starts a new connection.
func Connect(ctx context.Context, config *Config) (*Conn, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dial := config.DialFunc
	if dial == nil {
		dialer := &net.Dialer{Timeout: config.DialTimeout}
		dial = dialer.DialContext
	}
	address := net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))
	netConn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("dial %s: %w", address, err)}
	}

	if config.TLSConfig != nil {
		tlsConn := tls.Client(netConn, config.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, &ConnectionError{Err: fmt.Errorf("TLS handshake: %w", err)}
		}
		netConn = tlsConn
	}

	c := &Conn{
		conn:           netConn,
		bufferedReader: bufio.NewReaderSize(netConn, connBufferSize),
		bufferedWriter: bufio.NewWriterSize(netConn, connBufferSize),
		commandSem:     make(chan struct{}, 1),
		config:         config,
		logger:         logger,
		registry:       codecs.NewRegistry(),
		serverParams:   make(map[string][]byte),
		done:           make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	if err := c.startup(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}

	c.state.Store(int32(StateReady))
	go c.readLoop()

	return c, nil
}

// SetRegistry replaces the connection's codec registry. The pool calls this
// before first use so all of its connections share one registry.
func (c *Conn) SetRegistry(reg *codecs.Registry) {
	c.registry = reg
}

// SetOnClose installs the disconnect hook and the slot id it will report.
// A teardown that already ran never fires the hook, so callers must check
// IsClosed afterwards and reclaim the slot themselves.
func (c *Conn) SetOnClose(slot uint64, fn func(slot uint64)) {
	c.hookMu.Lock()
	c.slot = slot
	c.onClose = fn
	c.hookMu.Unlock()
}

// Slot returns the pool slot id assigned via SetOnClose.
func (c *Conn) Slot() uint64 {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return c.slot
}

// Close tears the connection down, sending a best-effort Terminate first.
func (c *Conn) Close() error {
	if !c.IsClosed() {
		c.sendMu.Lock()
		_ = c.writeMessageNoFlush(protocol.MsgTerminate, nil)
		_ = c.flush()
		c.sendMu.Unlock()
	}
	c.teardown(ErrConnectionClosed)
	return nil
}

// IsClosed returns true once the connection has been torn down.
func (c *Conn) IsClosed() bool {
	return c.State() == StateClosed
}

// State returns the connection lifecycle phase.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// ServerKey returns the 32-byte server key received during startup.
func (c *Conn) ServerKey() [32]byte {
	return c.serverKey
}

// ServerParams returns the raw server parameters received during startup.
func (c *Conn) ServerParams() map[string][]byte {
	return c.serverParams
}

// SuggestedPoolConcurrency returns the server's pool sizing suggestion,
// zero if none was sent.
func (c *Conn) SuggestedPoolConcurrency() int {
	return c.suggestedPoolConcurrency
}

// SystemConfig returns the decoded system_config parameter, nil if the
// server did not send one.
func (c *Conn) SystemConfig() any {
	return c.systemConfig
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// teardown closes the connection exactly once: records the cause, fails
// every pending waiter, and fires the disconnect hook.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.faultErr = cause
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.conn.Close()

		c.dispatchMu.Lock()
		waiters := c.waiters
		c.waiters = nil
		c.subscribers = nil
		c.dispatchMu.Unlock()

		for _, w := range waiters {
			w.complete(nil, &ConnectionError{Err: cause})
		}

		c.hookMu.Lock()
		onClose, slot := c.onClose, c.slot
		c.hookMu.Unlock()
		if onClose != nil {
			onClose(slot)
		}
	})
}

// fault tears the connection down because of a wire-level failure.
func (c *Conn) fault(err error) {
	c.logger.Error("connection fault", "addr", c.conn.RemoteAddr(), "err", err)
	c.teardown(err)
}

// acquireCommandLock takes the command lock, honoring cancellation and
// connection teardown.
func (c *Conn) acquireCommandLock(ctx context.Context) error {
	select {
	case c.commandSem <- struct{}{}:
		if c.IsClosed() {
			c.releaseCommandLock()
			return &ConnectionError{Err: c.faultErr}
		}
		return nil
	case <-ctx.Done():
		return &TimeoutError{Op: "acquire command lock", Err: ctx.Err()}
	case <-c.done:
		return &ConnectionError{Err: c.faultErr}
	}
}

func (c *Conn) releaseCommandLock() {
	<-c.commandSem
}

// flush flushes any buffered writes.
func (c *Conn) flush() error {
	return c.bufferedWriter.Flush()
}
