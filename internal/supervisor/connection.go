package supervisor

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// ErrAlreadyTLS is returned when attempting to upgrade an already-TLS connection.
var ErrAlreadyTLS = errors.New("connection already using TLS")

// Connection wraps one accepted socket for the lifetime of a protocol
// session: buffered line I/O, idle/command deadlines, and the in-place
// STARTTLS/STLS upgrade every protocol engine needs (spec.md §4.4, §4.5).
type Connection struct {
	raw    net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	isTLS  bool
	closed atomic.Bool

	commandTimeout time.Duration
	idleTimeout    time.Duration

	logger     *slog.Logger
	remoteAddr net.Addr
}

func newConnection(raw net.Conn, isTLS bool, commandTimeout, idleTimeout time.Duration, logger *slog.Logger) *Connection {
	return &Connection{
		raw:            raw,
		br:             bufio.NewReader(raw),
		bw:             bufio.NewWriter(raw),
		isTLS:          isTLS,
		commandTimeout: commandTimeout,
		idleTimeout:    idleTimeout,
		logger:         logger,
		remoteAddr:     raw.RemoteAddr(),
	}
}

// Reader returns the buffered reader for reading protocol lines.
func (c *Connection) Reader() *bufio.Reader {
	return c.br
}

// Writer returns the buffered writer for sending protocol responses.
func (c *Connection) Writer() *bufio.Writer {
	return c.bw
}

// Flush flushes any buffered output to the socket.
func (c *Connection) Flush() error {
	return c.bw.Flush()
}

// IsTLS reports whether the connection is currently protected by TLS.
func (c *Connection) IsTLS() bool {
	return c.isTLS
}

// IsClosed reports whether Close has already been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the peer address captured at accept time.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Logger returns the per-connection logger (satisfies the protocol engines'
// ConnectionLogger interface).
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// SetCommandTimeout bounds the next read by the configured per-command
// deadline (spec.md §4.6-§4.8 per-stage deadlines).
func (c *Connection) SetCommandTimeout() error {
	return c.raw.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// ResetIdleTimeout extends the deadline after a successful read, bounding
// the connection's overall idle time (spec.md §4.7, §5).
func (c *Connection) ResetIdleTimeout() error {
	return c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// SetDataTimeout applies a longer deadline for bulk transfers such as SMTP
// DATA (spec.md §4.6: 10 min vs. the 5 min command deadline).
func (c *Connection) SetDataTimeout(d time.Duration) error {
	return c.raw.SetReadDeadline(time.Now().Add(d))
}

// UpgradeToTLS performs an in-place server-side TLS handshake over the
// existing socket, for STARTTLS/STLS. The buffered reader/writer are
// rebuilt around the new *tls.Conn so no plaintext bytes are lost or
// replayed (spec.md §4.4).
func (c *Connection) UpgradeToTLS(cfg *tls.Config) error {
	if c.isTLS {
		return ErrAlreadyTLS
	}
	if cfg == nil {
		return fmt.Errorf("supervisor: no TLS configuration available")
	}

	tlsConn := tls.Server(c.raw, cfg)
	if err := tlsConn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("supervisor: setting handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return fmt.Errorf("supervisor: TLS handshake: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("supervisor: clearing handshake deadline: %w", err)
	}

	c.raw = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.bw = bufio.NewWriter(tlsConn)
	c.isTLS = true
	return nil
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}
