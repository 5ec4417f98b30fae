// Package supervisor implements the Connection Supervisor (spec.md §4.5,
// C5): each instance serves one protocol (SMTP, POP3 or IMAP), binding the
// listeners passed to Run, running the accept loop, and enforcing connection
// limits and graceful shutdown; cmd/mailcored builds one per configured
// listener. Protocol-specific behavior lives entirely
// in the handler function each engine supplies; the supervisor only knows
// about net.Conn, *Connection, and *tls.Config.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/mailtls"
	"github.com/infodancer/mailcore/internal/metrics"
)

// ConnectionHandler processes one accepted connection for the lifetime of
// its session. It must return when the session ends or ctx is cancelled;
// a handler that never returns leaks a goroutine and blocks shutdown.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerSpec names one socket to bind.
type ListenerSpec struct {
	Address     string
	ImplicitTLS bool // true: TLS handshake immediately after accept (465/993/995)
}

// Options configures limits and timeouts shared by every listener a
// Supervisor runs.
type Options struct {
	CommandTimeout time.Duration
	IdleTimeout    time.Duration
	MaxConnections int
	MaxPerIP       int
	DrainTimeout   time.Duration // default 30s, spec.md §4.5
	// RejectMessage is written verbatim, then the socket is closed, when a
	// connection is refused for exceeding a limit (protocol-appropriate
	// text, e.g. "-ERR too many connections\r\n" or "421 too busy\r\n").
	RejectMessage []byte
}

// Supervisor runs the accept loop for every listener of one protocol.
type Supervisor struct {
	protocol string
	handler  ConnectionHandler
	tls      *mailtls.Terminator
	logger   *slog.Logger
	metrics  metrics.Collector
	opts     Options

	limiter *ConnectionLimiter
	perIP   *perIPLimiter

	mu        sync.Mutex
	listeners []net.Listener
	active    map[*Connection]context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Supervisor for protocol (used as the metrics/log label),
// dispatching accepted connections to handler. term may be nil when no
// certificate is configured; implicit-TLS listeners then fail to start.
func New(protocol string, handler ConnectionHandler, term *mailtls.Terminator, logger *slog.Logger, collector metrics.Collector, opts Options) *Supervisor {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Supervisor{
		protocol: protocol,
		handler:  handler,
		tls:      term,
		logger:   logger,
		metrics:  collector,
		opts:     opts,
		limiter:  NewConnectionLimiter(opts.MaxConnections),
		perIP:    newPerIPLimiter(opts.MaxPerIP),
		active:   make(map[*Connection]context.CancelFunc),
	}
}

// Run binds every listener in specs and serves until ctx is cancelled, then
// performs the drain-timeout shutdown of spec.md §4.5. It returns once every
// listener has stopped accepting and either every session finished or the
// drain timeout elapsed.
func (s *Supervisor) Run(ctx context.Context, specs []ListenerSpec) error {
	s.mu.Lock()
	for _, spec := range specs {
		if spec.ImplicitTLS && s.tls == nil {
			s.mu.Unlock()
			return fmt.Errorf("supervisor(%s): listener %s requires TLS but none is configured", s.protocol, spec.Address)
		}
		ln, err := net.Listen("tcp", spec.Address)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("supervisor(%s): listen %s: %w", s.protocol, spec.Address, err)
		}
		s.listeners = append(s.listeners, ln)
	}
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("supervisor starting", "protocol", s.protocol, "listeners", len(listeners))

	var acceptWG sync.WaitGroup
	for i, ln := range listeners {
		acceptWG.Add(1)
		go func(ln net.Listener, spec ListenerSpec) {
			defer acceptWG.Done()
			s.acceptLoop(ctx, ln, spec.ImplicitTLS)
		}(ln, specs[i])
	}

	<-ctx.Done()
	s.logger.Info("supervisor shutting down", "protocol", s.protocol)

	s.mu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()
	acceptWG.Wait()

	s.Shutdown(s.opts.DrainTimeout)
	return nil
}

// Shutdown broadcasts cancellation to every live session, waits up to
// drainTimeout for them to finish, then force-closes whatever remains.
func (s *Supervisor) Shutdown(drainTimeout time.Duration) {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("drain timeout exceeded, forcing close", "protocol", s.protocol)
		s.mu.Lock()
		for conn := range s.active {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}
}

// ActiveCount returns the number of sessions currently registered, exposed
// as supervisor telemetry (spec.md §4.5).
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, implicitTLS bool) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept failed", "protocol", s.protocol, "error", err.Error())
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleAccepted(ctx, raw, implicitTLS)
		}()
	}
}

func (s *Supervisor) handleAccepted(ctx context.Context, raw net.Conn, implicitTLS bool) {
	host, ok := s.perIP.tryAcquire(raw.RemoteAddr())
	if !ok {
		s.reject(raw)
		return
	}
	defer s.perIP.release(host)

	if !s.limiter.TryAcquire() {
		s.reject(raw)
		return
	}
	defer s.limiter.Release()

	s.metrics.ConnectionOpened(s.protocol)
	defer s.metrics.ConnectionClosed(s.protocol)

	isTLS := false
	if implicitTLS {
		tlsConn, err := s.tls.WrapServer(raw)
		if err != nil {
			s.logger.Error("TLS handshake failed", "protocol", s.protocol, "error", err.Error())
			raw.Close()
			return
		}
		raw = tlsConn
		isTLS = true
		s.metrics.TLSConnectionEstablished(s.protocol)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := logging.FromContext(connCtx).With(
		"protocol", s.protocol,
		"remote_addr", raw.RemoteAddr().String(),
	)
	connCtx = logging.WithContext(connCtx, logger)

	conn := newConnection(raw, isTLS, s.opts.CommandTimeout, s.opts.IdleTimeout, logger)

	s.mu.Lock()
	s.active[conn] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.runSession(connCtx, conn)
}

func (s *Supervisor) runSession(ctx context.Context, conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			conn.Logger().Error("session panicked", "protocol", s.protocol, "recovered", r)
		}
	}()
	s.handler(ctx, conn)
}

func (s *Supervisor) reject(raw net.Conn) {
	if len(s.opts.RejectMessage) > 0 {
		_, _ = raw.Write(s.opts.RejectMessage)
	}
	raw.Close()
}
