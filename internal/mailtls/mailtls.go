// Package mailtls implements the TLS Terminator (spec.md §4.4, C4). It
// wraps plaintext connections for implicit-TLS listeners and upgrades
// plaintext connections after STARTTLS/STLS, sharing one *tls.Config
// across every protocol.
package mailtls

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/infodancer/mailcore/internal/config"
)

// DefaultHandshakeTimeout bounds the TLS handshake (spec.md §4.4).
const DefaultHandshakeTimeout = 10 * time.Second

// Terminator holds the loaded certificate and policy shared by every
// listener that needs TLS.
type Terminator struct {
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// New loads the certificate/key pair named by cfg and builds a Terminator.
// Returns a nil *Terminator, nil error when cfg has no certificate
// configured — callers must treat that as "TLS unavailable", refusing
// implicit-TLS listeners and STARTTLS/STLS alike.
func New(cfg config.TLSConfig) (*Terminator, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("mailtls: loading certificate: %w", err)
	}
	return &Terminator{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.MinTLSVersion(),
		},
		handshakeTimeout: DefaultHandshakeTimeout,
	}, nil
}

// Config returns the underlying *tls.Config, e.g. for constructing a
// tls.Listener directly.
func (t *Terminator) Config() *tls.Config {
	if t == nil {
		return nil
	}
	return t.tlsConfig
}

// WrapServer performs a server-side TLS handshake over an already-accepted
// plaintext connection, for implicit-TLS listeners (465/993/995). The
// handshake is bounded by handshakeTimeout. A failed handshake closes the
// connection; if setting the handshake deadline fails, raw is left open for
// the caller to close.
func (t *Terminator) WrapServer(raw net.Conn) (*tls.Conn, error) {
	conn := tls.Server(raw, t.tlsConfig)
	if err := t.handshake(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// UpgradeServer performs a server-side TLS handshake in place, for
// STARTTLS/STLS. Identical to WrapServer; kept as a distinct name because
// the two call sites in the protocol engines are conceptually different
// (listener setup vs. mid-session command).
func (t *Terminator) UpgradeServer(raw net.Conn) (*tls.Conn, error) {
	return t.WrapServer(raw)
}

func (t *Terminator) handshake(conn *tls.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(t.handshakeTimeout)); err != nil {
		return fmt.Errorf("mailtls: setting handshake deadline: %w", err)
	}
	if err := conn.Handshake(); err != nil {
		conn.Close()
		return fmt.Errorf("mailtls: handshake: %w", err)
	}
	return conn.SetDeadline(time.Time{})
}
