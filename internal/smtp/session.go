package smtp

import (
	"crypto/tls"
	"strconv"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
)

func sizeCapability(maxBytes int64) string {
	return "SIZE " + strconv.FormatInt(maxBytes, 10)
}

// Session represents an SMTP session's envelope and authentication state.
type Session struct {
	state    State
	tlsState TLSState

	hostname  string
	mode      config.ListenerMode
	tlsConfig *tls.Config

	ehloName      string
	authenticated bool
	userID        ids.ID

	saslServer sasl.Server
	saslMech   string

	mailFrom   string
	sizeParam  int64
	rcptTo     []string
	limits     config.SMTPLimitsConfig
}

// NewSession creates a new SMTP session for one connection.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool, limits config.SMTPLimitsConfig) *Session {
	tlsState := TLSStateNone
	if mode == config.ModeSMTPImplicitTLS || isTLS {
		tlsState = TLSStateActive
	}
	return &Session{
		state:     StateConnected,
		tlsState:  tlsState,
		hostname:  hostname,
		mode:      mode,
		tlsConfig: tlsConfig,
		limits:    limits,
	}
}

// State returns the current envelope state.
func (s *Session) State() State { return s.state }

// TLSState returns the current TLS state.
func (s *Session) TLSState() TLSState { return s.tlsState }

// SetTLSActive marks the connection as using TLS after a successful STARTTLS.
func (s *Session) SetTLSActive() { s.tlsState = TLSStateActive }

// IsTLSActive reports whether TLS is currently active.
func (s *Session) IsTLSActive() bool { return s.tlsState == TLSStateActive }

// IsSubmission reports whether this session operates in submission mode
// (AUTH required, any envelope sender/recipient permitted once authenticated).
func (s *Session) IsSubmission() bool {
	return s.mode == config.ModeSMTPSubmission || s.mode == config.ModeSMTPImplicitTLS
}

// IsMX reports whether this session operates in unauthenticated MX mode,
// where the Relay Policy gates every RCPT TO (spec.md §4.9).
func (s *Session) IsMX() bool {
	return s.mode == config.ModeSMTPMX
}

// CanSTARTTLS returns true only before AUTH, on the plain submission
// listener, before TLS is active (spec.md §4.6).
func (s *Session) CanSTARTTLS() bool {
	return s.mode == config.ModeSMTPSubmission && s.tlsState == TLSStateNone && s.tlsConfig != nil && !s.authenticated
}

// TLSConfig returns the TLS configuration for STARTTLS.
func (s *Session) TLSConfig() *tls.Config { return s.tlsConfig }

// Greet transitions from Connected to Greeted after EHLO/HELO, recording
// the client-announced name and resetting envelope state (also used to
// reset after STARTTLS, per spec.md §4.6: "the client must re-EHLO").
func (s *Session) Greet(name string) {
	s.ehloName = name
	s.state = StateGreeted
	s.resetEnvelope()
}

// EhloName returns the name the client announced in EHLO/HELO.
func (s *Session) EhloName() string { return s.ehloName }

// SetAuthenticated records a successful AUTH.
func (s *Session) SetAuthenticated(userID ids.ID) {
	s.authenticated = true
	s.userID = userID
}

// IsAuthenticated reports whether AUTH has succeeded on this session.
func (s *Session) IsAuthenticated() bool { return s.authenticated }

// UserID returns the authenticated user's id, or ids.Nil if unauthenticated.
func (s *Session) UserID() ids.ID { return s.userID }

// SetSASLServer sets the active SASL server for a multi-step AUTH exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none is in progress.
func (s *Session) SASLServer() sasl.Server { return s.saslServer }

// ClearSASL clears SASL exchange state after completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress reports whether a SASL exchange is in progress.
func (s *Session) IsSASLInProgress() bool { return s.saslServer != nil }

// SetMailFrom records the envelope sender and transitions to MailFrom,
// clearing any prior recipient list.
func (s *Session) SetMailFrom(addr string, size int64) {
	s.mailFrom = addr
	s.sizeParam = size
	s.rcptTo = nil
	s.state = StateMailFrom
}

// MailFrom returns the envelope sender recorded by MAIL FROM.
func (s *Session) MailFrom() string { return s.mailFrom }

// SizeParam returns the SIZE= parameter given to MAIL FROM, or 0 if absent.
func (s *Session) SizeParam() int64 { return s.sizeParam }

// AddRecipient appends a validated recipient and transitions to RcptTo.
func (s *Session) AddRecipient(addr string) {
	s.rcptTo = append(s.rcptTo, addr)
	s.state = StateRcptTo
}

// Recipients returns the envelope recipients accumulated by RCPT TO.
func (s *Session) Recipients() []string { return s.rcptTo }

// RecipientCount returns the number of recipients accumulated so far.
func (s *Session) RecipientCount() int { return len(s.rcptTo) }

// MaxRecipients returns the configured recipient cap (spec.md §4.6, default 100).
func (s *Session) MaxRecipients() int {
	if s.limits.MaxRecipients > 0 {
		return s.limits.MaxRecipients
	}
	return 100
}

// MaxMessageSize returns the configured message size cap in bytes.
func (s *Session) MaxMessageSize() int64 {
	return s.limits.MaxMessageSizeBytes
}

// EnterData transitions to the Data state for the DATA command body.
func (s *Session) EnterData() { s.state = StateData }

// ResetToGreeted implements RSET: clears envelope state, stays at Greeted.
func (s *Session) ResetToGreeted() {
	s.resetEnvelope()
	if s.state != StateConnected {
		s.state = StateGreeted
	}
}

// CompleteData implements the post-DATA transition back to Greeted
// (spec.md §4.6 loop), clearing the envelope for the next message.
func (s *Session) CompleteData() {
	s.resetEnvelope()
	s.state = StateGreeted
}

func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.sizeParam = 0
	s.rcptTo = nil
}

// Capabilities returns the EHLO capability list (spec.md §4.6), varying
// with mode and TLS state.
func (s *Session) Capabilities() []string {
	caps := []string{"PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES"}
	if s.limits.MaxMessageSizeBytes > 0 {
		caps = append(caps, sizeCapability(s.limits.MaxMessageSizeBytes))
	}
	if s.CanSTARTTLS() {
		caps = append(caps, "STARTTLS")
	}
	if s.IsSubmission() && s.tlsState == TLSStateActive && !s.authenticated {
		caps = append(caps, "AUTH PLAIN LOGIN")
	}
	return caps
}
