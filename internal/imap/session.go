package imap

import (
	"context"
	"crypto/tls"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

// inboxName is the only mailbox exposed (spec.md §4.8: "no folder
// hierarchy; only INBOX is exposed").
const inboxName = "INBOX"

// maxMailboxMessages bounds the message vector built at SELECT time, the
// IMAP analogue of POP3's maxMessagesPerSession (spec.md §4.7, §4.8).
const maxMailboxMessages = 50000

// message is one row of the mailbox vector built at SELECT/EXAMINE time:
// seqNum is its current 1-based sequence number, which shifts on EXPUNGE;
// uid is stable for the email's lifetime (deriveUID).
type message struct {
	seqNum       int
	uid          uint32
	emailID      ids.ID
	flags        map[goimap.Flag]bool
	internalDate time.Time
	sizeBytes    int64
	messageID    string
}

// Session represents one IMAP session's authentication and selected-mailbox
// state (spec.md §4.8).
type Session struct {
	state    State
	tlsState TLSState

	hostname  string
	mode      config.ListenerMode
	tlsConfig *tls.Config

	authenticated bool
	userID        ids.ID

	saslServer sasl.Server
	saslMech   string

	readOnly    bool
	messages    []*message
	uidValidity uint32
	nextUID     uint32

	store store.Port
}

// NewSession creates a new IMAP session for one connection.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool) *Session {
	tlsState := TLSStateNone
	if mode == config.ModeIMAPS || isTLS {
		tlsState = TLSStateActive
	}
	return &Session{
		state:     StateNotAuthenticated,
		tlsState:  tlsState,
		hostname:  hostname,
		mode:      mode,
		tlsConfig: tlsConfig,
	}
}

func (s *Session) State() State       { return s.state }
func (s *Session) TLSState() TLSState { return s.tlsState }

// SetTLSActive marks the connection as using TLS after a successful
// STARTTLS.
func (s *Session) SetTLSActive() { s.tlsState = TLSStateActive }

// IsTLSActive reports whether TLS is currently active.
func (s *Session) IsTLSActive() bool { return s.tlsState == TLSStateActive }

// CanSTARTTLS reports whether STARTTLS may be issued: only before TLS is
// active, and only in NotAuthenticated (RFC 9051 §6.2.1).
func (s *Session) CanSTARTTLS() bool {
	return s.state == StateNotAuthenticated && s.tlsState == TLSStateNone && s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration for STARTTLS.
func (s *Session) TLSConfig() *tls.Config { return s.tlsConfig }

// SetAuthenticated transitions to Authenticated after a successful LOGIN
// or AUTHENTICATE.
func (s *Session) SetAuthenticated(userID ids.ID) {
	s.authenticated = true
	s.userID = userID
	s.state = StateAuthenticated
}

// IsAuthenticated reports whether this session has authenticated.
func (s *Session) IsAuthenticated() bool { return s.authenticated }

// UserID returns the authenticated user's id, or ids.Nil if unauthenticated.
func (s *Session) UserID() ids.ID { return s.userID }

// Store returns the message store backing the selected mailbox, or nil
// before SELECT/EXAMINE.
func (s *Session) Store() store.Port { return s.store }

// SetSASLServer sets the active SASL server for a multi-step AUTHENTICATE.
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

// IsSASLInProgress reports whether an AUTHENTICATE exchange is in progress.
func (s *Session) IsSASLInProgress() bool { return s.saslServer != nil }

// Capabilities returns the CAPABILITY list, varying with TLS state and
// authentication (spec.md §4.8).
func (s *Session) Capabilities() []string {
	caps := []string{"IMAP4rev2", "UIDPLUS"}
	if s.CanSTARTTLS() {
		caps = append(caps, "STARTTLS")
	}
	if s.tlsState == TLSStateActive && !s.authenticated {
		caps = append(caps, "AUTH=PLAIN", "AUTH=LOGIN")
	}
	if s.tlsState == TLSStateNone && !s.authenticated {
		caps = append(caps, "LOGINDISABLED")
	}
	return caps
}

// SelectMailbox loads the message vector for INBOX (spec.md §4.8: SELECT
// or EXAMINE). readOnly is true for EXAMINE.
func (s *Session) SelectMailbox(ctx context.Context, st store.Port, readOnly bool) error {
	summaries, err := st.FindEmailsForUser(ctx, s.userID, 0, maxMailboxMessages)
	if err != nil {
		return err
	}
	s.store = st
	s.messages = make([]*message, len(summaries))
	for i, e := range summaries {
		flags := make(map[goimap.Flag]bool)
		if e.IsRead {
			flags[goimap.FlagSeen] = true
		}
		s.messages[i] = &message{
			seqNum:       i + 1,
			uid:          deriveUID(e.ID),
			emailID:      e.ID,
			flags:        flags,
			internalDate: e.ReceivedAt,
			sizeBytes:    e.SizeBytes,
			messageID:    e.MessageID,
		}
	}
	s.readOnly = readOnly
	s.uidValidity = deriveUIDValidity(s.userID)
	s.nextUID = s.maxUID() + 1
	s.state = StateSelected
	return nil
}

func (s *Session) maxUID() uint32 {
	var max uint32
	for _, m := range s.messages {
		if m.uid > max {
			max = m.uid
		}
	}
	return max
}

// IsSelected reports whether a mailbox is currently selected.
func (s *Session) IsSelected() bool { return s.state == StateSelected }

// ReadOnly reports whether the selected mailbox was opened with EXAMINE.
func (s *Session) ReadOnly() bool { return s.readOnly }

// Unselect returns to Authenticated, discarding the mailbox vector
// (spec.md §4.8 CLOSE).
func (s *Session) Unselect() {
	s.messages = nil
	s.state = StateAuthenticated
}

// Exists returns the EXISTS count of the selected mailbox.
func (s *Session) Exists() int { return len(s.messages) }

// UIDValidity returns the selected mailbox's UIDVALIDITY.
func (s *Session) UIDValidity() uint32 { return s.uidValidity }

// UIDNext returns the predicted UID of the next message to arrive.
func (s *Session) UIDNext() uint32 { return s.nextUID }

// Messages returns the full message vector in sequence-number order.
func (s *Session) Messages() []*message { return s.messages }

// MessageBySeq finds a message by its current 1-based sequence number.
func (s *Session) MessageBySeq(seq int) (*message, bool) {
	if seq < 1 || seq > len(s.messages) {
		return nil, false
	}
	return s.messages[seq-1], true
}

// MessageByUID finds a message by its stable UID.
func (s *Session) MessageByUID(uid uint32) (*message, bool) {
	for _, m := range s.messages {
		if m.uid == uid {
			return m, true
		}
	}
	return nil, false
}

// MaxSeq returns the current highest sequence number (for "*" in a
// sequence set), or 0 if the mailbox is empty.
func (s *Session) MaxSeq() uint32 { return uint32(len(s.messages)) }

// MaxUID returns the current highest UID (for "*" in a UID set).
func (s *Session) MaxUID() uint32 { return s.maxUID() }

// Expunge removes every message flagged \Deleted, renumbering the
// remaining messages and returning the removed sequence numbers in
// descending order (spec.md §4.8: "untagged EXPUNGE responses are sent in
// descending sequence order").
func (s *Session) Expunge() []int {
	var removed []int
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.flags[goimap.FlagDeleted] {
			removed = append(removed, m.seqNum)
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	for i, m := range s.messages {
		m.seqNum = i + 1
	}
	for i, j := 0, len(removed)-1; i < j; i, j = i+1, j-1 {
		removed[i], removed[j] = removed[j], removed[i]
	}
	return removed
}
