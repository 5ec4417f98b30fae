package pop3

import (
	"context"
	"crypto/tls"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state after QUIT from Transaction (for committing changes).
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// TLSState represents the current TLS encryption state of the connection.
type TLSState int

const (
	// TLSStateNone indicates no TLS protection (ModePOP3 before STLS).
	TLSStateNone TLSState = iota

	// TLSStateActive indicates TLS is active (after STLS or ModePOP3S implicit).
	TLSStateActive
)

// String returns the string representation of the TLS state.
func (ts TLSState) String() string {
	switch ts {
	case TLSStateNone:
		return "NONE"
	case TLSStateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// messageEntry is one row of the snapshot taken at PASS time (spec.md
// §4.7): its message number is its 1-based index in messageList, and UID
// is the message's RFC 822 Message-ID.
type messageEntry struct {
	EmailID ids.ID
	UID     string
	Size    int64
}

// Session represents a POP3 session with state tracking.
type Session struct {
	state    State
	tlsState TLSState

	hostname     string
	listenerMode config.ListenerMode
	tlsConfig    *tls.Config

	username string
	userID   ids.ID

	saslServer sasl.Server
	saslMech   string

	store       store.Port
	maxMessages int
	maxDeleted  int
	messageList []messageEntry
	deletedSet  map[int]bool
}

// NewSession creates a new POP3 session.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool, maxMessages, maxDeleted int) *Session {
	tlsState := TLSStateNone
	if mode == config.ModePOP3S || isTLS {
		tlsState = TLSStateActive
	}

	return &Session{
		state:        StateAuthorization,
		tlsState:     tlsState,
		hostname:     hostname,
		listenerMode: mode,
		tlsConfig:    tlsConfig,
		maxMessages:  maxMessages,
		maxDeleted:   maxDeleted,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// TLSState returns the current TLS state.
func (s *Session) TLSState() TLSState {
	return s.tlsState
}

// SetTLSActive marks the connection as using TLS. Called after a
// successful STLS upgrade.
func (s *Session) SetTLSActive() {
	s.tlsState = TLSStateActive
}

// IsTLSActive returns true if TLS is currently active.
func (s *Session) IsTLSActive() bool {
	return s.tlsState == TLSStateActive
}

// CanSTLS returns true if the STLS command is available: only in
// StateAuthorization, on the plain ModePOP3 listener, before TLS.
func (s *Session) CanSTLS() bool {
	return s.state == StateAuthorization &&
		s.listenerMode == config.ModePOP3 &&
		s.tlsState == TLSStateNone &&
		s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration for STLS.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetUsername stores the username from the USER command.
func (s *Session) SetUsername(username string) {
	s.username = username
}

// Username returns the stored username.
func (s *Session) Username() string {
	return s.username
}

// SetAuthenticated transitions to StateTransaction after successful
// authentication against the Credential Verifier.
func (s *Session) SetAuthenticated(userID ids.ID) {
	s.state = StateTransaction
	s.userID = userID
}

// IsAuthenticated returns true if in StateTransaction or StateUpdate.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// UserID returns the authenticated user's id, or ids.Nil if unauthenticated.
func (s *Session) UserID() ids.ID {
	return s.userID
}

// EnterUpdate transitions to StateUpdate (called when QUIT is received in
// Transaction).
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// SetSASLServer sets the active SASL server for a multi-step exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none.
func (s *Session) SASLServer() sasl.Server {
	return s.saslServer
}

// SASLMech returns the current SASL mechanism name.
func (s *Session) SASLMech() string {
	return s.saslMech
}

// ClearSASL clears the SASL state after completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress returns true if a SASL exchange is in progress.
func (s *Session) IsSASLInProgress() bool {
	return s.saslServer != nil
}

// Capabilities returns the list of capabilities for this session, varying
// with TLS state and listener mode.
func (s *Session) Capabilities() []string {
	caps := []string{"TOP", "UIDL", "RESP-CODES"}

	if s.tlsState == TLSStateActive {
		caps = append([]string{"USER"}, caps...)
		caps = append(caps, "SASL PLAIN")
	}

	if s.CanSTLS() {
		caps = append(caps, "STLS")
	}

	return caps
}

// Cleanup performs end-of-session cleanup.
func (s *Session) Cleanup() {
	s.ClearSASL()
}

// InitializeMailbox loads the message snapshot for the authenticated
// user's mailbox (spec.md §4.7: a flat, 1-indexed list ordered by
// receivedAt ascending, bounded by maxMessagesPerSession).
func (s *Session) InitializeMailbox(ctx context.Context, st store.Port) error {
	if s.userID.IsNil() {
		return ErrMailboxNotInitialized
	}

	summaries, err := st.FindEmailsForUser(ctx, s.userID, 0, s.maxMessages)
	if err != nil {
		return err
	}

	s.store = st
	s.deletedSet = make(map[int]bool)
	s.messageList = make([]messageEntry, len(summaries))
	for i, e := range summaries {
		s.messageList[i] = messageEntry{EmailID: e.ID, UID: e.MessageID, Size: e.SizeBytes}
	}
	return nil
}

// MessageCount returns the count of non-deleted messages.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.messageList {
		if !s.deletedSet[i+1] {
			count++
		}
	}
	return count
}

// TotalSize returns the total size of non-deleted messages in bytes.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, msg := range s.messageList {
		if !s.deletedSet[i+1] {
			total += msg.Size
		}
	}
	return total
}

// GetMessage returns message info by 1-based message number.
func (s *Session) GetMessage(msgNum int) (*messageEntry, error) {
	if s.messageList == nil {
		return nil, ErrMailboxNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.messageList) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return &s.messageList[msgNum-1], nil
}

// MarkDeleted marks a message for deletion by 1-based message number
// (spec.md §4.7 DELE: recorded in DeletedMessages, hard-capped by
// maxDeleted, not yet applied to the store).
func (s *Session) MarkDeleted(msgNum int) error {
	if s.messageList == nil {
		return ErrMailboxNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.messageList) {
		return ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return ErrMessageDeleted
	}
	if s.maxDeleted > 0 && len(s.deletedSet) >= s.maxDeleted {
		return ErrTooManyDeletions
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeletions clears all deletion marks (RSET command).
func (s *Session) ResetDeletions() {
	s.deletedSet = make(map[int]bool)
}

// DeletedEmailIDs returns the store ids of messages marked for deletion,
// for QUIT to apply against the store.
func (s *Session) DeletedEmailIDs() []ids.ID {
	if s.messageList == nil {
		return nil
	}
	var out []ids.ID
	for msgNum := range s.deletedSet {
		if msgNum >= 1 && msgNum <= len(s.messageList) {
			out = append(out, s.messageList[msgNum-1].EmailID)
		}
	}
	return out
}

// Store returns the message store for this session.
func (s *Session) Store() store.Port {
	return s.store
}

// messageListItem pairs a 1-based message number with its snapshot entry,
// for LIST/UIDL iteration.
type messageListItem struct {
	MsgNum int
	Entry  messageEntry
}

// AllMessages returns every non-deleted message with its 1-based number.
func (s *Session) AllMessages() []messageListItem {
	if s.messageList == nil {
		return nil
	}
	var result []messageListItem
	for i, msg := range s.messageList {
		if !s.deletedSet[i+1] {
			result = append(result, messageListItem{MsgNum: i + 1, Entry: msg})
		}
	}
	return result
}
