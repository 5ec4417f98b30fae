package smtp

// State represents the current state in the SMTP envelope state machine
// (spec.md §4.6: Connected -> Greeted -> MailFrom -> RcptTo -> Data -> Greeted).
type State int

const (
	// StateConnected is the initial state before EHLO/HELO.
	StateConnected State = iota

	// StateGreeted is the state after a successful EHLO/HELO.
	StateGreeted

	// StateMailFrom is the state after a successful MAIL FROM.
	StateMailFrom

	// StateRcptTo is the state after at least one successful RCPT TO.
	StateRcptTo

	// StateData is the state while reading the DATA stream.
	StateData
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL"
	case StateRcptTo:
		return "RCPT"
	case StateData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// TLSState mirrors the pop3 package's TLS tracking (spec.md §4.6 STARTTLS).
type TLSState int

const (
	TLSStateNone TLSState = iota
	TLSStateActive
)

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
