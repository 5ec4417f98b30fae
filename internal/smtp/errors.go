package smtp

import "errors"

// Protocol errors for SMTP.
var (
	// ErrInvalidState is returned when a command is not valid in the current state.
	ErrInvalidState = errors.New("command not valid in current state")

	// ErrAuthRequired is returned when MAIL FROM is attempted before AUTH in submission mode.
	ErrAuthRequired = errors.New("authentication required")

	// ErrTooManyRecipients is returned when RCPT TO would exceed the configured cap.
	ErrTooManyRecipients = errors.New("too many recipients")

	// ErrMessageTooLarge is returned when a message exceeds maxMessageSizeBytes.
	ErrMessageTooLarge = errors.New("message exceeds size limit")

	// ErrNoMailFrom is returned when RCPT TO or DATA is attempted before MAIL FROM.
	ErrNoMailFrom = errors.New("no MAIL FROM in progress")

	// ErrNoRecipients is returned when DATA is attempted before any RCPT TO.
	ErrNoRecipients = errors.New("no valid recipients")
)
