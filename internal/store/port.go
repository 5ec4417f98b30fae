package store

import (
	"context"

	"github.com/infodancer/mailcore/internal/ids"
)

// Port is the Message Store Port (spec.md §4.1). Every operation is
// cancelable via ctx; on cancellation an implementation must release any
// transaction it opened rather than leave it dangling (spec.md §4.1
// contract, §5 shared-resource discipline).
type Port interface {
	// FindEmailsForUser returns a page of the user's emails ordered by
	// receivedAt ascending.
	FindEmailsForUser(ctx context.Context, userID ids.ID, offset, limit int) ([]EmailSummary, error)

	// LoadEmailFull loads one email with its recipients and attachments.
	// When requireAccessByUserID is non-nil, the call fails with
	// ErrForbidden unless that user is a recipient or the sender.
	LoadEmailFull(ctx context.Context, emailID ids.ID, requireAccessByUserID *ids.ID) (Email, error)

	// MarkRead flips EmailRecipient.IsRead for the (emailID, userID) row.
	MarkRead(ctx context.Context, emailID, userID ids.ID, read bool) error

	// DeleteEmail deletes an email and cascades to its recipients and
	// attachments (spec.md §3 invariant 2).
	DeleteEmail(ctx context.Context, emailID ids.ID) error

	// StoreIncomingEmail persists a newly received email atomically with
	// its recipients and attachments (spec.md §3 invariant 1). Every
	// recipient address is resolved against users and verified aliases
	// and EmailRecipient.UserID is populated for matches; if
	// sentByUserID is non-nil the email's SentByUserID back-reference is
	// stored. Returns the new email id.
	StoreIncomingEmail(ctx context.Context, email Email, sentByUserID *ids.ID) (ids.ID, error)

	// FindUserByAddress resolves a primary or verified-alias address to
	// a user, case-insensitively. withKeys controls whether APIKeys are
	// populated (the verifier needs them; most callers do not).
	FindUserByAddress(ctx context.Context, address string, withKeys bool) (*User, error)

	// FindThreadBySourceHeaders resolves the threadId a new message
	// should inherit, given its In-Reply-To and References headers
	// (spec.md §4.2 threading hint). Returns ids.Nil if no existing
	// email matches.
	FindThreadBySourceHeaders(ctx context.Context, inReplyTo string, references []string) (ids.ID, error)

	// TouchAPIKeyLastUsed updates APIKey.LastUsedAt to now. Errors are
	// expected to be swallowed by callers per the verifier's algorithm
	// (spec.md §4.3 step 2); the port still reports them so a caller can
	// log if it chooses to.
	TouchAPIKeyLastUsed(ctx context.Context, keyID ids.ID) error
}
