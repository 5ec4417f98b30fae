// Package store defines the Message Store Port (spec.md §4.1): the
// capability bundle the SMTP, POP3 and IMAP session engines use to read and
// write users, API keys, and email against the persistent store, without
// knowing the concrete database underneath.
package store

import (
	"time"

	"github.com/infodancer/mailcore/internal/ids"
)

// Scope is a token attached to an API key restricting which protocol it may
// authenticate (spec.md §3).
type Scope string

const (
	ScopeSMTP     Scope = "smtp"
	ScopePOP3     Scope = "pop3"
	ScopeIMAP     Scope = "imap"
	ScopeAPIRead  Scope = "api:read"
	ScopeAPIWrite Scope = "api:write"
	ScopeApp      Scope = "app"
)

// RecipientType distinguishes To/Cc/Bcc envelope roles on a stored recipient.
type RecipientType string

const (
	RecipientTo  RecipientType = "To"
	RecipientCc  RecipientType = "Cc"
	RecipientBcc RecipientType = "Bcc"
)

// User is the canonical sender/recipient identity.
type User struct {
	ID             ids.ID
	PrimaryAddress string
	DisplayName    string
	Addresses      []UserEmailAddress
	APIKeys        []APIKey
}

// UserEmailAddress is a secondary verified alias a user also receives mail
// at. Resolution against these rows is what spec.md §3 invariant 2 means by
// "a verified UserEmailAddress".
type UserEmailAddress struct {
	ID         ids.ID
	UserID     ids.ID
	Address    string
	VerifiedAt *time.Time
}

// APIKey is a salted, hashed credential scoped to one or more protocols.
type APIKey struct {
	ID         ids.ID
	UserID     ids.ID
	Name       string
	KeyHash    string
	Scopes     []Scope
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// HasScope reports whether the key carries the given scope.
func (k APIKey) HasScope(s Scope) bool {
	for _, got := range k.Scopes {
		if got == s {
			return true
		}
	}
	return false
}

// Revoked reports whether the key has been revoked.
func (k APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// EmailSummary is the lightweight projection used by findEmailsForUser.
type EmailSummary struct {
	ID              ids.ID
	MessageID       string
	FromAddress     string
	FromDisplayName string
	Subject         string
	ReceivedAt      time.Time
	SizeBytes       int64
	ThreadID        ids.ID

	// IsRead mirrors EmailRecipient.IsRead for the requesting user, so the
	// IMAP session engine can reconstruct the \Seen flag without loading
	// every message in full (spec.md §4.8).
	IsRead bool
}

// Email is the full, immutable-once-written stored message (spec.md §3).
type Email struct {
	ID              ids.ID
	MessageID       string
	FromAddress     string
	FromDisplayName string
	Subject         string
	TextBody        string
	HTMLBody        string
	ReceivedAt      time.Time
	SizeBytes       int64
	InReplyTo       string
	References      []string
	ThreadID        ids.ID
	SentByUserID    *ids.ID
	Recipients      []EmailRecipient
	Attachments     []EmailAttachment
}

// EmailRecipient is a per-recipient row; IsRead is the only field mutable
// after ingestion (spec.md §3).
type EmailRecipient struct {
	ID          ids.ID
	EmailID     ids.ID
	Address     string
	DisplayName string
	Type        RecipientType
	UserID      *ids.ID
	IsRead      bool
}

// EmailAttachment carries an opaque content blob.
type EmailAttachment struct {
	ID          ids.ID
	EmailID     ids.ID
	FileName    string
	ContentType string
	SizeBytes   int64
	Content     []byte
}
