// Package sqlstore implements the Message Store Port (spec.md §4.1,
// SPEC_FULL.md §4.13) against a relational database. It is driver-agnostic:
// callers select the backend with a DSN scheme and the rest of the package
// only ever touches *sqlx.DB/*sqlx.Tx.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

// Store is a store.Port backed by a relational database.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open opens dsn and runs schema migrations. dsn is either
// "sqlite:///path/to/file.db" or a "postgres://" URL (SPEC_FULL.md §6).
func Open(dsn string) (*Store, error) {
	driverName, dataSource, err := splitDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}

	if driverName == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: enabling WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: enabling foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driverName}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrating: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind translates ? placeholders to the bound driver's native syntax
// (sqlite leaves them as ?, pgx becomes $1, $2, ...), so every query below
// is written once and works against both backends.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func splitDSN(dsn string) (driverName, dataSource string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	default:
		return "", "", fmt.Errorf("sqlstore: unrecognized DSN scheme in %q", dsn)
	}
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQLite); err != nil {
		return err
	}
	return nil
}

// schemaSQLite is applied verbatim against sqlite; it is also compatible
// (modulo the AUTOINCREMENT keyword, unused here) with the postgres driver
// since the DDL sticks to portable types.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	primary_address TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_email_addresses (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	address TEXT NOT NULL,
	verified_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_user_email_addresses_address ON user_email_addresses(address);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL,
	scopes TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP,
	last_used_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);

CREATE TABLE IF NOT EXISTS emails (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	from_address TEXT NOT NULL,
	from_display_name TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	text_body TEXT NOT NULL DEFAULT '',
	html_body TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMP NOT NULL,
	size_bytes INTEGER NOT NULL,
	in_reply_to TEXT NOT NULL DEFAULT '',
	references_list TEXT NOT NULL DEFAULT '',
	thread_id TEXT NOT NULL,
	sent_by_user_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_received_at ON emails(received_at);

CREATE TABLE IF NOT EXISTS email_recipients (
	id TEXT PRIMARY KEY,
	email_id TEXT NOT NULL REFERENCES emails(id),
	address TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	user_id TEXT,
	is_read INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_email_recipients_email_id ON email_recipients(email_id);
CREATE INDEX IF NOT EXISTS idx_email_recipients_user_id ON email_recipients(user_id);

CREATE TABLE IF NOT EXISTS email_attachments (
	id TEXT PRIMARY KEY,
	email_id TEXT NOT NULL REFERENCES emails(id),
	file_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	content BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_attachments_email_id ON email_attachments(email_id);
`

// FindUserByAddress implements store.Port.
func (s *Store) FindUserByAddress(ctx context.Context, address string, withKeys bool) (*store.User, error) {
	addr := strings.ToLower(address)

	var row struct {
		ID             ids.ID `db:"id"`
		PrimaryAddress string `db:"primary_address"`
		DisplayName    string `db:"display_name"`
	}
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT id, primary_address, display_name FROM users WHERE lower(primary_address) = ?
		UNION
		SELECT u.id, u.primary_address, u.display_name
		FROM users u JOIN user_email_addresses a ON a.user_id = u.id
		WHERE lower(a.address) = ? AND a.verified_at IS NOT NULL
		LIMIT 1`), addr, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find user by address: %w", err)
	}

	u := &store.User{ID: row.ID, PrimaryAddress: row.PrimaryAddress, DisplayName: row.DisplayName}
	if withKeys {
		keys, err := s.loadAPIKeys(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		u.APIKeys = keys
	}
	return u, nil
}

func (s *Store) loadAPIKeys(ctx context.Context, userID ids.ID) ([]store.APIKey, error) {
	var rows []struct {
		ID         ids.ID     `db:"id"`
		UserID     ids.ID     `db:"user_id"`
		Name       string     `db:"name"`
		KeyHash    string     `db:"key_hash"`
		Scopes     string     `db:"scopes"`
		CreatedAt  time.Time  `db:"created_at"`
		RevokedAt  *time.Time `db:"revoked_at"`
		LastUsedAt *time.Time `db:"last_used_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT id, user_id, name, key_hash, scopes, created_at, revoked_at, last_used_at FROM api_keys WHERE user_id = ?`), userID); err != nil {
		return nil, fmt.Errorf("sqlstore: load api keys: %w", err)
	}
	keys := make([]store.APIKey, len(rows))
	for i, r := range rows {
		keys[i] = store.APIKey{
			ID: r.ID, UserID: r.UserID, Name: r.Name, KeyHash: r.KeyHash,
			Scopes: splitScopes(r.Scopes), CreatedAt: r.CreatedAt,
			RevokedAt: r.RevokedAt, LastUsedAt: r.LastUsedAt,
		}
	}
	return keys, nil
}

func splitScopes(csv string) []store.Scope {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	scopes := make([]store.Scope, len(parts))
	for i, p := range parts {
		scopes[i] = store.Scope(p)
	}
	return scopes
}

func joinScopes(scopes []store.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// TouchAPIKeyLastUsed implements store.Port.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, keyID ids.ID) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), time.Now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("sqlstore: touch api key: %w", err)
	}
	return nil
}

// StoreIncomingEmail implements store.Port. The whole write happens inside
// one transaction so a concurrent LoadEmailFull/FindEmailsForUser never
// observes a partially-materialized email (spec.md §3 invariant 1).
func (s *Store) StoreIncomingEmail(ctx context.Context, email store.Email, sentByUserID *ids.ID) (ids.ID, error) {
	if email.ID.IsNil() {
		email.ID = ids.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ids.Nil, fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	threadID := email.ThreadID
	if threadID.IsNil() {
		threadID, err = s.findThreadTx(ctx, tx, email.InReplyTo, email.References)
		if err != nil {
			return ids.Nil, err
		}
		if threadID.IsNil() {
			threadID = email.ID
		}
	}

	var sentBy any
	if sentByUserID != nil {
		sentBy = *sentByUserID
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO emails (id, message_id, from_address, from_display_name, subject, text_body, html_body,
			received_at, size_bytes, in_reply_to, references_list, thread_id, sent_by_user_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		email.ID, email.MessageID, email.FromAddress, email.FromDisplayName, email.Subject,
		email.TextBody, email.HTMLBody, email.ReceivedAt.UTC(), email.SizeBytes,
		email.InReplyTo, strings.Join(email.References, "\n"), threadID, sentBy)
	if err != nil {
		return ids.Nil, fmt.Errorf("sqlstore: insert email: %w", err)
	}

	for _, r := range email.Recipients {
		if r.ID.IsNil() {
			r.ID = ids.New()
		}
		userID, err := s.resolveRecipientTx(ctx, tx, r.Address)
		if err != nil {
			return ids.Nil, err
		}
		var userIDVal any
		if userID != nil {
			userIDVal = *userID
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO email_recipients (id, email_id, address, display_name, type, user_id, is_read)
			VALUES (?,?,?,?,?,?,0)`),
			r.ID, email.ID, r.Address, r.DisplayName, string(r.Type), userIDVal)
		if err != nil {
			return ids.Nil, fmt.Errorf("sqlstore: insert recipient: %w", err)
		}
	}

	for _, a := range email.Attachments {
		if a.ID.IsNil() {
			a.ID = ids.New()
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO email_attachments (id, email_id, file_name, content_type, size_bytes, content)
			VALUES (?,?,?,?,?,?)`),
			a.ID, email.ID, a.FileName, a.ContentType, a.SizeBytes, a.Content)
		if err != nil {
			return ids.Nil, fmt.Errorf("sqlstore: insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ids.Nil, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return email.ID, nil
}

func (s *Store) resolveRecipientTx(ctx context.Context, tx *sqlx.Tx, address string) (*ids.ID, error) {
	addr := strings.ToLower(address)
	var userID ids.ID
	err := tx.GetContext(ctx, &userID, s.rebind(`
		SELECT id FROM users WHERE lower(primary_address) = ?
		UNION
		SELECT u.id FROM users u JOIN user_email_addresses a ON a.user_id = u.id
		WHERE lower(a.address) = ? AND a.verified_at IS NOT NULL
		LIMIT 1`), addr, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: resolve recipient: %w", err)
	}
	return &userID, nil
}

func (s *Store) findThreadTx(ctx context.Context, tx *sqlx.Tx, inReplyTo string, references []string) (ids.ID, error) {
	candidates := append([]string{}, references...)
	if inReplyTo != "" {
		candidates = append(candidates, inReplyTo)
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		var threadID ids.ID
		err := tx.GetContext(ctx, &threadID, s.rebind(`SELECT thread_id FROM emails WHERE message_id = ? LIMIT 1`), c)
		if err == nil {
			return threadID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ids.Nil, fmt.Errorf("sqlstore: find thread: %w", err)
		}
	}
	return ids.Nil, nil
}

// FindThreadBySourceHeaders implements store.Port.
func (s *Store) FindThreadBySourceHeaders(ctx context.Context, inReplyTo string, references []string) (ids.ID, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return ids.Nil, fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()
	return s.findThreadTx(ctx, tx, inReplyTo, references)
}

// FindEmailsForUser implements store.Port.
func (s *Store) FindEmailsForUser(ctx context.Context, userID ids.ID, offset, limit int) ([]store.EmailSummary, error) {
	var rows []struct {
		ID              ids.ID    `db:"id"`
		MessageID       string    `db:"message_id"`
		FromAddress     string    `db:"from_address"`
		FromDisplayName string    `db:"from_display_name"`
		Subject         string    `db:"subject"`
		ReceivedAt      time.Time `db:"received_at"`
		SizeBytes       int64     `db:"size_bytes"`
		ThreadID        ids.ID    `db:"thread_id"`
		IsRead          bool      `db:"is_read"`
	}
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT e.id, e.message_id, e.from_address, e.from_display_name, e.subject, e.received_at, e.size_bytes, e.thread_id, r.is_read
		FROM emails e JOIN email_recipients r ON r.email_id = e.id
		WHERE r.user_id = ?
		ORDER BY e.received_at ASC
		LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find emails for user: %w", err)
	}
	out := make([]store.EmailSummary, len(rows))
	for i, r := range rows {
		out[i] = store.EmailSummary{
			ID: r.ID, MessageID: r.MessageID, FromAddress: r.FromAddress,
			FromDisplayName: r.FromDisplayName, Subject: r.Subject,
			ReceivedAt: r.ReceivedAt, SizeBytes: r.SizeBytes, ThreadID: r.ThreadID,
			IsRead: r.IsRead,
		}
	}
	return out, nil
}

// LoadEmailFull implements store.Port.
func (s *Store) LoadEmailFull(ctx context.Context, emailID ids.ID, requireAccessByUserID *ids.ID) (store.Email, error) {
	var row struct {
		ID              ids.ID    `db:"id"`
		MessageID       string    `db:"message_id"`
		FromAddress     string    `db:"from_address"`
		FromDisplayName string    `db:"from_display_name"`
		Subject         string    `db:"subject"`
		TextBody        string    `db:"text_body"`
		HTMLBody        string    `db:"html_body"`
		ReceivedAt      time.Time `db:"received_at"`
		SizeBytes       int64     `db:"size_bytes"`
		InReplyTo       string    `db:"in_reply_to"`
		References      string    `db:"references_list"`
		ThreadID        ids.ID    `db:"thread_id"`
		SentByUserID    *ids.ID   `db:"sent_by_user_id"`
	}
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT * FROM emails WHERE id = ?`), emailID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Email{}, store.ErrNotFound
	}
	if err != nil {
		return store.Email{}, fmt.Errorf("sqlstore: load email: %w", err)
	}

	var recipients []store.EmailRecipient
	if err := s.db.SelectContext(ctx, &recipients, s.rebind(`SELECT id, email_id AS emailid, address, display_name AS displayname, type, user_id AS userid, is_read AS isread FROM email_recipients WHERE email_id = ?`), emailID); err != nil {
		return store.Email{}, fmt.Errorf("sqlstore: load recipients: %w", err)
	}

	if requireAccessByUserID != nil {
		allowed := row.SentByUserID != nil && *row.SentByUserID == *requireAccessByUserID
		for _, r := range recipients {
			if r.UserID != nil && *r.UserID == *requireAccessByUserID {
				allowed = true
			}
		}
		if !allowed {
			return store.Email{}, store.ErrForbidden
		}
	}

	var attachments []store.EmailAttachment
	if err := s.db.SelectContext(ctx, &attachments, s.rebind(`SELECT id, email_id AS emailid, file_name AS filename, content_type AS contenttype, size_bytes AS sizebytes, content FROM email_attachments WHERE email_id = ?`), emailID); err != nil {
		return store.Email{}, fmt.Errorf("sqlstore: load attachments: %w", err)
	}

	var refs []string
	if row.References != "" {
		refs = strings.Split(row.References, "\n")
	}

	return store.Email{
		ID: row.ID, MessageID: row.MessageID, FromAddress: row.FromAddress,
		FromDisplayName: row.FromDisplayName, Subject: row.Subject,
		TextBody: row.TextBody, HTMLBody: row.HTMLBody, ReceivedAt: row.ReceivedAt,
		SizeBytes: row.SizeBytes, InReplyTo: row.InReplyTo, References: refs,
		ThreadID: row.ThreadID, SentByUserID: row.SentByUserID,
		Recipients: recipients, Attachments: attachments,
	}, nil
}

// MarkRead implements store.Port.
func (s *Store) MarkRead(ctx context.Context, emailID, userID ids.ID, read bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE email_recipients SET is_read = ? WHERE email_id = ? AND user_id = ?`), read, emailID, userID)
	if err != nil {
		return fmt.Errorf("sqlstore: mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrForbidden
	}
	return nil
}

// DeleteEmail implements store.Port. Cascades to recipients and attachments
// (spec.md §3 invariant 2).
func (s *Store) DeleteEmail(ctx context.Context, emailID ids.ID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM email_attachments WHERE email_id = ?`), emailID); err != nil {
		return fmt.Errorf("sqlstore: delete attachments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM email_recipients WHERE email_id = ?`), emailID); err != nil {
		return fmt.Errorf("sqlstore: delete recipients: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM emails WHERE id = ?`), emailID)
	if err != nil {
		return fmt.Errorf("sqlstore: delete email: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

var _ store.Port = (*Store)(nil)

// ScopesColumn is exported for callers (e.g. a seeding CLI in the API
// layer) that need to construct the csv scopes column directly.
func ScopesColumn(scopes []store.Scope) string { return joinScopes(scopes) }
