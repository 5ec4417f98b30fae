package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailcore/internal/rfc822"
	"github.com/infodancer/mailcore/internal/store"
)

// imapDateLayout is RFC 9051's date-time format for INTERNALDATE and
// ENVELOPE dates.
const imapDateLayout = "02-Jan-2006 15:04:05 -0700"

// renderFull reconstructs the wire form of a stored email so BODY[] and its
// subsets can be served. The store keeps structured fields (subject, text
// and HTML bodies, attachments) rather than the original raw octets, so
// this is a faithful re-render rather than a byte-for-byte echo of what
// SMTP originally received (spec.md §4.2, §4.8).
func renderFull(email store.Email) ([]byte, error) {
	return rfc822.Render(rfc822.RenderInput{
		MessageID:       email.MessageID,
		FromAddress:     email.FromAddress,
		FromDisplayName: email.FromDisplayName,
		To:              recipientAddresses(email, store.RecipientTo),
		Cc:              recipientAddresses(email, store.RecipientCc),
		Bcc:             recipientAddresses(email, store.RecipientBcc),
		Subject:         email.Subject,
		TextBody:        email.TextBody,
		HTMLBody:        email.HTMLBody,
		InReplyTo:       email.InReplyTo,
		References:      email.References,
		Date:            email.ReceivedAt,
		Attachments:     email.Attachments,
	})
}

func recipientAddresses(email store.Email, t store.RecipientType) []rfc822.Address {
	var out []rfc822.Address
	for _, r := range email.Recipients {
		if r.Type == t {
			out = append(out, rfc822.Address{Name: r.DisplayName, Address: r.Address})
		}
	}
	return out
}

// splitHeaderBody splits a rendered message into its header block (through
// the blank line, inclusive) and body, per RFC 5322 §2.1.
func splitHeaderBody(raw []byte) (header, body []byte) {
	sep := []byte("\r\n\r\n")
	if i := indexOf(raw, sep); i >= 0 {
		return raw[:i+2], raw[i+4:]
	}
	return raw, nil
}

func indexOf(haystack, needle []byte) int {
	return strings.Index(string(haystack), string(needle))
}

// formatFlags renders a message's flag set as a parenthesized list.
func formatFlags(m *message) string {
	var flags []string
	for _, f := range []goimap.Flag{goimap.FlagSeen, goimap.FlagAnswered, goimap.FlagFlagged, goimap.FlagDeleted, goimap.FlagDraft} {
		if m.flags[f] {
			flags = append(flags, string(f))
		}
	}
	return "(" + strings.Join(flags, " ") + ")"
}

// formatEnvelope renders the ENVELOPE structure (RFC 9051 §7.5.2), a
// 10-element parenthesized list: date subject from sender reply-to to cc
// bcc in-reply-to message-id. Sender and Reply-To are not modeled
// separately by the store, so they mirror From, matching common client
// expectations for single-author mail.
func formatEnvelope(email store.Email) string {
	from := addressStructure(email.FromDisplayName, email.FromAddress)
	to := addressListStructure(email, store.RecipientTo)
	cc := addressListStructure(email, store.RecipientCc)
	bcc := addressListStructure(email, store.RecipientBcc)
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		quoteString(email.ReceivedAt.Format(imapDateLayout)),
		quoteString(email.Subject),
		from, from, from,
		to, cc, bcc,
		quoteNillableString(email.InReplyTo),
		quoteNillableString(email.MessageID))
}

func addressStructure(name, address string) string {
	local, domain := splitAddress(address)
	return fmt.Sprintf("((%s NIL %s %s))", quoteNillableString(name), quoteNillableString(local), quoteNillableString(domain))
}

func addressListStructure(email store.Email, t store.RecipientType) string {
	addrs := recipientAddresses(email, t)
	if len(addrs) == 0 {
		return "NIL"
	}
	var parts []string
	for _, a := range addrs {
		local, domain := splitAddress(a.Address)
		parts = append(parts, fmt.Sprintf("(%s NIL %s %s)", quoteNillableString(a.Name), quoteNillableString(local), quoteNillableString(domain)))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func splitAddress(address string) (local, domain string) {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[:i], address[i+1:]
	}
	return address, ""
}

func quoteString(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

func quoteNillableString(s string) string {
	if s == "" {
		return "NIL"
	}
	return quoteString(s)
}

// formatBodyStructure renders a simplified BODYSTRUCTURE (RFC 9051 §7.5.2):
// a single text/plain (or, when only an HTML body was stored, text/html)
// part. Attachments are surfaced as their own multipart/mixed members.
func formatBodyStructure(email store.Email) string {
	mainType, subType, body := "text", "plain", email.TextBody
	if body == "" && email.HTMLBody != "" {
		subType, body = "html", email.HTMLBody
	}
	lines := strings.Count(body, "\n") + 1
	mainPart := fmt.Sprintf(`("%s" "%s" ("CHARSET" "utf-8") NIL NIL "7BIT" %d %d)`,
		mainType, subType, len(body), lines)

	if len(email.Attachments) == 0 {
		return mainPart
	}

	var parts strings.Builder
	parts.WriteString(mainPart)
	for _, a := range email.Attachments {
		main, sub := splitContentType(a.ContentType)
		parts.WriteString(fmt.Sprintf(` ("%s" "%s" ("NAME" %s) NIL NIL "BASE64" %d)`,
			main, sub, quoteString(a.FileName), a.SizeBytes))
	}
	return "(" + parts.String() + ` "MIXED")`
}

func splitContentType(ct string) (main, sub string) {
	parts := strings.SplitN(ct, "/", 2)
	if len(parts) != 2 {
		return "application", "octet-stream"
	}
	return parts[0], parts[1]
}

// formatUint renders a uint32 for use in response lines.
func formatUint(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// formatInternalDate renders INTERNALDATE.
func formatInternalDate(t time.Time) string { return quoteString(t.Format(imapDateLayout)) }
