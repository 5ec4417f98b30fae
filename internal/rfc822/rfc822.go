// Package rfc822 renders and parses email messages (spec.md §4.2). Both
// directions are pure functions over byte slices so the protocol engines
// can call them without touching the wire themselves.
package rfc822

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/infodancer/mailcore/internal/store"
)

// ErrMalformedMessage is returned by Parse when the input cannot be read as
// a well-formed RFC 5322 / MIME message.
var ErrMalformedMessage = errors.New("rfc822: malformed message")

// Draft is the subset of store.Email that Parse can recover from the wire
// form of a message; callers fill in the rest (ids, thread resolution,
// recipient UserID lookups) before calling store.Port.StoreIncomingEmail.
type Draft struct {
	MessageID       string
	FromAddress     string
	FromDisplayName string
	Subject         string
	TextBody        string
	HTMLBody        string
	InReplyTo       string
	References      []string
	To              []Address
	Cc              []Address
	Bcc             []Address
	Attachments     []store.EmailAttachment
	SizeBytes       int64
}

// Address is a parsed RFC 5322 mailbox.
type Address struct {
	Name    string
	Address string
}

// Parse decodes raw into a Draft. It accepts any MIME structure go-message
// can walk: single part, multipart/alternative, multipart/mixed, or a
// mixture of the two (spec.md §4.2 edge case: nested multipart).
func Parse(raw []byte) (Draft, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	defer mr.Close()

	d := Draft{SizeBytes: int64(len(raw))}

	h := mr.Header
	d.MessageID, _ = h.MessageID()
	d.Subject, _ = h.Subject()
	d.InReplyTo = firstMsgID(h.Get("In-Reply-To"))
	d.References = splitMsgIDs(h.Get("References"))

	if froms, err := h.AddressList("From"); err == nil && len(froms) > 0 {
		d.FromAddress = froms[0].Address
		d.FromDisplayName = froms[0].Name
	}
	d.To = addressList(h, "To")
	d.Cc = addressList(h, "Cc")
	d.Bcc = addressList(h, "Bcc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Draft{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return Draft{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/html"):
				d.HTMLBody += string(body)
			default:
				d.TextBody += string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return Draft{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			d.Attachments = append(d.Attachments, store.EmailAttachment{
				FileName:    filename,
				ContentType: contentType,
				SizeBytes:   int64(len(body)),
				Content:     body,
			})
		}
	}

	if d.FromAddress == "" && d.TextBody == "" && d.HTMLBody == "" && len(d.Attachments) == 0 {
		return Draft{}, fmt.Errorf("%w: no recognizable body or sender", ErrMalformedMessage)
	}
	return d, nil
}

func firstMsgID(raw string) string {
	ids := splitMsgIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func splitMsgIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func addressList(h mail.Header, field string) []Address {
	list, err := h.AddressList(field)
	if err != nil {
		return nil
	}
	out := make([]Address, len(list))
	for i, a := range list {
		out[i] = Address{Name: a.Name, Address: a.Address}
	}
	return out
}

// RenderInput is everything Render needs to produce wire bytes for an
// outgoing message; it deliberately mirrors store.Email rather than
// embedding it, since a message being rendered has not been stored yet.
type RenderInput struct {
	MessageID       string
	FromAddress     string
	FromDisplayName string
	To              []Address
	Cc              []Address
	Bcc             []Address
	Subject         string
	TextBody        string
	HTMLBody        string
	InReplyTo       string
	References      []string
	Date            time.Time
	Attachments     []store.EmailAttachment
}

// Render serializes in into an RFC 5322 message with CRLF line endings.
// The top level is always multipart/mixed (mail.CreateWriter). Its first
// part is the body: multipart/alternative when there is both a text and an
// HTML body (spec.md §4.2), otherwise a single text/html or text/plain
// part. Each attachment follows as its own part.
func Render(in RenderInput) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Name: in.FromDisplayName, Address: in.FromAddress}})
	if len(in.To) > 0 {
		h.SetAddressList("To", toMailAddrs(in.To))
	}
	if len(in.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddrs(in.Cc))
	}
	if len(in.Bcc) > 0 {
		h.SetAddressList("Bcc", toMailAddrs(in.Bcc))
	}
	h.SetSubject(in.Subject)
	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	h.SetDate(date)
	if in.MessageID != "" {
		h.SetMessageID(in.MessageID)
	}
	if in.InReplyTo != "" {
		h.Set("In-Reply-To", "<"+in.InReplyTo+">")
	}
	if len(in.References) > 0 {
		refs := make([]string, len(in.References))
		for i, r := range in.References {
			refs[i] = "<" + r + ">"
		}
		h.Set("References", strings.Join(refs, " "))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("rfc822: create writer: %w", err)
	}

	switch {
	case in.HTMLBody != "" && in.TextBody != "":
		aw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("rfc822: create inline writer: %w", err)
		}
		if err := writeInlinePart(aw, "text/plain", in.TextBody); err != nil {
			return nil, err
		}
		if err := writeInlinePart(aw, "text/html", in.HTMLBody); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("rfc822: close inline writer: %w", err)
		}
	case in.HTMLBody != "":
		if err := writeSingleBody(mw, "text/html", in.HTMLBody); err != nil {
			return nil, err
		}
	default:
		if err := writeSingleBody(mw, "text/plain", in.TextBody); err != nil {
			return nil, err
		}
	}

	for _, a := range in.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("rfc822: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSingleBody(mw *mail.Writer, contentType, body string) error {
	var ih mail.InlineHeader
	ih.Set("Content-Type", contentType+"; charset=utf-8")
	w, err := mw.CreateSingleInline(ih)
	if err != nil {
		return fmt.Errorf("rfc822: create single inline: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("rfc822: write body: %w", err)
	}
	return w.Close()
}

func writeInlinePart(aw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.Set("Content-Type", contentType+"; charset=utf-8")
	w, err := aw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("rfc822: create part: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("rfc822: write part: %w", err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, a store.EmailAttachment) error {
	var ah mail.AttachmentHeader
	ah.Set("Content-Type", a.ContentType)
	ah.SetFilename(a.FileName)
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("rfc822: create attachment: %w", err)
	}
	if _, err := w.Write(a.Content); err != nil {
		return fmt.Errorf("rfc822: write attachment: %w", err)
	}
	return w.Close()
}

func toMailAddrs(addrs []Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Name: a.Name, Address: a.Address}
	}
	return out
}
