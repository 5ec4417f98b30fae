package rfc822

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/store"
)

func TestRender_TextOnly(t *testing.T) {
	raw, err := Render(RenderInput{
		FromAddress: "alice@example.com",
		To:          []Address{{Address: "bob@example.com"}},
		Subject:     "hi",
		TextBody:    "hello there",
		Date:        time.Unix(0, 0),
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.Contains(raw, []byte("hello there")) {
		t.Error("rendered message missing text body")
	}
	if !bytes.Contains(raw, []byte("Subject: hi")) {
		t.Error("rendered message missing subject header")
	}
}

func TestRender_WithAttachment(t *testing.T) {
	raw, err := Render(RenderInput{
		FromAddress: "alice@example.com",
		To:          []Address{{Address: "bob@example.com"}},
		Subject:     "invoice",
		TextBody:    "see attached",
		Date:        time.Unix(0, 0),
		Attachments: []store.EmailAttachment{
			{FileName: "invoice.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4 fake")},
		},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.Contains(raw, []byte("multipart/mixed")) {
		t.Error("expected multipart/mixed wrapping when attachments are present")
	}
	if !bytes.Contains(raw, []byte(`filename=invoice.pdf`)) {
		t.Error("expected attachment filename in rendered message")
	}

	draft, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(draft.Attachments) != 1 || draft.Attachments[0].FileName != "invoice.pdf" {
		t.Errorf("Attachments = %+v, want one invoice.pdf", draft.Attachments)
	}
	if !strings.Contains(draft.TextBody, "see attached") {
		t.Errorf("TextBody = %q, want to contain %q", draft.TextBody, "see attached")
	}
}
