package imap

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"testing"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

type testConn struct{ logger *slog.Logger }

func newTestConn() *testConn {
	return &testConn{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (c *testConn) Logger() *slog.Logger { return c.logger }

func TestCapabilityCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeIMAP, &tls.Config{}, false)
	cmd := &capabilityCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK {
		t.Errorf("Status = %v, want OK", resp.Status)
	}
	if len(resp.Untagged) != 1 {
		t.Fatalf("Untagged = %v, want 1 line", resp.Untagged)
	}
}

func TestStarttlsCommand_RequiresPlainState(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeIMAP, &tls.Config{}, false)
	cmd := &starttlsCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK {
		t.Errorf("Status = %v, want OK", resp.Status)
	}

	sess.SetTLSActive()
	resp, _ = cmd.Execute(context.Background(), sess, newTestConn(), "a2", "")
	if resp.Status != StatusNO {
		t.Errorf("Status = %v, want NO when already TLS", resp.Status)
	}
}

func TestListCommand_OnlyInbox(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeIMAP, &tls.Config{}, true)
	sess.SetAuthenticated(ids.New())
	cmd := &listCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", `"" "INBOX"`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK || len(resp.Untagged) != 1 {
		t.Fatalf("Execute() = %+v", resp)
	}

	resp, _ = cmd.Execute(context.Background(), sess, newTestConn(), "a2", `"" "OTHER"`)
	if len(resp.Untagged) != 0 {
		t.Errorf("expected no listing for a non-INBOX mailbox, got %v", resp.Untagged)
	}
}

func TestSelectCommand_Success(t *testing.T) {
	fs := &fakeStore{}
	sess := NewSession("mail.example.com", config.ModeIMAP, &tls.Config{}, true)
	sess.SetAuthenticated(ids.New())

	cmd := &selectExamineCommand{readOnly: false, st: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "INBOX")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want OK: %s", resp.Status, resp.Text)
	}
	if sess.State() != StateSelected {
		t.Errorf("State() = %v, want StateSelected", sess.State())
	}
}

func TestSelectCommand_UnknownMailbox(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeIMAP, &tls.Config{}, true)
	sess.SetAuthenticated(ids.New())
	cmd := &selectExamineCommand{readOnly: false, st: &fakeStore{}}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "OTHER")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusNO {
		t.Errorf("Status = %v, want NO", resp.Status)
	}
}

func newSelectedSession(msgs ...*message) *Session {
	return &Session{state: StateSelected, messages: msgs, tlsState: TLSStateActive, store: &fakeStore{}}
}

func newTestMessage(seq int) *message {
	return &message{seqNum: seq, emailID: ids.New(), flags: make(map[goimap.Flag]bool)}
}

func TestStoreCommand_AddsAndRemovesFlags(t *testing.T) {
	m := newTestMessage(1)
	sess := newSelectedSession(m)
	fs := sess.store.(*fakeStore)
	cmd := &storeCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", `1 +FLAGS (\Seen)`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want OK", resp.Status)
	}
	if !m.flags[goimap.FlagSeen] {
		t.Error("expected \\Seen flag to be set")
	}
	if len(fs.marked) != 1 || !fs.marked[0].read {
		t.Errorf("marked = %v, want one read=true call", fs.marked)
	}

	_, err = cmd.Execute(context.Background(), sess, newTestConn(), "a2", `1 -FLAGS (\Seen)`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if m.flags[goimap.FlagSeen] {
		t.Error("expected \\Seen flag to be cleared")
	}
	if len(fs.marked) != 2 || fs.marked[1].read {
		t.Errorf("marked = %v, want a second read=false call", fs.marked)
	}
}

func TestStoreCommand_ReadOnlyDenied(t *testing.T) {
	m := newTestMessage(1)
	sess := newSelectedSession(m)
	sess.readOnly = true
	cmd := &storeCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", `1 +FLAGS (\Seen)`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusNO {
		t.Errorf("Status = %v, want NO on read-only mailbox", resp.Status)
	}
}

func TestFetchCommand_BodyFetchMarksSeen(t *testing.T) {
	m := newTestMessage(1)
	fs := &fakeStore{emails: map[ids.ID]store.Email{m.emailID: {MessageID: m.emailID.String()}}}
	sess := newSelectedSession(m)
	sess.store = fs
	cmd := &fetchCommand{st: fs}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "1 BODY[]")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want OK: %s", resp.Status, resp.Text)
	}
	if !m.flags[goimap.FlagSeen] {
		t.Error("expected \\Seen flag to be set by BODY[] fetch")
	}
	if len(fs.marked) != 1 || !fs.marked[0].read {
		t.Errorf("marked = %v, want one read=true call", fs.marked)
	}
}

func TestFetchCommand_PeekDoesNotMarkSeen(t *testing.T) {
	m := newTestMessage(1)
	fs := &fakeStore{emails: map[ids.ID]store.Email{m.emailID: {MessageID: m.emailID.String()}}}
	sess := newSelectedSession(m)
	sess.store = fs
	cmd := &fetchCommand{st: fs}

	_, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "1 BODY.PEEK[]")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if m.flags[goimap.FlagSeen] {
		t.Error("BODY.PEEK[] should not set \\Seen")
	}
	if len(fs.marked) != 0 {
		t.Errorf("marked = %v, want no MarkRead calls", fs.marked)
	}
}

func TestSearchCommand_SeenUnseen(t *testing.T) {
	seen := newTestMessage(1)
	seen.flags[goimap.FlagSeen] = true
	unseen := newTestMessage(2)
	sess := newSelectedSession(seen, unseen)

	cmd := &searchCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "UNSEEN")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Untagged[0] != "* SEARCH 2" {
		t.Errorf("Untagged = %v, want SEARCH 2", resp.Untagged)
	}
}

func TestExpungeCommand_RemovesDeleted(t *testing.T) {
	keep := newTestMessage(1)
	del := newTestMessage(2)
	del.flags[goimap.FlagDeleted] = true
	sess := newSelectedSession(keep, del)
	fs := &fakeStore{}

	cmd := &expungeCommand{st: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want OK", resp.Status)
	}
	if len(resp.Untagged) != 1 || resp.Untagged[0] != "* 2 EXPUNGE" {
		t.Errorf("Untagged = %v, want [* 2 EXPUNGE]", resp.Untagged)
	}
	if len(fs.deleted) != 1 {
		t.Errorf("deleted = %v, want 1 call", fs.deleted)
	}
	if sess.Exists() != 1 {
		t.Errorf("Exists() = %d, want 1", sess.Exists())
	}
}

func TestLogoutCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeIMAP, &tls.Config{}, true)
	cmd := &logoutCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.Close {
		t.Error("LOGOUT should close the connection")
	}
	if sess.State() != StateLogout {
		t.Errorf("State() = %v, want StateLogout", sess.State())
	}
}

func TestParseCommand(t *testing.T) {
	tag, verb, args, ok := ParseCommand("a1 LOGIN alice secret")
	if !ok || tag != "a1" || verb != "LOGIN" || args != "alice secret" {
		t.Errorf("ParseCommand() = %q %q %q %v", tag, verb, args, ok)
	}
}

func TestSplitFetchItems_Macros(t *testing.T) {
	items := splitFetchItems("ALL")
	if len(items) != 4 {
		t.Errorf("splitFetchItems(ALL) = %v", items)
	}
}
