package pop3

import (
	"context"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

func newTransactionTestSession(t *testing.T, emails ...store.Email) (*Session, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	userID := ids.New()
	for _, e := range emails {
		fs.addEmail(userID, e)
	}

	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)
	sess.SetAuthenticated(userID)
	if err := sess.InitializeMailbox(context.Background(), fs); err != nil {
		t.Fatalf("InitializeMailbox() error = %v", err)
	}
	return sess, fs
}

func testEmail(messageID string, size int64) store.Email {
	return store.Email{
		ID:              ids.New(),
		MessageID:       messageID,
		FromAddress:     "bob@example.com",
		FromDisplayName: "Bob",
		Subject:         "hello",
		TextBody:        "hi there\nsecond line",
		SizeBytes:       size,
		ReceivedAt:      time.Now(),
	}
}

func TestStatCommand(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100), testEmail("b@x", 200))

	cmd := &statCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK || resp.Message != "2 300" {
		t.Errorf("Execute() = %+v, want OK '2 300'", resp)
	}
}

func TestStatCommand_WrongState(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)
	cmd := &statCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("STAT should fail outside Transaction state")
	}
}

func TestListCommand_All(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100), testEmail("b@x", 200))

	cmd := &listCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK || len(resp.Lines) != 2 {
		t.Fatalf("Execute() = %+v, want 2 lines", resp)
	}
	if resp.Lines[0] != "1 100" || resp.Lines[1] != "2 200" {
		t.Errorf("Lines = %v, want [1 100, 2 200]", resp.Lines)
	}
}

func TestListCommand_Single(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &listCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK || resp.Message != "1 100" {
		t.Errorf("Execute() = %+v, want OK '1 100'", resp)
	}
}

func TestListCommand_NoSuchMessage(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &listCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"5"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("LIST of nonexistent message should fail")
	}
}

func TestRetrCommand(t *testing.T) {
	sess, fs := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &retrCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("RETR should succeed, got %q", resp.Message)
	}
	if len(resp.Lines) == 0 {
		t.Error("RETR should return message lines")
	}

	msg, _ := sess.GetMessage(1)
	if !fs.reads[msg.EmailID] {
		t.Error("RETR should mark the message read")
	}
}

func TestRetrCommand_NoSuchMessage(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &retrCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"9"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("RETR of nonexistent message should fail")
	}
}

func TestDeleCommand(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &deleCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("DELE should succeed, got %q", resp.Message)
	}
	if sess.MessageCount() != 0 {
		t.Errorf("MessageCount() = %d, want 0 after DELE", sess.MessageCount())
	}
}

func TestDeleCommand_AlreadyDeleted(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &deleCommand{}
	if _, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("DELE of already-deleted message should fail")
	}
}

func TestDeleCommand_TooManyDeletions(t *testing.T) {
	sess, _ := newTransactionTestSessionWithCap(t, 1, testEmail("a@x", 1), testEmail("b@x", 1))

	cmd := &deleCommand{}
	if _, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"2"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("DELE exceeding the deletion cap should fail")
	}
}

func newTransactionTestSessionWithCap(t *testing.T, maxDeleted int, emails ...store.Email) (*Session, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	userID := ids.New()
	for _, e := range emails {
		fs.addEmail(userID, e)
	}

	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, maxDeleted)
	sess.SetAuthenticated(userID)
	if err := sess.InitializeMailbox(context.Background(), fs); err != nil {
		t.Fatalf("InitializeMailbox() error = %v", err)
	}
	return sess, fs
}

func TestRsetCommand(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	dele := &deleCommand{}
	if _, err := dele.Execute(context.Background(), sess, newTestConn(), []string{"1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	rset := &rsetCommand{}
	resp, err := rset.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("RSET should succeed, got %q", resp.Message)
	}
	if sess.MessageCount() != 1 {
		t.Errorf("MessageCount() = %d, want 1 after RSET", sess.MessageCount())
	}
}

func TestNoopCommand(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))
	cmd := &noopCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Error("NOOP should always succeed")
	}
}

func TestUidlCommand_All(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100), testEmail("b@x", 200))

	cmd := &uidlCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK || len(resp.Lines) != 2 {
		t.Fatalf("Execute() = %+v, want 2 lines", resp)
	}
	if resp.Lines[0] != "1 a@x" || resp.Lines[1] != "2 b@x" {
		t.Errorf("Lines = %v, want [1 a@x, 2 b@x]", resp.Lines)
	}
}

func TestUidlCommand_Single(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &uidlCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK || resp.Message != "1 a@x" {
		t.Errorf("Execute() = %+v, want OK '1 a@x'", resp)
	}
}

func TestTopCommand(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &topCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1", "1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("TOP should succeed, got %q", resp.Message)
	}
	if len(resp.Lines) == 0 {
		t.Error("TOP should return header and body lines")
	}
}

func TestTopCommand_InvalidLineCount(t *testing.T) {
	sess, _ := newTransactionTestSession(t, testEmail("a@x", 100))

	cmd := &topCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"1", "-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("TOP with negative line count should fail")
	}
}

func TestSplitMessageLines(t *testing.T) {
	lines := splitMessageLines("a\r\nb\r\n")
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Errorf("splitMessageLines() = %v, want [a b]", lines)
	}
}
