package pop3

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

func newAuthTestFixture(t *testing.T, password string) (*fakeStore, *authn.Verifier, ids.ID) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	userID := ids.New()
	fs := newFakeStore()
	fs.addUser(store.User{
		ID:             userID,
		PrimaryAddress: "alice@example.com",
		APIKeys: []store.APIKey{
			{ID: ids.New(), UserID: userID, KeyHash: string(hash), Scopes: []store.Scope{store.ScopePOP3}},
		},
	})
	return fs, authn.New(fs), userID
}

func TestPassCommand_RequiresTLS(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3, nil, false, 100, 100)
	sess.SetUsername("alice@example.com")

	cmd := &passCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"hunter2"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("PASS should be rejected without TLS")
	}
}

func TestPassCommand_Success(t *testing.T) {
	fs, verifier, userID := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)
	sess.SetUsername("alice@example.com")

	cmd := &passCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"hunter2"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("PASS should succeed, got %q", resp.Message)
	}
	if !sess.IsAuthenticated() {
		t.Error("session should be authenticated")
	}
	if sess.UserID() != userID {
		t.Errorf("UserID() = %v, want %v", sess.UserID(), userID)
	}
}

func TestPassCommand_WrongPassword(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)
	sess.SetUsername("alice@example.com")

	cmd := &passCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"wrong"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("PASS should fail with wrong password")
	}
	if sess.IsAuthenticated() {
		t.Error("session should not be authenticated")
	}
}

func TestPassCommand_NoUsername(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)

	cmd := &passCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"hunter2"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("PASS should fail without prior USER")
	}
}

func TestUserCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)
	cmd := &userCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"alice@example.com"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("USER should succeed, got %q", resp.Message)
	}
	if sess.Username() != "alice@example.com" {
		t.Errorf("Username() = %q, want %q", sess.Username(), "alice@example.com")
	}
}

func TestStlsCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModePOP3, testTLSConfig, false, 100, 100)
	cmd := &stlsCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("STLS should succeed, got %q", resp.Message)
	}
}

func TestStlsCommand_AlreadyTLS(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModePOP3S, testTLSConfig, true, 100, 100)
	cmd := &stlsCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("STLS should fail when already using TLS")
	}
}

func TestQuitCommand_TransitionsToUpdate(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)
	sess.SetAuthenticated(ids.New())

	cmd := &quitCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("QUIT should succeed, got %q", resp.Message)
	}
	if sess.State() != StateUpdate {
		t.Errorf("State() = %v, want StateUpdate", sess.State())
	}
}

func TestAuthCommand_PlainSuccess(t *testing.T) {
	fs, verifier, userID := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)

	cmd := &authCommand{verifier: verifier, store: fs}
	initial := "\x00alice@example.com\x00hunter2"
	encoded := EncodeSASLChallenge([]byte(initial))

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN", encoded})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("AUTH PLAIN should succeed, got %q", resp.Message)
	}
	if !sess.IsAuthenticated() {
		t.Error("session should be authenticated after AUTH PLAIN")
	}
	if sess.UserID() != userID {
		t.Errorf("UserID() = %v, want %v", sess.UserID(), userID)
	}
}

func TestAuthCommand_PlainBadCredential(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)

	cmd := &authCommand{verifier: verifier, store: fs}
	initial := "\x00alice@example.com\x00wrong"
	encoded := EncodeSASLChallenge([]byte(initial))

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN", encoded})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("AUTH PLAIN should fail with bad credentials")
	}
	if sess.IsAuthenticated() {
		t.Error("session should not be authenticated")
	}
}

func TestAuthCommand_RequiresTLS(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3, nil, false, 100, 100)

	cmd := &authCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("AUTH should be rejected without TLS")
	}
}

func TestAuthCommand_MultiStep(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)

	cmd := &authCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.Continuation {
		t.Fatalf("expected SASL continuation, got %+v", resp)
	}
	if !sess.IsSASLInProgress() {
		t.Fatal("session should have a SASL exchange in progress")
	}

	initial := "\x00alice@example.com\x00hunter2"
	line := EncodeSASLChallenge([]byte(initial))
	resp2, err := cmd.ProcessSASLResponse(context.Background(), sess, newTestConn(), line)
	if err != nil {
		t.Fatalf("ProcessSASLResponse() error = %v", err)
	}
	if !resp2.OK {
		t.Fatalf("expected successful completion, got %q", resp2.Message)
	}
	if sess.IsSASLInProgress() {
		t.Error("SASL exchange should be cleared after completion")
	}
}

func TestAuthCommand_Cancelled(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)

	cmd := &authCommand{verifier: verifier, store: fs}
	if _, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	resp, err := cmd.ProcessSASLResponse(context.Background(), sess, newTestConn(), "*")
	if err != nil {
		t.Fatalf("ProcessSASLResponse() error = %v", err)
	}
	if resp.OK {
		t.Error("cancelled SASL exchange should not report OK")
	}
	if sess.IsSASLInProgress() {
		t.Error("SASL exchange should be cleared after cancellation")
	}
}

func TestAuthCommand_UnsupportedMechanism(t *testing.T) {
	fs, verifier, _ := newAuthTestFixture(t, "hunter2")
	sess := NewSession("mail.example.com", config.ModePOP3S, nil, true, 100, 100)

	cmd := &authCommand{verifier: verifier, store: fs}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"GSSAPI"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.OK {
		t.Error("unsupported mechanism should be rejected")
	}
	if !strings.Contains(resp.Message, "GSSAPI") {
		t.Errorf("Message = %q, want mention of mechanism", resp.Message)
	}
}

func TestCapaCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModePOP3, testTLSConfig, false, 100, 100)
	cmd := &capaCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("CAPA should succeed, got %q", resp.Message)
	}
	if !containsString(resp.Lines, "STLS") {
		t.Errorf("Lines = %v, want STLS", resp.Lines)
	}
}
