package smtp

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/relay"
	"github.com/infodancer/mailcore/internal/store"
)

type testConn struct{ logger *slog.Logger }

func newTestConn() *testConn {
	return &testConn{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (c *testConn) Logger() *slog.Logger { return c.logger }

type fakeRelayStore struct {
	users map[string]store.User
}

func (f *fakeRelayStore) FindEmailsForUser(ctx context.Context, userID ids.ID, offset, limit int) ([]store.EmailSummary, error) {
	return nil, nil
}
func (f *fakeRelayStore) LoadEmailFull(ctx context.Context, emailID ids.ID, requireAccessByUserID *ids.ID) (store.Email, error) {
	return store.Email{}, store.ErrNotFound
}
func (f *fakeRelayStore) MarkRead(ctx context.Context, emailID, userID ids.ID, read bool) error {
	return nil
}
func (f *fakeRelayStore) DeleteEmail(ctx context.Context, emailID ids.ID) error { return nil }
func (f *fakeRelayStore) StoreIncomingEmail(ctx context.Context, email store.Email, sentByUserID *ids.ID) (ids.ID, error) {
	return ids.New(), nil
}
func (f *fakeRelayStore) FindUserByAddress(ctx context.Context, address string, withKeys bool) (*store.User, error) {
	if u, ok := f.users[address]; ok {
		return &u, nil
	}
	return nil, nil
}
func (f *fakeRelayStore) FindThreadBySourceHeaders(ctx context.Context, inReplyTo string, references []string) (ids.ID, error) {
	return ids.Nil, nil
}
func (f *fakeRelayStore) TouchAPIKeyLastUsed(ctx context.Context, keyID ids.ID) error { return nil }

func TestEhloCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPSubmission, nil, false, config.SMTPLimitsConfig{})
	cmd := &ehloCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "client.example.com")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 250 {
		t.Errorf("Code = %d, want 250", resp.Code)
	}
	if sess.State() != StateGreeted {
		t.Errorf("State() = %v, want StateGreeted", sess.State())
	}
	if sess.EhloName() != "client.example.com" {
		t.Errorf("EhloName() = %q", sess.EhloName())
	}
}

func TestEhloCommand_RequiresArgument(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPSubmission, nil, false, config.SMTPLimitsConfig{})
	cmd := &ehloCommand{}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 501 {
		t.Errorf("Code = %d, want 501", resp.Code)
	}
}

func TestMailCommand_RequiresAuthInSubmission(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPSubmission, nil, true, config.SMTPLimitsConfig{})
	sess.Greet("client.example.com")

	cmd := &mailCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "FROM:<alice@example.com>")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 530 {
		t.Errorf("Code = %d, want 530", resp.Code)
	}
}

func TestMailCommand_Success(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPMX, nil, false, config.SMTPLimitsConfig{})
	sess.Greet("client.example.com")

	cmd := &mailCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "FROM:<alice@example.com> SIZE=100")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 250 {
		t.Fatalf("Code = %d, want 250", resp.Code)
	}
	if sess.MailFrom() != "alice@example.com" {
		t.Errorf("MailFrom() = %q", sess.MailFrom())
	}
	if sess.State() != StateMailFrom {
		t.Errorf("State() = %v, want StateMailFrom", sess.State())
	}
}

func TestMailCommand_SizeExceeded(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPMX, nil, false, config.SMTPLimitsConfig{MaxMessageSizeBytes: 50})
	sess.Greet("client.example.com")

	cmd := &mailCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "FROM:<alice@example.com> SIZE=1000")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 552 {
		t.Errorf("Code = %d, want 552", resp.Code)
	}
}

func TestRcptCommand_MXRelayDenied(t *testing.T) {
	fs := &fakeRelayStore{users: map[string]store.User{}}
	policy := relay.New([]string{"hosted.example.com"}, false, fs)

	sess := NewSession("mail.example.com", config.ModeSMTPMX, nil, false, config.SMTPLimitsConfig{})
	sess.Greet("client.example.com")
	sess.SetMailFrom("alice@external.com", 0)

	cmd := &rcptCommand{policy: policy}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "TO:<bob@other.com>")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 550 {
		t.Errorf("Code = %d, want 550", resp.Code)
	}
}

func TestRcptCommand_MXRelayAllowed(t *testing.T) {
	fs := &fakeRelayStore{users: map[string]store.User{}}
	policy := relay.New([]string{"hosted.example.com"}, false, fs)

	sess := NewSession("mail.example.com", config.ModeSMTPMX, nil, false, config.SMTPLimitsConfig{})
	sess.Greet("client.example.com")
	sess.SetMailFrom("alice@external.com", 0)

	cmd := &rcptCommand{policy: policy}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "TO:<bob@hosted.example.com>")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 250 {
		t.Fatalf("Code = %d, want 250", resp.Code)
	}
	if sess.RecipientCount() != 1 {
		t.Errorf("RecipientCount() = %d, want 1", sess.RecipientCount())
	}
}

func TestRcptCommand_TooManyRecipients(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPSubmission, nil, true, config.SMTPLimitsConfig{MaxRecipients: 1})
	sess.Greet("client.example.com")
	sess.SetAuthenticated(ids.New())
	sess.SetMailFrom("alice@example.com", 0)
	sess.AddRecipient("bob@example.com")

	cmd := &rcptCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "TO:<carol@example.com>")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 452 {
		t.Errorf("Code = %d, want 452", resp.Code)
	}
}

func TestDataCommand_RequiresRecipient(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPMX, nil, false, config.SMTPLimitsConfig{})
	sess.Greet("client.example.com")
	sess.SetMailFrom("alice@external.com", 0)

	cmd := &dataCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 503 {
		t.Errorf("Code = %d, want 503", resp.Code)
	}
}

func TestRsetCommand(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeSMTPMX, nil, false, config.SMTPLimitsConfig{})
	sess.Greet("client.example.com")
	sess.SetMailFrom("alice@external.com", 0)
	sess.AddRecipient("bob@other.com")

	cmd := &rsetCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Code != 250 {
		t.Errorf("Code = %d, want 250", resp.Code)
	}
	if sess.MailFrom() != "" || sess.RecipientCount() != 0 {
		t.Error("RSET should clear envelope state")
	}
}

func TestIsValidMailbox(t *testing.T) {
	cases := map[string]bool{
		"":                  true,
		"a@example.com":     true,
		"not-an-address":    false,
		"a@b":               false,
		"a@localhost":       true,
	}
	for addr, want := range cases {
		if got := IsValidMailbox(addr); got != want {
			t.Errorf("IsValidMailbox(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestExtractMailbox(t *testing.T) {
	cases := map[string]string{
		"FROM:<alice@example.com>":        "alice@example.com",
		"TO:<bob@example.com> NOTIFY=yes": "bob@example.com",
		"FROM:<>":                         "",
	}
	for arg, want := range cases {
		if got := ExtractMailbox(arg); got != want {
			t.Errorf("ExtractMailbox(%q) = %q, want %q", arg, got, want)
		}
	}
}
