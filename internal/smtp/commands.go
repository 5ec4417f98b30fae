package smtp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/relay"
	"github.com/infodancer/mailcore/internal/store"
)

// ehloCommand implements EHLO/HELO (RFC 5321 §4.1.1.1).
type ehloCommand struct{}

func (e *ehloCommand) Name() string { return "EHLO" }

func (e *ehloCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	name := strings.TrimSpace(args)
	if name == "" {
		return Response{Code: 501, Lines: []string{"Syntax error, EHLO requires a domain"}}, nil
	}
	sess.Greet(name)
	lines := append([]string{fmt.Sprintf("%s greets %s", sess.hostnameForGreeting(), name)}, sess.Capabilities()...)
	return Response{Code: 250, Lines: lines}, nil
}

// heloCommand implements the minimal HELO reply (spec.md §4.6).
type heloCommand struct{}

func (h *heloCommand) Name() string { return "HELO" }

func (h *heloCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	name := strings.TrimSpace(args)
	if name == "" {
		return Response{Code: 501, Lines: []string{"Syntax error, HELO requires a domain"}}, nil
	}
	sess.Greet(name)
	return Response{Code: 250, Lines: []string{fmt.Sprintf("%s greets %s", sess.hostnameForGreeting(), name)}}, nil
}

func (s *Session) hostnameForGreeting() string { return s.hostname }

// starttlsCommand implements STARTTLS (RFC 3207).
type starttlsCommand struct{}

func (t *starttlsCommand) Name() string { return "STARTTLS" }

func (t *starttlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	if args != "" {
		return Response{Code: 501, Lines: []string{"Syntax error, no parameters allowed"}}, nil
	}
	if sess.state == StateConnected {
		return Response{Code: 503, Lines: []string{"EHLO required first"}}, nil
	}
	if !sess.CanSTARTTLS() {
		if sess.IsTLSActive() {
			return Response{Code: 503, Lines: []string{"Already using TLS"}}, nil
		}
		return Response{Code: 454, Lines: []string{"TLS not available"}}, nil
	}
	return Response{Code: 220, Lines: []string{"Ready to start TLS"}}, nil
}

// authCommand implements AUTH PLAIN / AUTH LOGIN (RFC 4954).
type authCommand struct {
	verifier *authn.Verifier
}

func (a *authCommand) Name() string { return "AUTH" }

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	if sess.state == StateConnected {
		return Response{Code: 503, Lines: []string{"EHLO required first"}}, nil
	}
	if !sess.IsSubmission() {
		return Response{Code: 503, Lines: []string{"AUTH not permitted on this listener"}}, nil
	}
	if sess.IsAuthenticated() {
		return Response{Code: 503, Lines: []string{"Already authenticated"}}, nil
	}
	if !sess.IsTLSActive() {
		return Response{Code: 538, Lines: []string{"Encryption required for requested authentication mechanism"}}, nil
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return Response{Code: 501, Lines: []string{"Syntax error, AUTH requires a mechanism"}}, nil
	}
	mechanism := strings.ToUpper(fields[0])

	var saslSrv sasl.Server
	switch mechanism {
	case sasl.Plain:
		saslSrv = sasl.NewPlainServer(func(identity, username, password string) error {
			return a.verify(ctx, sess, conn, username, password)
		})
	case sasl.Login:
		saslSrv = sasl.NewLoginServer(func(username, password string) error {
			return a.verify(ctx, sess, conn, username, password)
		})
	default:
		return Response{Code: 504, Lines: []string{fmt.Sprintf("Unrecognized authentication mechanism: %s", mechanism)}}, nil
	}
	sess.SetSASLServer(mechanism, saslSrv)

	if len(fields) > 1 {
		initial, err := DecodeSASLResponse(fields[1])
		if err != nil {
			sess.ClearSASL()
			return Response{Code: 501, Lines: []string{"Invalid base64 encoding"}}, nil
		}
		return a.step(sess, initial)
	}
	return Response{Code: 334, Lines: []string{""}}, nil
}

func (a *authCommand) verify(ctx context.Context, sess *Session, conn ConnectionLogger, username, password string) error {
	ok, userID := a.verifier.Verify(ctx, username, password, store.ScopeSMTP)
	if !ok {
		conn.Logger().Info("SMTP AUTH failed", "username", username)
		return authn.ErrBadCredential
	}
	sess.SetAuthenticated(userID)
	conn.Logger().Info("SMTP AUTH succeeded", "username", username)
	return nil
}

func (a *authCommand) step(sess *Session, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{Code: 503, Lines: []string{"No AUTH exchange in progress"}}, nil
	}
	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		return Response{Code: 535, Lines: []string{"Authentication failed"}}, nil
	}
	if done {
		sess.ClearSASL()
		return Response{Code: 235, Lines: []string{"Authentication successful"}}, nil
	}
	return Response{Code: 334, Lines: []string{EncodeSASLChallenge(challenge)}}, nil
}

// ProcessSASLResponse handles a continuation line received mid-exchange.
func (a *authCommand) ProcessSASLResponse(sess *Session, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{Code: 501, Lines: []string{"AUTH cancelled"}}, nil
	}
	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{Code: 501, Lines: []string{"Invalid base64 encoding"}}, nil
	}
	return a.step(sess, response)
}

// mailCommand implements MAIL FROM (spec.md §4.6).
type mailCommand struct{}

func (m *mailCommand) Name() string { return "MAIL" }

func (m *mailCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	if sess.state == StateConnected {
		return Response{Code: 503, Lines: []string{"EHLO required first"}}, nil
	}
	if sess.IsSubmission() && !sess.IsAuthenticated() {
		return Response{Code: 530, Lines: []string{"Authentication required"}}, nil
	}
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		return Response{Code: 501, Lines: []string{"Syntax error in parameters"}}, nil
	}

	addr := NormalizeMailbox(ExtractMailbox(args))
	if !IsValidMailbox(addr) {
		return Response{Code: 501, Lines: []string{"Malformed address"}}, nil
	}

	var size int64
	if raw := ExtractParam(args, "SIZE"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Response{Code: 501, Lines: []string{"Invalid SIZE parameter"}}, nil
		}
		size = n
		if max := sess.MaxMessageSize(); max > 0 && size > max {
			return Response{Code: 552, Lines: []string{"Message exceeds maximum size"}}, nil
		}
	}

	sess.SetMailFrom(addr, size)
	return Response{Code: 250, Lines: []string{"OK"}}, nil
}

// rcptCommand implements RCPT TO, gated by the Relay Policy in MX mode
// (spec.md §4.9).
type rcptCommand struct {
	policy *relay.Policy
}

func (r *rcptCommand) Name() string { return "RCPT" }

func (r *rcptCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	if sess.state != StateMailFrom && sess.state != StateRcptTo {
		return Response{Code: 503, Lines: []string{"MAIL FROM required first"}}, nil
	}
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		return Response{Code: 501, Lines: []string{"Syntax error in parameters"}}, nil
	}
	if sess.RecipientCount() >= sess.MaxRecipients() {
		return Response{Code: 452, Lines: []string{"Too many recipients"}}, nil
	}

	addr := NormalizeMailbox(ExtractMailbox(args))
	if addr == "" || !IsValidMailbox(addr) {
		return Response{Code: 501, Lines: []string{"Malformed address"}}, nil
	}

	if sess.IsMX() && r.policy != nil {
		if err := r.policy.Allow(ctx, addr); err != nil {
			conn.Logger().Info("relay rejected", "recipient", addr, "error", err.Error())
			return Response{Code: 550, Lines: []string{"Relay access denied"}}, nil
		}
	}

	sess.AddRecipient(addr)
	return Response{Code: 250, Lines: []string{"OK"}}, nil
}

// dataCommand implements the DATA preamble (spec.md §4.6); the message
// body itself is read by the connection handler, which needs raw access
// to the wire to dot-unstuff and enforce the cumulative size limit.
type dataCommand struct{}

func (d *dataCommand) Name() string { return "DATA" }

func (d *dataCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	if args != "" {
		return Response{Code: 501, Lines: []string{"Syntax error, no parameters allowed"}}, nil
	}
	if sess.state != StateRcptTo {
		return Response{Code: 503, Lines: []string{"RCPT TO required first"}}, nil
	}
	sess.EnterData()
	return Response{Code: 354, Lines: []string{"Start mail input; end with <CRLF>.<CRLF>"}}, nil
}

// rsetCommand implements RSET.
type rsetCommand struct{}

func (r *rsetCommand) Name() string { return "RSET" }

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	sess.ResetToGreeted()
	return Response{Code: 250, Lines: []string{"OK"}}, nil
}

// noopCommand implements NOOP.
type noopCommand struct{}

func (n *noopCommand) Name() string { return "NOOP" }

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	return Response{Code: 250, Lines: []string{"OK"}}, nil
}

// quitCommand implements QUIT.
type quitCommand struct{}

func (q *quitCommand) Name() string { return "QUIT" }

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	return Response{Code: 221, Lines: []string{fmt.Sprintf("%s closing connection", sess.hostnameForGreeting())}, Close: true}, nil
}

// vrfyCommand answers every VRFY with the non-committal 252 reply without
// looking the address up, so the command cannot be used to enumerate users.
type vrfyCommand struct{}

func (v *vrfyCommand) Name() string { return "VRFY" }

func (v *vrfyCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args string) (Response, error) {
	return Response{Code: 252, Lines: []string{"Cannot VRFY user, but will accept message and attempt delivery"}}, nil
}

// RegisterCommands registers the full SMTP command set. policy may be nil
// for submission-only deployments that never run an MX listener.
func RegisterCommands(verifier *authn.Verifier, policy *relay.Policy) {
	RegisterCommand(&ehloCommand{})
	RegisterCommand(&heloCommand{})
	RegisterCommand(&starttlsCommand{})
	RegisterCommand(&authCommand{verifier: verifier})
	RegisterCommand(&mailCommand{})
	RegisterCommand(&rcptCommand{policy: policy})
	RegisterCommand(&dataCommand{})
	RegisterCommand(&rsetCommand{})
	RegisterCommand(&noopCommand{})
	RegisterCommand(&quitCommand{})
	RegisterCommand(&vrfyCommand{})
}
