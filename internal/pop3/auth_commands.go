package pop3

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/store"
)

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	return Response{
		OK:      true,
		Message: "Capability list follows",
		Lines:   sess.Capabilities(),
	}, nil
}

// stlsCommand implements the STLS command (RFC 2595).
type stlsCommand struct{}

func (s *stlsCommand) Name() string {
	return "STLS"
}

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "STLS command takes no arguments"}, nil
	}
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "Already using TLS"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}

	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	sess.SetUsername(username)
	return Response{OK: true, Message: fmt.Sprintf("User %s accepted", username)}, nil
}

// passCommand implements the PASS command (RFC 1939).
type passCommand struct {
	verifier *authn.Verifier
	store    store.Port
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}
	password := args[0]

	ok, userID := p.verifier.Verify(ctx, username, password, store.ScopePOP3)
	if !ok {
		conn.Logger().Info("authentication failed", "username", username)
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	sess.SetAuthenticated(userID)
	if err := sess.InitializeMailbox(ctx, p.store); err != nil {
		conn.Logger().Error("failed to initialize mailbox", "username", username, "error", err.Error())
		return Response{OK: false, Message: "Failed to access mailbox"}, nil
	}

	conn.Logger().Info("authentication successful", "username", username)
	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// quitCommand implements the QUIT command (RFC 1939).
type quitCommand struct{}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	var message string
	switch sess.State() {
	case StateAuthorization:
		message = "Goodbye"
	case StateTransaction:
		sess.EnterUpdate()
		message = "Logging out"
	default:
		message = "Goodbye"
	}

	return Response{OK: true, Message: message}, nil
}

// authCommand implements the AUTH command (RFC 5034).
type authCommand struct {
	verifier *authn.Verifier
	store    store.Port
}

func (a *authCommand) Name() string {
	return "AUTH"
}

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}
	if len(args) < 1 {
		return Response{OK: false, Message: "AUTH command requires mechanism argument"}, nil
	}

	mechanism := strings.ToUpper(args[0])

	supported := false
	for _, mech := range SupportedSASLMechanisms() {
		if strings.EqualFold(mech, mechanism) {
			supported = true
			break
		}
	}
	if !supported {
		return Response{OK: false, Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
	}

	var saslSrv sasl.Server
	switch mechanism {
	case sasl.Plain:
		saslSrv = sasl.NewPlainServer(func(identity, username, password string) error {
			ok, userID := a.verifier.Verify(ctx, username, password, store.ScopePOP3)
			if !ok {
				conn.Logger().Info("SASL authentication failed", "mechanism", mechanism, "username", username)
				return authn.ErrBadCredential
			}

			sess.SetAuthenticated(userID)
			sess.SetUsername(username)
			if err := sess.InitializeMailbox(ctx, a.store); err != nil {
				conn.Logger().Error("failed to initialize mailbox", "username", username, "error", err.Error())
				return err
			}

			conn.Logger().Info("SASL authentication successful", "mechanism", mechanism, "username", username)
			return nil
		})
	default:
		return Response{OK: false, Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
	}

	sess.SetSASLServer(mechanism, saslSrv)

	var initialResponse []byte
	if len(args) > 1 {
		if args[1] == "=" {
			initialResponse = []byte{}
		} else {
			var err error
			initialResponse, err = DecodeSASLResponse(args[1])
			if err != nil {
				sess.ClearSASL()
				return Response{OK: false, Message: "Invalid base64 encoding"}, nil
			}
		}
		return a.processSASLStep(ctx, sess, conn, initialResponse)
	}

	return Response{Continuation: true, Challenge: ""}, nil
}

// processSASLStep processes a SASL response and returns the next challenge
// or completion.
func (a *authCommand) processSASLStep(ctx context.Context, sess *Session, conn ConnectionLogger, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{OK: false, Message: "No SASL exchange in progress"}, nil
	}

	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	if done {
		sess.ClearSASL()
		return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", sess.Username())}, nil
	}

	return Response{Continuation: true, Challenge: EncodeSASLChallenge(challenge)}, nil
}

// ProcessSASLResponse processes a SASL response line received mid-exchange.
func (a *authCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication cancelled"}, nil
	}

	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "Invalid base64 encoding"}, nil
	}

	return a.processSASLStep(ctx, sess, conn, response)
}

// RegisterAuthCommands registers all authentication-related commands.
func RegisterAuthCommands(verifier *authn.Verifier, st store.Port) {
	RegisterCommand(&capaCommand{})
	RegisterCommand(&stlsCommand{})
	RegisterCommand(&userCommand{})
	RegisterCommand(&passCommand{verifier: verifier, store: st})
	RegisterCommand(&authCommand{verifier: verifier, store: st})
	RegisterCommand(&quitCommand{})
}
