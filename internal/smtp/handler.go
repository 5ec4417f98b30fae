package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/ratelimit"
	"github.com/infodancer/mailcore/internal/relay"
	"github.com/infodancer/mailcore/internal/rfc822"
	"github.com/infodancer/mailcore/internal/store"
	"github.com/infodancer/mailcore/internal/supervisor"
)

const protocolName = "smtp"

// dataTimeout is the per-stage DATA deadline (spec.md §4.6: 10 minutes).
const dataTimeout = 10 * time.Minute

// maxAuthFailures disconnects a session after this many consecutive AUTH
// failures (spec.md §4.6: "disconnect after N consecutive failures").
const maxAuthFailures = 5

// Handler builds the SMTP connection handler (spec.md §4.6), registering
// its command set once against verifier, the relay policy and the store.
func Handler(hostname string, mode config.ListenerMode, verifier *authn.Verifier, st store.Port, policy *relay.Policy, tlsConfig *tls.Config, limiter *ratelimit.AuthLimiter, collector metrics.Collector, limits config.SMTPLimitsConfig) supervisor.ConnectionHandler {
	RegisterCommands(verifier, policy)

	return func(ctx context.Context, conn *supervisor.Connection) {
		handleConnection(ctx, conn, hostname, mode, st, tlsConfig, limiter, collector, limits)
	}
}

func handleConnection(ctx context.Context, conn *supervisor.Connection, hostname string, mode config.ListenerMode, st store.Port, tlsConfig *tls.Config, limiter *ratelimit.AuthLimiter, collector metrics.Collector, limits config.SMTPLimitsConfig) {
	logger := logging.FromContext(ctx)

	sess := NewSession(hostname, mode, tlsConfig, conn.IsTLS(), limits)
	authFailures := 0

	logger.Info("starting SMTP session", "mode", string(mode), "tls_state", sess.TLSState().String())

	if err := writeResponse(conn, Response{Code: 220, Lines: []string{fmt.Sprintf("%s ESMTP mailcored ready", hostname)}}); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}
		if conn.IsClosed() {
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				_ = writeResponse(conn, Response{Code: 421, Lines: []string{"Timeout, closing connection"}})
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if sess.IsSASLInProgress() {
			authCmd := mustAuthCommand()
			resp, err := authCmd.ProcessSASLResponse(sess, line)
			if err != nil {
				logger.Error("SASL processing error", "error", err.Error())
				return
			}
			if err := writeResponse(conn, resp); err != nil {
				logger.Error("failed to send response", "error", err.Error())
				return
			}
			if !resp.Continuation() {
				if !trackAuthResult(conn, collector, limiter, &authFailures, resp.Code == 235) {
					return
				}
			}
			continue
		}

		verb, args := ParseCommand(line)
		cmd, ok := GetCommand(verb)
		if !ok {
			_ = writeResponse(conn, Response{Code: 500, Lines: []string{"Command not recognized"}})
			continue
		}

		if verb == "AUTH" && limiter != nil && !limiter.Allow(conn.RemoteAddr()) {
			_ = writeResponse(conn, Response{Code: 421, Lines: []string{"Too many authentication attempts, try again later"}})
			return
		}

		collector.CommandProcessed(protocolName, verb)
		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error", "command", verb, "error", err.Error())
			_ = writeResponse(conn, Response{Code: 451, Lines: []string{"Internal server error"}})
			continue
		}

		if verb == "AUTH" {
			if !resp.Continuation() {
				if !trackAuthResult(conn, collector, limiter, &authFailures, resp.Code == 235) {
					writeResponse(conn, resp)
					return
				}
			}
		}

		if err := writeResponse(conn, resp); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}

		switch verb {
		case "STARTTLS":
			if resp.Code == 220 {
				if err := conn.UpgradeToTLS(tlsConfig); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				sess.SetTLSActive()
				collector.TLSConnectionEstablished(protocolName)
				sess.state = StateConnected
			}
		case "DATA":
			if resp.Code == 354 {
				if !handleDataPhase(ctx, conn, sess, st, collector, logger) {
					return
				}
			}
		case "QUIT":
			return
		}

		if resp.Close {
			return
		}
	}
}

// Continuation reports whether this reply is a SASL "334" intermediate
// challenge rather than a terminal AUTH outcome.
func (r Response) Continuation() bool {
	return r.Code == 334
}

func mustAuthCommand() *authCommand {
	cmd, ok := GetCommand("AUTH")
	if !ok {
		panic("smtp: AUTH command not registered")
	}
	a, ok := cmd.(*authCommand)
	if !ok {
		panic("smtp: AUTH command has unexpected type")
	}
	return a
}

// trackAuthResult records an AUTH outcome in the metrics and in the
// consecutive-failure count (spec.md §4.6); limiter is not consulted here,
// since handleConnection takes a token before each AUTH command. Returns
// false if the caller should close the connection.
func trackAuthResult(conn *supervisor.Connection, collector metrics.Collector, limiter *ratelimit.AuthLimiter, failures *int, success bool) bool {
	collector.AuthAttempt(protocolName, success)
	if success {
		*failures = 0
		return true
	}
	*failures++
	return *failures < maxAuthFailures
}

// handleDataPhase reads the DATA body until a lone "." line, parses and
// stores it, and writes the final reply. Returns false if the connection
// must be closed (I/O failure).
func handleDataPhase(ctx context.Context, conn *supervisor.Connection, sess *Session, st store.Port, collector metrics.Collector, logger *slog.Logger) bool {
	if err := conn.SetDataTimeout(dataTimeout); err != nil {
		logger.Error("failed to set data timeout", "error", err.Error())
		return false
	}

	var buf []byte
	reader := conn.Reader()
	maxSize := sess.MaxMessageSize()

	for {
		lineBytes, err := reader.ReadBytes('\n')
		if err != nil {
			return false
		}
		line := strings.TrimRight(string(lineBytes), "\r\n")
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf = append(buf, []byte(line)...)
		buf = append(buf, '\r', '\n')
		if maxSize > 0 && int64(len(buf)) > maxSize {
			drainUntilDot(reader)
			return writeResponseOK(conn, Response{Code: 552, Lines: []string{"Message exceeds maximum size"}})
		}
	}

	if err := conn.SetCommandTimeout(); err != nil {
		logger.Error("failed to restore command timeout", "error", err.Error())
		return false
	}

	draft, err := rfc822.Parse(buf)
	if err != nil {
		logger.Info("DATA rejected, malformed message", "error", err.Error())
		return writeResponseOK(conn, Response{Code: 550, Lines: []string{"Message could not be parsed"}})
	}

	email := store.Email{
		MessageID:       draft.MessageID,
		FromAddress:     firstNonEmpty(draft.FromAddress, sess.MailFrom()),
		FromDisplayName: draft.FromDisplayName,
		Subject:         draft.Subject,
		TextBody:        draft.TextBody,
		HTMLBody:        draft.HTMLBody,
		ReceivedAt:      time.Now().UTC(),
		SizeBytes:       int64(len(buf)),
		InReplyTo:       draft.InReplyTo,
		References:      draft.References,
		Attachments:     draft.Attachments,
	}
	toSet := addressSet(draft.To)
	ccSet := addressSet(draft.Cc)
	bccSet := addressSet(draft.Bcc)
	for _, r := range sess.Recipients() {
		email.Recipients = append(email.Recipients, store.EmailRecipient{Address: r, Type: classifyRecipient(r, toSet, ccSet, bccSet)})
	}

	if threadID, err := st.FindThreadBySourceHeaders(ctx, draft.InReplyTo, draft.References); err == nil {
		email.ThreadID = threadID
	}

	var sentByUserID *ids.ID
	if sess.IsAuthenticated() {
		uid := sess.UserID()
		sentByUserID = &uid
	}

	id, err := st.StoreIncomingEmail(ctx, email, sentByUserID)
	if err != nil {
		logger.Error("failed to store incoming email", "error", err.Error())
		return writeResponseOK(conn, Response{Code: 451, Lines: []string{"Requested action aborted: error in processing"}})
	}

	collector.MessageStored(email.SizeBytes)
	sess.CompleteData()
	return writeResponseOK(conn, Response{Code: 250, Lines: []string{fmt.Sprintf("OK %s", id.String())}})
}

func drainUntilDot(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimRight(line, "\r\n") == "." {
			return
		}
	}
}

// addressSet builds a lowercased lookup set from a parsed header address
// list (rfc822.Draft.To/Cc/Bcc), so envelope recipients (spec.md §3 RCPT
// TO) can be cross-referenced against the header-level To/Cc/Bcc the
// message actually declares.
func addressSet(addrs []rfc822.Address) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[strings.ToLower(a.Address)] = struct{}{}
	}
	return set
}

// classifyRecipient derives the stored RecipientType for an envelope
// recipient by cross-referencing it against the message's header-parsed
// To/Cc/Bcc lists. An envelope recipient absent from every header list
// (a Bcc'd address never named in the headers themselves) defaults to
// Bcc rather than To, to preserve Bcc privacy semantics (spec.md §4.2).
func classifyRecipient(address string, toSet, ccSet, bccSet map[string]struct{}) store.RecipientType {
	addr := strings.ToLower(address)
	switch {
	case isIn(addr, toSet):
		return store.RecipientTo
	case isIn(addr, ccSet):
		return store.RecipientCc
	case isIn(addr, bccSet):
		return store.RecipientBcc
	default:
		return store.RecipientBcc
	}
}

func isIn(addr string, set map[string]struct{}) bool {
	_, ok := set[addr]
	return ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeResponseOK(conn *supervisor.Connection, resp Response) bool {
	if err := writeResponse(conn, resp); err != nil {
		return false
	}
	return true
}

func writeResponse(conn *supervisor.Connection, resp Response) error {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return err
	}
	return conn.Flush()
}
