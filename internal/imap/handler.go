package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/ratelimit"
	"github.com/infodancer/mailcore/internal/store"
	"github.com/infodancer/mailcore/internal/supervisor"
)

const protocolName = "imap"

// Handler builds the IMAP connection handler (spec.md §4.8), registering
// its command set once against verifier and st.
func Handler(hostname string, mode config.ListenerMode, verifier *authn.Verifier, st store.Port, tlsConfig *tls.Config, limiter *ratelimit.AuthLimiter, collector metrics.Collector) supervisor.ConnectionHandler {
	RegisterCommands(verifier, st)

	return func(ctx context.Context, conn *supervisor.Connection) {
		handleConnection(ctx, conn, hostname, mode, tlsConfig, limiter, collector)
	}
}

func handleConnection(ctx context.Context, conn *supervisor.Connection, hostname string, mode config.ListenerMode, tlsConfig *tls.Config, limiter *ratelimit.AuthLimiter, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	sess := NewSession(hostname, mode, tlsConfig, conn.IsTLS())
	logger.Info("starting IMAP session", "tls_state", sess.TLSState().String())

	greeting := fmt.Sprintf("* OK [CAPABILITY %s] %s IMAP4rev2 ready\r\n", strings.Join(sess.Capabilities(), " "), hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	authFailures := 0
	var pendingTag string

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
				logger.Info("session timed out or disconnected", "error", err.Error())
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if sess.IsSASLInProgress() {
			authCmd := mustAuthenticateCommand()
			resp, err := authCmd.ProcessSASLResponse(sess, line)
			if !writeAndTrackAuth(conn, collector, limiter, &authFailures, pendingTag, resp, err, logger) {
				return
			}
			continue
		}

		tag, verb, args, ok := ParseCommand(line)
		if !ok {
			_ = writeResponse(conn, "*", Response{Status: StatusBAD, Text: "Command line malformed"})
			continue
		}

		if verb == "UID" {
			sub := strings.SplitN(args, " ", 2)
			verb = "UID " + strings.ToUpper(sub[0])
			args = ""
			if len(sub) == 2 {
				args = sub[1]
			}
		}

		cmd, ok := GetCommand(verb)
		if !ok {
			_ = writeResponse(conn, tag, Response{Status: StatusBAD, Text: "Unknown command"})
			continue
		}

		if (verb == "LOGIN" || verb == "AUTHENTICATE") && limiter != nil && !limiter.Allow(conn.RemoteAddr()) {
			_ = writeResponse(conn, tag, Response{Status: StatusNO, Text: "Too many authentication attempts, try again later"})
			return
		}

		collector.CommandProcessed(protocolName, verb)
		resp, err := cmd.Execute(ctx, sess, conn, tag, args)

		if cont, isCont := err.(*saslContinuation); isCont {
			pendingTag = tag
			if _, werr := conn.Writer().WriteString("+ " + EncodeSASLChallenge(cont.challenge) + "\r\n"); werr != nil {
				return
			}
			if werr := conn.Flush(); werr != nil {
				return
			}
			continue
		}
		if err == errContinuation {
			pendingTag = tag
			if _, werr := conn.Writer().WriteString("+ \r\n"); werr != nil {
				return
			}
			if werr := conn.Flush(); werr != nil {
				return
			}
			continue
		}
		if err != nil {
			logger.Error("command execution error", "command", verb, "error", err.Error())
			_ = writeResponse(conn, tag, Response{Status: StatusNO, Text: "Internal server error"})
			continue
		}

		if verb == "LOGIN" {
			collector.AuthAttempt(protocolName, resp.Status == StatusOK)
		}

		if err := writeResponse(conn, tag, resp); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}

		switch verb {
		case "STARTTLS":
			if resp.Status == StatusOK {
				if err := conn.UpgradeToTLS(tlsConfig); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				sess.SetTLSActive()
				collector.TLSConnectionEstablished(protocolName)
			}
		}

		if resp.Close {
			return
		}
	}
}

func writeAndTrackAuth(conn *supervisor.Connection, collector metrics.Collector, limiter *ratelimit.AuthLimiter, failures *int, tag string, resp Response, err error, logger interface {
	Error(msg string, args ...any)
}) bool {
	if cont, isCont := err.(*saslContinuation); isCont {
		_, werr := conn.Writer().WriteString("+ " + EncodeSASLChallenge(cont.challenge) + "\r\n")
		if werr != nil {
			return false
		}
		return conn.Flush() == nil
	}
	if err != nil {
		logger.Error("AUTHENTICATE processing error", "error", err.Error())
		return false
	}
	if err := writeResponse(conn, tag, resp); err != nil {
		return false
	}
	collector.AuthAttempt(protocolName, resp.Status == StatusOK)
	if resp.Status == StatusOK {
		*failures = 0
		return true
	}
	*failures++
	return *failures < maxAuthFailures
}

const maxAuthFailures = 5

func mustAuthenticateCommand() *authenticateCommand {
	cmd, ok := GetCommand("AUTHENTICATE")
	if !ok {
		panic("imap: AUTHENTICATE command not registered")
	}
	a, ok := cmd.(*authenticateCommand)
	if !ok {
		panic("imap: AUTHENTICATE command has unexpected type")
	}
	return a
}

func writeResponse(conn *supervisor.Connection, tag string, resp Response) error {
	if _, err := conn.Writer().WriteString(resp.String(tag)); err != nil {
		return err
	}
	return conn.Flush()
}
