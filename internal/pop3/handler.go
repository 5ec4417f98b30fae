package pop3

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
	"github.com/infodancer/mailcore/internal/store"
	"github.com/infodancer/mailcore/internal/supervisor"
)

const protocolName = "pop3"

// Handler builds the POP3 connection handler (spec.md §4.7), registering
// its command set once against verifier and st. limits bounds the
// per-session snapshot size and deletion set (config.POP3LimitsConfig).
func Handler(hostname string, verifier *authn.Verifier, st store.Port, tlsConfig *tls.Config, collector metrics.Collector, limits config.POP3LimitsConfig) supervisor.ConnectionHandler {
	RegisterAuthCommands(verifier, st)
	RegisterTransactionCommands()

	return func(ctx context.Context, conn *supervisor.Connection) {
		handleConnection(ctx, conn, hostname, tlsConfig, collector, limits)
	}
}

// handleConnection manages a single POP3 connection.
func handleConnection(ctx context.Context, conn *supervisor.Connection, hostname string, tlsConfig *tls.Config, collector metrics.Collector, limits config.POP3LimitsConfig) {
	logger := logging.FromContext(ctx)

	listenerMode := config.ModePOP3
	if conn.IsTLS() {
		listenerMode = config.ModePOP3S
	}

	sess := NewSession(hostname, listenerMode, tlsConfig, conn.IsTLS(), limits.MaxMessagesPerSession, limits.MaxDeletedPerSession)
	defer sess.Cleanup()

	logger.Info("starting POP3 session", "state", sess.State().String(), "tls_state", sess.TLSState().String())

	greeting := fmt.Sprintf("+OK %s POP3 server ready\r\n", hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
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
			logger.Info("connection closed")
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Info("session timed out or disconnected", "error", err.Error())
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		logger.Debug("received command", "line", line)

		if sess.IsSASLInProgress() {
			authCmd, ok := GetCommand("AUTH")
			if !ok {
				logger.Error("AUTH command not registered")
				sess.ClearSASL()
				sendError(conn, "Internal server error")
				continue
			}
			auth, ok := authCmd.(*authCommand)
			if !ok {
				logger.Error("AUTH command has wrong type")
				sess.ClearSASL()
				sendError(conn, "Internal server error")
				continue
			}

			resp, err := auth.ProcessSASLResponse(ctx, sess, conn, line)
			if err != nil {
				logger.Error("SASL processing error", "error", err.Error())
				sess.ClearSASL()
				sendError(conn, "Internal server error")
				continue
			}
			if err := writeResponse(conn, resp); err != nil {
				logger.Error("failed to send response", "error", err.Error())
				return
			}

			if resp.OK || !resp.Continuation {
				collector.AuthAttempt(protocolName, resp.OK)
				collector.CommandProcessed(protocolName, "AUTH")
			}
			continue
		}

		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sendError(conn, "Invalid command")
			continue
		}

		cmd, ok := GetCommand(cmdName)
		if !ok {
			sendError(conn, "Unknown command")
			continue
		}

		logger.Debug("executing command", "command", cmdName, "args_count", len(args))
		collector.CommandProcessed(protocolName, cmdName)

		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error", "command", cmdName, "error", err.Error())
			sendError(conn, "Internal server error")
			continue
		}

		if err := writeResponse(conn, resp); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}

		logger.Debug("sent response", "ok", resp.OK, "message", resp.Message)

		if cmdName == "PASS" || cmdName == "AUTH" {
			if cmdName != "AUTH" || resp.OK || !resp.Continuation {
				collector.AuthAttempt(protocolName, resp.OK)
			}
		}

		switch cmdName {
		case "STLS":
			if resp.OK {
				if err := conn.UpgradeToTLS(tlsConfig); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				sess.SetTLSActive()
				collector.TLSConnectionEstablished(protocolName)
				logger.Info("TLS upgrade successful", "tls_state", sess.TLSState().String())
			}

		case "QUIT":
			if sess.State() == StateUpdate && sess.Store() != nil {
				ids := sess.DeletedEmailIDs()
				deleted := 0
				for _, id := range ids {
					if err := sess.Store().DeleteEmail(ctx, id); err != nil {
						logger.Error("failed to delete message", "email_id", id.String(), "error", err.Error())
						continue
					}
					deleted++
					collector.MessageDeleted(protocolName)
				}
				if deleted > 0 {
					logger.Info("expunged messages", "count", deleted)
				}
			}
			logger.Info("QUIT command received, closing connection")
			return
		}
	}
}

func writeResponse(conn *supervisor.Connection, resp Response) error {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return err
	}
	return conn.Flush()
}

func sendError(conn *supervisor.Connection, message string) {
	resp := Response{OK: false, Message: message}
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
	_ = conn.Flush()
}
