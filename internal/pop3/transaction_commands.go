package pop3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/infodancer/mailcore/internal/rfc822"
)

// statCommand implements the STAT command (RFC 1939).
type statCommand struct{}

func (s *statCommand) Name() string {
	return "STAT"
}

func (s *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "STAT command takes no arguments"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", sess.MessageCount(), sess.TotalSize())}, nil
}

// listCommand implements the LIST command (RFC 1939).
type listCommand struct{}

func (l *listCommand) Name() string {
	return "LIST"
}

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		items := sess.AllMessages()
		lines := make([]string, len(items))
		for i, m := range items {
			lines[i] = fmt.Sprintf("%d %d", m.MsgNum, m.Entry.Size)
		}
		return Response{
			OK:      true,
			Message: fmt.Sprintf("%d messages (%d octets)", sess.MessageCount(), sess.TotalSize()),
			Lines:   lines,
		}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "LIST command takes at most one argument"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", msgNum, msg.Size)}, nil
}

// renderMessage loads the full email and renders it to RFC 822 wire bytes
// (spec.md §4.7 RETR/TOP: "stream the RFC 822 rendering of the email").
func renderMessage(ctx context.Context, sess *Session, msg *messageEntry) ([]byte, error) {
	email, err := sess.Store().LoadEmailFull(ctx, msg.EmailID, nil)
	if err != nil {
		return nil, err
	}

	to := make([]rfc822.Address, 0, len(email.Recipients))
	for _, r := range email.Recipients {
		to = append(to, rfc822.Address{Name: r.DisplayName, Address: r.Address})
	}

	return rfc822.Render(rfc822.RenderInput{
		MessageID:       email.MessageID,
		FromAddress:     email.FromAddress,
		FromDisplayName: email.FromDisplayName,
		To:              to,
		Subject:         email.Subject,
		TextBody:        email.TextBody,
		HTMLBody:        email.HTMLBody,
		InReplyTo:       email.InReplyTo,
		References:      email.References,
		Date:            email.ReceivedAt,
		Attachments:     email.Attachments,
	})
}

// retrCommand implements the RETR command (RFC 1939).
type retrCommand struct{}

func (r *retrCommand) Name() string {
	return "RETR"
}

func (r *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	content, err := renderMessage(ctx, sess, msg)
	if err != nil {
		conn.Logger().Error("failed to render message", "msgNum", msgNum, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	if err := sess.Store().MarkRead(ctx, msg.EmailID, sess.UserID(), true); err != nil {
		conn.Logger().Error("failed to mark message read", "msgNum", msgNum, "error", err.Error())
	}

	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d octets", len(content)),
		Lines:   splitMessageLines(string(content)),
	}, nil
}

// deleCommand implements the DELE command (RFC 1939).
type deleCommand struct{}

func (d *deleCommand) Name() string {
	return "DELE"
}

func (d *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	if err := sess.MarkDeleted(msgNum); err != nil {
		switch {
		case errors.Is(err, ErrNoSuchMessage):
			return Response{OK: false, Message: "No such message"}, nil
		case errors.Is(err, ErrMessageDeleted):
			return Response{OK: false, Message: "Message already deleted"}, nil
		case errors.Is(err, ErrTooManyDeletions):
			return Response{OK: false, Message: "Too many deleted messages"}, nil
		}
		return Response{OK: false, Message: "Failed to delete message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("message %d deleted", msgNum)}, nil
}

// rsetCommand implements the RSET command (RFC 1939).
type rsetCommand struct{}

func (r *rsetCommand) Name() string {
	return "RSET"
}

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "RSET command takes no arguments"}, nil
	}

	sess.ResetDeletions()
	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", sess.MessageCount())}, nil
}

// noopCommand implements the NOOP command (RFC 1939).
type noopCommand struct{}

func (n *noopCommand) Name() string {
	return "NOOP"
}

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "NOOP command takes no arguments"}, nil
	}
	return Response{OK: true, Message: ""}, nil
}

// uidlCommand implements the UIDL command (RFC 1939 extension).
type uidlCommand struct{}

func (u *uidlCommand) Name() string {
	return "UIDL"
}

func (u *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		items := sess.AllMessages()
		lines := make([]string, len(items))
		for i, m := range items {
			lines[i] = fmt.Sprintf("%d %s", m.MsgNum, m.Entry.UID)
		}
		return Response{OK: true, Message: "", Lines: lines}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL command takes at most one argument"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %s", msgNum, msg.UID)}, nil
}

// topCommand implements the TOP command (RFC 2449).
type topCommand struct{}

func (t *topCommand) Name() string {
	return "TOP"
}

func (t *topCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP command requires message number and line count"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	content, err := renderMessage(ctx, sess, msg)
	if err != nil {
		conn.Logger().Error("failed to render message", "msgNum", msgNum, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	lines, err := extractTopLines(bytes.NewReader(content), lineCount)
	if err != nil {
		conn.Logger().Error("failed to read message", "msgNum", msgNum, "error", err.Error())
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Message: "", Lines: lines}, nil
}

// splitMessageLines splits message content into lines for a POP3 response.
func splitMessageLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	rawLines := strings.Split(content, "\n")
	if len(rawLines) > 0 && rawLines[len(rawLines)-1] == "" {
		rawLines = rawLines[:len(rawLines)-1]
	}
	return rawLines
}

// extractTopLines extracts headers and n lines of body from a message.
func extractTopLines(reader io.Reader, bodyLines int) ([]string, error) {
	scanner := bufio.NewScanner(reader)
	var lines []string
	inBody := false
	bodyCount := 0

	for scanner.Scan() {
		line := scanner.Text()

		if !inBody {
			lines = append(lines, line)
			if line == "" {
				inBody = true
			}
		} else {
			if bodyCount >= bodyLines {
				break
			}
			lines = append(lines, line)
			bodyCount++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// RegisterTransactionCommands registers all transaction-related commands.
func RegisterTransactionCommands() {
	RegisterCommand(&statCommand{})
	RegisterCommand(&listCommand{})
	RegisterCommand(&retrCommand{})
	RegisterCommand(&deleCommand{})
	RegisterCommand(&rsetCommand{})
	RegisterCommand(&noopCommand{})
	RegisterCommand(&uidlCommand{})
	RegisterCommand(&topCommand{})
}
