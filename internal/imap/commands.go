package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/authn"
	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

// capabilityCommand implements CAPABILITY (RFC 9051 §6.1.1).
type capabilityCommand struct{}

func (c *capabilityCommand) Name() string { return "CAPABILITY" }

func (c *capabilityCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	return Response{
		Untagged: []string{"* CAPABILITY " + strings.Join(sess.Capabilities(), " ")},
		Status:   StatusOK,
		Text:     "CAPABILITY completed",
	}, nil
}

// starttlsCommand implements STARTTLS (RFC 9051 §6.2.1).
type starttlsCommand struct{}

func (s *starttlsCommand) Name() string { return "STARTTLS" }

func (s *starttlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if args != "" {
		return Response{Status: StatusBAD, Text: "STARTTLS takes no arguments"}, nil
	}
	if !sess.CanSTARTTLS() {
		if sess.IsTLSActive() {
			return Response{Status: StatusNO, Text: "Already using TLS"}, nil
		}
		return Response{Status: StatusNO, Text: "TLS not available"}, nil
	}
	return Response{Status: StatusOK, Text: "Begin TLS negotiation now"}, nil
}

// loginCommand implements LOGIN (RFC 9051 §6.2.3).
type loginCommand struct {
	verifier *authn.Verifier
}

func (l *loginCommand) Name() string { return "LOGIN" }

func (l *loginCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if sess.state != StateNotAuthenticated {
		return Response{Status: StatusBAD, Text: "LOGIN not permitted in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{Status: StatusNO, Text: "LOGIN requires TLS"}, nil
	}
	fields, err := splitQuotedArgs(args)
	if err != nil || len(fields) != 2 {
		return Response{Status: StatusBAD, Text: "LOGIN requires a username and password"}, nil
	}
	ok, userID := l.verifier.Verify(ctx, fields[0], fields[1], store.ScopeIMAP)
	if !ok {
		conn.Logger().Info("IMAP LOGIN failed", "username", fields[0])
		return Response{Status: StatusNO, Text: "Authentication failed"}, nil
	}
	sess.SetAuthenticated(userID)
	conn.Logger().Info("IMAP LOGIN succeeded", "username", fields[0])
	return Response{Status: StatusOK, Text: "LOGIN completed"}, nil
}

// splitQuotedArgs splits a LOGIN argument string into its atoms, honoring
// double-quoted strings that may contain spaces.
func splitQuotedArgs(args string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inQuotes := false
	inToken := false
	for i := 0; i < len(args); i++ {
		c := args[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			inToken = true
		case c == ' ' && !inQuotes:
			if inToken {
				out = append(out, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("imap: unterminated quoted string")
	}
	if inToken {
		out = append(out, cur.String())
	}
	return out, nil
}

// authenticateCommand implements AUTHENTICATE (RFC 9051 §6.2.2).
type authenticateCommand struct {
	verifier *authn.Verifier
}

func (a *authenticateCommand) Name() string { return "AUTHENTICATE" }

func (a *authenticateCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if sess.state != StateNotAuthenticated {
		return Response{Status: StatusBAD, Text: "AUTHENTICATE not permitted in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{Status: StatusNO, Text: "AUTHENTICATE requires TLS"}, nil
	}
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return Response{Status: StatusBAD, Text: "AUTHENTICATE requires a mechanism"}, nil
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
		return Response{Status: StatusNO, Text: fmt.Sprintf("Unsupported mechanism %s", mechanism)}, nil
	}
	sess.SetSASLServer(mechanism, saslSrv)

	if len(fields) > 1 {
		initial, err := DecodeSASLResponse(fields[1])
		if err != nil {
			sess.ClearSASL()
			return Response{Status: StatusBAD, Text: "Invalid base64 encoding"}, nil
		}
		return a.step(sess, initial)
	}
	return Response{Status: "", Text: ""}, errContinuation
}

// errContinuation is a sentinel the handler checks for to emit a "+ "
// continuation line instead of a tagged reply; AUTHENTICATE is the only
// IMAP command in this package with a client-driven continuation.
var errContinuation = fmt.Errorf("imap: sasl continuation requested")

func (a *authenticateCommand) verify(ctx context.Context, sess *Session, conn ConnectionLogger, username, password string) error {
	ok, userID := a.verifier.Verify(ctx, username, password, store.ScopeIMAP)
	if !ok {
		conn.Logger().Info("IMAP AUTHENTICATE failed", "username", username)
		return authn.ErrBadCredential
	}
	sess.SetAuthenticated(userID)
	conn.Logger().Info("IMAP AUTHENTICATE succeeded", "username", username)
	return nil
}

func (a *authenticateCommand) step(sess *Session, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{Status: StatusBAD, Text: "No AUTHENTICATE exchange in progress"}, nil
	}
	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		return Response{Status: StatusNO, Text: "Authentication failed"}, nil
	}
	if done {
		sess.ClearSASL()
		return Response{Status: StatusOK, Text: "AUTHENTICATE completed"}, nil
	}
	return Response{}, &saslContinuation{challenge: challenge}
}

// saslContinuation carries a "+ " continuation challenge back to the
// handler, which writes it literally instead of a tagged reply.
type saslContinuation struct{ challenge []byte }

func (s *saslContinuation) Error() string { return "imap: sasl continuation" }

// ProcessSASLResponse handles a continuation line received mid-exchange.
func (a *authenticateCommand) ProcessSASLResponse(sess *Session, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{Status: StatusBAD, Text: "AUTHENTICATE cancelled"}, nil
	}
	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{Status: StatusBAD, Text: "Invalid base64 encoding"}, nil
	}
	return a.step(sess, response)
}

// noopCommand implements NOOP (RFC 9051 §6.1.2).
type noopCommand struct{}

func (n *noopCommand) Name() string { return "NOOP" }

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	return Response{Status: StatusOK, Text: "NOOP completed"}, nil
}

// listCommand implements LIST (RFC 9051 §6.3.9). Only INBOX ever exists
// (spec.md §4.8: "no folder hierarchy"), so any non-empty reference/pattern
// that cannot match INBOX returns an empty listing rather than an error.
type listCommand struct{}

func (l *listCommand) Name() string { return "LIST" }

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if sess.state == StateNotAuthenticated {
		return Response{Status: StatusBAD, Text: "LIST requires authentication"}, nil
	}
	fields, err := splitQuotedArgs(args)
	if err != nil || len(fields) != 2 {
		return Response{Status: StatusBAD, Text: "LIST requires a reference and mailbox pattern"}, nil
	}
	pattern := strings.ToUpper(fields[1])
	if pattern == "" {
		return Response{Untagged: []string{`* LIST (\Noselect) "/" ""`}, Status: StatusOK, Text: "LIST completed"}, nil
	}
	if pattern != inboxName && pattern != "*" && pattern != "%" {
		return Response{Status: StatusOK, Text: "LIST completed"}, nil
	}
	return Response{
		Untagged: []string{fmt.Sprintf(`* LIST () "/" %s`, inboxName)},
		Status:   StatusOK,
		Text:     "LIST completed",
	}, nil
}

// selectExamineCommand implements SELECT and EXAMINE (RFC 9051 §6.3.1-2).
type selectExamineCommand struct {
	readOnly bool
	st       store.Port
}

func (s *selectExamineCommand) Name() string {
	if s.readOnly {
		return "EXAMINE"
	}
	return "SELECT"
}

func (s *selectExamineCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if sess.state == StateNotAuthenticated {
		return Response{Status: StatusBAD, Text: s.Name() + " requires authentication"}, nil
	}
	mailbox := strings.Trim(strings.ToUpper(strings.TrimSpace(args)), `"`)
	if mailbox != inboxName {
		return Response{Status: StatusNO, Text: "Mailbox does not exist"}, nil
	}
	if err := sess.SelectMailbox(ctx, s.st, s.readOnly); err != nil {
		conn.Logger().Error("failed to select mailbox", "error", err.Error())
		return Response{Status: StatusNO, Text: "Unable to select mailbox"}, nil
	}

	untagged := []string{
		fmt.Sprintf("* %d EXISTS", sess.Exists()),
		"* 0 RECENT",
		`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
		`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft)] Permanent flags`,
		fmt.Sprintf("* OK [UIDVALIDITY %s] UIDs valid", formatUint(sess.UIDValidity())),
		fmt.Sprintf("* OK [UIDNEXT %s] Predicted next UID", formatUint(sess.UIDNext())),
	}
	text := "[READ-WRITE] SELECT completed"
	if s.readOnly {
		text = "[READ-ONLY] EXAMINE completed"
	}
	return Response{Untagged: untagged, Status: StatusOK, Text: text}, nil
}

// statusCommand implements STATUS (RFC 9051 §6.3.11).
type statusCommand struct {
	st store.Port
}

func (s *statusCommand) Name() string { return "STATUS" }

func (s *statusCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if sess.state == StateNotAuthenticated {
		return Response{Status: StatusBAD, Text: "STATUS requires authentication"}, nil
	}
	fields, err := splitQuotedArgs(stripParens(args))
	if err != nil || len(fields) < 2 {
		return Response{Status: StatusBAD, Text: "STATUS requires a mailbox and item list"}, nil
	}
	if strings.ToUpper(strings.Trim(fields[0], `"`)) != inboxName {
		return Response{Status: StatusNO, Text: "Mailbox does not exist"}, nil
	}

	summaries, err := s.st.FindEmailsForUser(ctx, sess.UserID(), 0, maxMailboxMessages)
	if err != nil {
		conn.Logger().Error("STATUS query failed", "error", err.Error())
		return Response{Status: StatusNO, Text: "Unable to read mailbox status"}, nil
	}
	unseen := 0
	for _, e := range summaries {
		if !e.IsRead {
			unseen++
		}
	}

	var parts []string
	for _, item := range fields[1:] {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, "MESSAGES "+strconv.Itoa(len(summaries)))
		case "UIDNEXT":
			parts = append(parts, "UIDNEXT "+formatUint(maxUIDOf(summaries)+1))
		case "UIDVALIDITY":
			parts = append(parts, "UIDVALIDITY "+formatUint(deriveUIDValidity(sess.UserID())))
		case "UNSEEN":
			parts = append(parts, "UNSEEN "+strconv.Itoa(unseen))
		case "RECENT":
			parts = append(parts, "RECENT 0")
		}
	}
	return Response{
		Untagged: []string{fmt.Sprintf("* STATUS %s (%s)", inboxName, strings.Join(parts, " "))},
		Status:   StatusOK,
		Text:     "STATUS completed",
	}, nil
}

func maxUIDOf(summaries []store.EmailSummary) uint32 {
	var max uint32
	for _, e := range summaries {
		if u := deriveUID(e.ID); u > max {
			max = u
		}
	}
	return max
}

func stripParens(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	return s
}

// fetchCommand implements FETCH and UID FETCH (RFC 9051 §6.4.5).
type fetchCommand struct {
	uidMode bool
	st      store.Port
}

func (f *fetchCommand) Name() string {
	if f.uidMode {
		return "UID FETCH"
	}
	return "FETCH"
}

func (f *fetchCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if !sess.IsSelected() {
		return Response{Status: StatusBAD, Text: "FETCH requires a selected mailbox"}, nil
	}
	fields := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(fields) != 2 {
		return Response{Status: StatusBAD, Text: "FETCH requires a sequence set and item list"}, nil
	}
	msgs, err := f.resolveSet(sess, fields[0])
	if err != nil {
		return Response{Status: StatusBAD, Text: "Malformed sequence set"}, nil
	}
	items := splitFetchItems(stripParens(fields[1]))
	if f.uidMode && !containsItem(items, "UID") {
		items = append(items, "UID")
	}

	var untagged []string
	for _, m := range msgs {
		line, err := f.renderMessage(ctx, sess, conn, m, items)
		if err != nil {
			conn.Logger().Error("FETCH render failed", "error", err.Error())
			continue
		}
		untagged = append(untagged, line)
	}
	return Response{Untagged: untagged, Status: StatusOK, Text: f.Name() + " completed"}, nil
}

func (f *fetchCommand) resolveSet(sess *Session, setArg string) ([]*message, error) {
	var max uint32
	if f.uidMode {
		max = sess.MaxUID()
	} else {
		max = sess.MaxSeq()
	}
	values, err := parseSeqSet(setArg, max)
	if err != nil {
		return nil, err
	}
	var out []*message
	for _, v := range values {
		if f.uidMode {
			if m, ok := sess.MessageByUID(v); ok {
				out = append(out, m)
			}
			continue
		}
		if m, ok := sess.MessageBySeq(int(v)); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fetchCommand) renderMessage(ctx context.Context, sess *Session, conn ConnectionLogger, m *message, items []string) (string, error) {
	var parts []string
	var full *store.Email
	loadFull := func() (*store.Email, error) {
		if full != nil {
			return full, nil
		}
		e, err := f.st.LoadEmailFull(ctx, m.emailID, nil)
		if err != nil {
			return nil, err
		}
		full = &e
		return full, nil
	}

	for _, item := range items {
		upper := strings.ToUpper(item)
		switch {
		case upper == "UID":
			parts = append(parts, "UID "+formatUint(m.uid))
		case upper == "FLAGS":
			parts = append(parts, "FLAGS "+formatFlags(m))
		case upper == "INTERNALDATE":
			parts = append(parts, "INTERNALDATE "+formatInternalDate(m.internalDate))
		case upper == "RFC822.SIZE":
			parts = append(parts, "RFC822.SIZE "+strconv.FormatInt(m.sizeBytes, 10))
		case upper == "ENVELOPE":
			e, err := loadFull()
			if err != nil {
				return "", err
			}
			parts = append(parts, "ENVELOPE "+formatEnvelope(*e))
		case upper == "BODYSTRUCTURE":
			e, err := loadFull()
			if err != nil {
				return "", err
			}
			parts = append(parts, "BODYSTRUCTURE "+formatBodyStructure(*e))
		case strings.HasPrefix(upper, "BODY[") || strings.HasPrefix(upper, "BODY.PEEK["):
			e, err := loadFull()
			if err != nil {
				return "", err
			}
			label, payload, err := renderBodySection(*e, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, label+" "+payload)
			if !strings.Contains(upper, ".PEEK") {
				m.flags[goimap.FlagSeen] = true
				if err := sess.Store().MarkRead(ctx, m.emailID, sess.UserID(), true); err != nil {
					conn.Logger().Error("failed to mark message read", "email_id", m.emailID.String(), "error", err.Error())
				}
			}
		}
	}
	return fmt.Sprintf("* %d FETCH (%s)", m.seqNum, strings.Join(parts, " ")), nil
}

// renderBodySection renders one BODY[...] or BODY.PEEK[...] fetch item as
// an IMAP literal. Only the whole-message, HEADER and TEXT sections are
// supported; BODY[HEADER.FIELDS (...)] and MIME part paths are not (the
// store's structured Email model has no raw per-part boundaries to slice).
func renderBodySection(email store.Email, item string) (label, payload string, err error) {
	raw, err := renderFull(email)
	if err != nil {
		return "", "", err
	}
	header, body := splitHeaderBody(raw)

	section := item[strings.IndexByte(item, '[')+1 : strings.IndexByte(item, ']')]
	label = strings.TrimSuffix(item, "["+section+"]")

	var data []byte
	switch strings.ToUpper(section) {
	case "":
		data = raw
	case "HEADER":
		data = header
	case "TEXT":
		data = body
	default:
		data = raw
	}
	return label + "[" + section + "]", formatLiteral(data), nil
}

func formatLiteral(data []byte) string {
	return fmt.Sprintf("{%d}\r\n%s", len(data), data)
}

// splitFetchItems expands the ALL, FULL and FAST macros and otherwise splits
// a FETCH item list on whitespace. A BODY[...] section stays intact only
// when it contains no spaces (e.g. "BODY[TEXT]"); bracketed HEADER.FIELDS
// lists are split apart and are not supported, see renderBodySection.
func splitFetchItems(items string) []string {
	if items == "" {
		return nil
	}
	upper := strings.ToUpper(strings.TrimSpace(items))
	if upper == "ALL" {
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	}
	if upper == "FULL" {
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODYSTRUCTURE"}
	}
	if upper == "FAST" {
		return []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	}
	return strings.Fields(items)
}

func containsItem(items []string, name string) bool {
	for _, it := range items {
		if strings.EqualFold(it, name) {
			return true
		}
	}
	return false
}

// storeCommand implements STORE and UID STORE (RFC 9051 §6.4.6).
type storeCommand struct {
	uidMode bool
}

func (s *storeCommand) Name() string {
	if s.uidMode {
		return "UID STORE"
	}
	return "STORE"
}

func (s *storeCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if !sess.IsSelected() {
		return Response{Status: StatusBAD, Text: "STORE requires a selected mailbox"}, nil
	}
	if sess.ReadOnly() {
		return Response{Status: StatusNO, Text: "Mailbox opened read-only"}, nil
	}
	fields := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if len(fields) != 3 {
		return Response{Status: StatusBAD, Text: "STORE requires a sequence set, action and flag list"}, nil
	}

	var max uint32
	if s.uidMode {
		max = sess.MaxUID()
	} else {
		max = sess.MaxSeq()
	}
	values, err := parseSeqSet(fields[0], max)
	if err != nil {
		return Response{Status: StatusBAD, Text: "Malformed sequence set"}, nil
	}

	action := strings.ToUpper(fields[1])
	silent := strings.HasSuffix(action, ".SILENT")
	action = strings.TrimSuffix(action, ".SILENT")
	newFlags := parseFlagList(stripParens(fields[2]))

	var untagged []string
	for _, v := range values {
		var m *message
		var ok bool
		if s.uidMode {
			m, ok = sess.MessageByUID(v)
		} else {
			m, ok = sess.MessageBySeq(int(v))
		}
		if !ok {
			continue
		}
		applyFlagAction(m, action, newFlags)
		if touchesSeen(action, newFlags) {
			if err := sess.Store().MarkRead(ctx, m.emailID, sess.UserID(), m.flags[goimap.FlagSeen]); err != nil {
				conn.Logger().Error("failed to update \\Seen in store", "email_id", m.emailID.String(), "error", err.Error())
			}
		}
		if !silent {
			untagged = append(untagged, fmt.Sprintf("* %d FETCH (FLAGS %s)", m.seqNum, formatFlags(m)))
		}
	}
	return Response{Untagged: untagged, Status: StatusOK, Text: s.Name() + " completed"}, nil
}

// touchesSeen reports whether action/flags would change \Seen state: either
// FLAGS (a full replace, which always determines \Seen) or +FLAGS/-FLAGS
// naming \Seen explicitly (spec.md §4.8: "the only flags honored by the
// store are \Seen").
func touchesSeen(action string, flags []goimap.Flag) bool {
	if action == "FLAGS" {
		return true
	}
	for _, f := range flags {
		if f == goimap.FlagSeen {
			return true
		}
	}
	return false
}

// parseFlagList parses a space-separated flag list. Every flag named is
// returned and kept in the session's in-memory flag set; of these, only
// \Seen is written to the store (by storeCommand, via MarkRead).
func parseFlagList(raw string) []goimap.Flag {
	var flags []goimap.Flag
	for _, f := range strings.Fields(raw) {
		flags = append(flags, goimap.Flag(f))
	}
	return flags
}

func applyFlagAction(m *message, action string, flags []goimap.Flag) {
	switch action {
	case "+FLAGS":
		for _, f := range flags {
			m.flags[f] = true
		}
	case "-FLAGS":
		for _, f := range flags {
			delete(m.flags, f)
		}
	case "FLAGS":
		m.flags = make(map[goimap.Flag]bool)
		for _, f := range flags {
			m.flags[f] = true
		}
	}
}

// searchCommand implements SEARCH and UID SEARCH (RFC 9051 §6.4.4), limited
// to the SEEN/UNSEEN/ALL/DELETED/UNDELETED keys spec.md §4.8 names.
type searchCommand struct {
	uidMode bool
}

func (s *searchCommand) Name() string {
	if s.uidMode {
		return "UID SEARCH"
	}
	return "SEARCH"
}

func (s *searchCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if !sess.IsSelected() {
		return Response{Status: StatusBAD, Text: "SEARCH requires a selected mailbox"}, nil
	}
	keys := strings.Fields(strings.ToUpper(strings.TrimSpace(args)))
	if len(keys) == 0 {
		keys = []string{"ALL"}
	}

	var matched []string
	for _, m := range sess.Messages() {
		if matchesSearch(m, keys) {
			if s.uidMode {
				matched = append(matched, formatUint(m.uid))
			} else {
				matched = append(matched, strconv.Itoa(m.seqNum))
			}
		}
	}
	return Response{
		Untagged: []string{"* SEARCH " + strings.Join(matched, " ")},
		Status:   StatusOK,
		Text:     s.Name() + " completed",
	}, nil
}

func matchesSearch(m *message, keys []string) bool {
	for _, key := range keys {
		switch key {
		case "ALL":
		case "SEEN":
			if !m.flags[goimap.FlagSeen] {
				return false
			}
		case "UNSEEN":
			if m.flags[goimap.FlagSeen] {
				return false
			}
		case "DELETED":
			if !m.flags[goimap.FlagDeleted] {
				return false
			}
		case "UNDELETED":
			if m.flags[goimap.FlagDeleted] {
				return false
			}
		}
	}
	return true
}

// expungeCommand implements EXPUNGE (RFC 9051 §6.4.3).
type expungeCommand struct {
	st store.Port
}

func (e *expungeCommand) Name() string { return "EXPUNGE" }

func (e *expungeCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if !sess.IsSelected() {
		return Response{Status: StatusBAD, Text: "EXPUNGE requires a selected mailbox"}, nil
	}
	if sess.ReadOnly() {
		return Response{Status: StatusNO, Text: "Mailbox opened read-only"}, nil
	}

	deletedIDs := make(map[int]ids.ID)
	for _, m := range sess.Messages() {
		deletedIDs[m.seqNum] = m.emailID
	}
	removedSeqs := sess.Expunge()

	var untagged []string
	for _, seq := range removedSeqs {
		if id, ok := deletedIDs[seq]; ok {
			if err := e.st.DeleteEmail(ctx, id); err != nil {
				conn.Logger().Error("EXPUNGE delete failed", "email_id", id.String(), "error", err.Error())
				continue
			}
		}
		untagged = append(untagged, fmt.Sprintf("* %d EXPUNGE", seq))
	}
	return Response{Untagged: untagged, Status: StatusOK, Text: "EXPUNGE completed"}, nil
}

// closeCommand implements CLOSE (RFC 9051 §6.4.2): like EXPUNGE but sends
// no untagged EXPUNGE responses, then unselects.
type closeCommand struct {
	st store.Port
}

func (c *closeCommand) Name() string { return "CLOSE" }

func (c *closeCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	if !sess.IsSelected() {
		return Response{Status: StatusBAD, Text: "CLOSE requires a selected mailbox"}, nil
	}
	if !sess.ReadOnly() {
		deletedIDs := make(map[int]ids.ID)
		for _, m := range sess.Messages() {
			deletedIDs[m.seqNum] = m.emailID
		}
		for _, seq := range sess.Expunge() {
			if id, ok := deletedIDs[seq]; ok {
				if err := c.st.DeleteEmail(ctx, id); err != nil {
					conn.Logger().Error("CLOSE delete failed", "email_id", id.String(), "error", err.Error())
				}
			}
		}
	}
	sess.Unselect()
	return Response{Status: StatusOK, Text: "CLOSE completed"}, nil
}

// logoutCommand implements LOGOUT (RFC 9051 §6.1.3).
type logoutCommand struct{}

func (l *logoutCommand) Name() string { return "LOGOUT" }

func (l *logoutCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, tag, args string) (Response, error) {
	sess.state = StateLogout
	return Response{
		Untagged: []string{"* BYE IMAP4rev2 Server logging out"},
		Status:   StatusOK,
		Text:     "LOGOUT completed",
		Close:    true,
	}, nil
}

// RegisterCommands registers the full IMAP command set.
func RegisterCommands(verifier *authn.Verifier, st store.Port) {
	RegisterCommand(&capabilityCommand{})
	RegisterCommand(&starttlsCommand{})
	RegisterCommand(&loginCommand{verifier: verifier})
	RegisterCommand(&authenticateCommand{verifier: verifier})
	RegisterCommand(&noopCommand{})
	RegisterCommand(&listCommand{})
	RegisterCommand(&statusCommand{st: st})
	RegisterCommand(&expungeCommand{st: st})
	RegisterCommand(&closeCommand{st: st})
	RegisterCommand(&logoutCommand{})
	registerAliased("SELECT", &selectExamineCommand{readOnly: false, st: st})
	registerAliased("EXAMINE", &selectExamineCommand{readOnly: true, st: st})
	registerAliased("FETCH", &fetchCommand{uidMode: false, st: st})
	registerAliased("UID FETCH", &fetchCommand{uidMode: true, st: st})
	registerAliased("STORE", &storeCommand{uidMode: false})
	registerAliased("UID STORE", &storeCommand{uidMode: true})
	registerAliased("SEARCH", &searchCommand{uidMode: false})
	registerAliased("UID SEARCH", &searchCommand{uidMode: true})
}

// registerAliased registers cmd under an explicit key, since some IMAP
// verbs (FETCH, STORE, SEARCH) are distinguished from their UID-mode
// siblings at the handler level, not by Name() alone.
func registerAliased(key string, cmd Command) {
	commandRegistry[key] = cmd
}
