package smtp

import (
	"net/mail"
	"strings"
)

const maxLocalPartLength = 64
const maxDomainLength = 255

// ExtractMailbox pulls the bare mailbox out of a MAIL FROM:/RCPT TO:
// argument, stripping the FROM:/TO: prefix, angle brackets and any
// trailing ESMTP parameters (e.g. " SIZE=1024").
func ExtractMailbox(arg string) string {
	upper := strings.ToUpper(arg)
	switch {
	case strings.HasPrefix(upper, "FROM:"):
		arg = arg[len("FROM:"):]
	case strings.HasPrefix(upper, "TO:"):
		arg = arg[len("TO:"):]
	}
	arg = strings.TrimSpace(arg)

	if i := strings.IndexByte(arg, '>'); i >= 0 && strings.HasPrefix(arg, "<") {
		return strings.TrimSpace(arg[1:i])
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "<>")
}

// ExtractParam returns the value of an ESMTP parameter (e.g. "SIZE") from
// the remainder of a MAIL FROM argument, case-insensitively, or "" if
// absent.
func ExtractParam(arg, name string) string {
	for _, field := range strings.Fields(arg) {
		if i := strings.IndexByte(field, '='); i > 0 {
			if strings.EqualFold(field[:i], name) {
				return field[i+1:]
			}
		}
	}
	return ""
}

// IsValidMailbox reports whether mailbox is a well-formed RFC 5321
// address. The empty mailbox ("<>", the null reverse-path) is accepted
// since MAIL FROM:<> is a valid bounce sender.
func IsValidMailbox(mailbox string) bool {
	if mailbox == "" {
		return true
	}
	if a, err := mail.ParseAddress(mailbox); err == nil {
		return checkParts(a.Address)
	}
	return checkParts(mailbox)
}

func checkParts(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) > maxLocalPartLength || len(domain) > maxDomainLength {
		return false
	}
	return strings.Contains(domain, ".") || domain == "localhost"
}

// NormalizeMailbox lowercases the domain part while leaving the local
// part's case untouched, matching common mail server behavior.
func NormalizeMailbox(mailbox string) string {
	at := strings.LastIndexByte(mailbox, '@')
	if at < 0 {
		return mailbox
	}
	return mailbox[:at] + "@" + strings.ToLower(mailbox[at+1:])
}
