// Package relay implements the Relay Policy (spec.md §4.9, C9): the gate
// applied to every RCPT TO in SMTP MX mode.
package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/infodancer/mailcore/internal/store"
)

// ErrRelayDenied means the recipient's domain is not one this server is
// configured to accept mail for.
var ErrRelayDenied = errors.New("relay: access denied")

// ErrNoSuchUser means validateRecipients is enabled and the recipient does
// not resolve to a known user.
var ErrNoSuchUser = errors.New("relay: no such user here")

// Policy evaluates the Relay Policy for inbound MX-mode mail.
type Policy struct {
	hostedDomains      map[string]struct{}
	validateRecipients bool
	store              store.Port
}

// New builds a Policy from the configured hosted domains (lowercased) and
// whether unknown local recipients should be rejected.
func New(hostedDomains []string, validateRecipients bool, port store.Port) *Policy {
	set := make(map[string]struct{}, len(hostedDomains))
	for _, d := range hostedDomains {
		set[strings.ToLower(d)] = struct{}{}
	}
	return &Policy{hostedDomains: set, validateRecipients: validateRecipients, store: port}
}

// Allow runs the four-step algorithm of spec.md §4.9 against recipient, an
// RFC 5321 mailbox of the form "local@domain".
func (p *Policy) Allow(ctx context.Context, recipient string) error {
	domain := domainOf(recipient)
	if _, ok := p.hostedDomains[domain]; !ok {
		return ErrRelayDenied
	}
	if !p.validateRecipients {
		return nil
	}
	user, err := p.store.FindUserByAddress(ctx, recipient, false)
	if err != nil || user == nil {
		return ErrNoSuchUser
	}
	return nil
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}
