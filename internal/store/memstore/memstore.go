// Package memstore is an in-memory store.Port used by package test suites
// that need a real (if non-persistent) store.Port implementation, such as
// relay's; it is not wired into cmd/mailcored.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

// Store is a goroutine-safe, in-memory store.Port implementation.
type Store struct {
	mu    sync.Mutex
	users map[ids.ID]*store.User
	// aliasIndex and primaryIndex map lowercased address -> user id.
	aliasIndex   map[string]ids.ID
	primaryIndex map[string]ids.ID
	emails       map[ids.ID]*store.Email
	order        []ids.ID // insertion order, for deterministic iteration
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:        make(map[ids.ID]*store.User),
		aliasIndex:   make(map[string]ids.ID),
		primaryIndex: make(map[string]ids.ID),
		emails:       make(map[ids.ID]*store.Email),
	}
}

// PutUser inserts or replaces a user and indexes its addresses. Test helper,
// not part of store.Port.
func (s *Store) PutUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := u
	s.users[u.ID] = &cp
	s.primaryIndex[strings.ToLower(u.PrimaryAddress)] = u.ID
	for _, a := range u.Addresses {
		if a.VerifiedAt != nil {
			s.aliasIndex[strings.ToLower(a.Address)] = u.ID
		}
	}
}

func (s *Store) resolveUserLocked(address string) *ids.ID {
	addr := strings.ToLower(address)
	if id, ok := s.primaryIndex[addr]; ok {
		return &id
	}
	if id, ok := s.aliasIndex[addr]; ok {
		return &id
	}
	return nil
}

// FindUserByAddress implements store.Port.
func (s *Store) FindUserByAddress(ctx context.Context, address string, withKeys bool) (*store.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.resolveUserLocked(address)
	if id == nil {
		return nil, nil
	}
	u := *s.users[*id]
	if !withKeys {
		u.APIKeys = nil
	}
	return &u, nil
}

// StoreIncomingEmail implements store.Port.
func (s *Store) StoreIncomingEmail(ctx context.Context, email store.Email, sentByUserID *ids.ID) (ids.ID, error) {
	if err := ctx.Err(); err != nil {
		return ids.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if email.ID.IsNil() {
		email.ID = ids.New()
	}
	if email.ThreadID.IsNil() {
		email.ThreadID = email.ID
	}
	email.SentByUserID = sentByUserID

	resolved := make([]store.EmailRecipient, len(email.Recipients))
	for i, r := range email.Recipients {
		r.EmailID = email.ID
		if r.ID.IsNil() {
			r.ID = ids.New()
		}
		if uid := s.resolveUserLocked(r.Address); uid != nil {
			r.UserID = uid
		}
		resolved[i] = r
	}
	email.Recipients = resolved

	for i := range email.Attachments {
		if email.Attachments[i].ID.IsNil() {
			email.Attachments[i].ID = ids.New()
		}
		email.Attachments[i].EmailID = email.ID
	}

	cp := email
	s.emails[email.ID] = &cp
	s.order = append(s.order, email.ID)
	return email.ID, nil
}

// FindThreadBySourceHeaders implements store.Port.
func (s *Store) FindThreadBySourceHeaders(ctx context.Context, inReplyTo string, references []string) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := append([]string{}, references...)
	if inReplyTo != "" {
		candidates = append(candidates, inReplyTo)
	}
	for _, id := range s.order {
		e := s.emails[id]
		for _, c := range candidates {
			if c != "" && e.MessageID == c {
				return e.ThreadID, nil
			}
		}
	}
	return ids.Nil, nil
}

// FindEmailsForUser implements store.Port.
func (s *Store) FindEmailsForUser(ctx context.Context, userID ids.ID, offset, limit int) ([]store.EmailSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []store.EmailSummary
	for _, id := range s.order {
		e := s.emails[id]
		for _, r := range e.Recipients {
			if r.UserID != nil && *r.UserID == userID {
				all = append(all, store.EmailSummary{
					ID:              e.ID,
					MessageID:       e.MessageID,
					FromAddress:     e.FromAddress,
					FromDisplayName: e.FromDisplayName,
					Subject:         e.Subject,
					ReceivedAt:      e.ReceivedAt,
					SizeBytes:       e.SizeBytes,
					ThreadID:        e.ThreadID,
					IsRead:          r.IsRead,
				})
				break
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ReceivedAt.Before(all[j].ReceivedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// LoadEmailFull implements store.Port.
func (s *Store) LoadEmailFull(ctx context.Context, emailID ids.ID, requireAccessByUserID *ids.ID) (store.Email, error) {
	if err := ctx.Err(); err != nil {
		return store.Email{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[emailID]
	if !ok {
		return store.Email{}, store.ErrNotFound
	}
	if requireAccessByUserID != nil {
		allowed := e.SentByUserID != nil && *e.SentByUserID == *requireAccessByUserID
		if !allowed {
			for _, r := range e.Recipients {
				if r.UserID != nil && *r.UserID == *requireAccessByUserID {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			return store.Email{}, store.ErrForbidden
		}
	}
	return *e, nil
}

// MarkRead implements store.Port.
func (s *Store) MarkRead(ctx context.Context, emailID, userID ids.ID, read bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[emailID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range e.Recipients {
		if e.Recipients[i].UserID != nil && *e.Recipients[i].UserID == userID {
			e.Recipients[i].IsRead = read
			return nil
		}
	}
	return store.ErrForbidden
}

// DeleteEmail implements store.Port.
func (s *Store) DeleteEmail(ctx context.Context, emailID ids.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[emailID]; !ok {
		return store.ErrNotFound
	}
	delete(s.emails, emailID)
	for i, id := range s.order {
		if id == emailID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// TouchAPIKeyLastUsed implements store.Port.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, keyID ids.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		for i := range u.APIKeys {
			if u.APIKeys[i].ID == keyID {
				now := time.Now()
				u.APIKeys[i].LastUsedAt = &now
				return nil
			}
		}
	}
	return store.ErrNotFound
}

var _ store.Port = (*Store)(nil)
