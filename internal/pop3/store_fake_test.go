package pop3

import (
	"context"
	"errors"

	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/store"
)

// fakeStore is a minimal in-memory store.Port used across the pop3 test
// files; it only implements the behavior the POP3 engine actually
// exercises (no threading, no attachments).
type fakeStore struct {
	users     map[string]store.User
	emails    map[ids.ID]store.Email
	summaries map[ids.ID][]store.EmailSummary
	deleted   map[ids.ID]bool
	reads     map[ids.ID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]store.User),
		emails:    make(map[ids.ID]store.Email),
		summaries: make(map[ids.ID][]store.EmailSummary),
		deleted:   make(map[ids.ID]bool),
		reads:     make(map[ids.ID]bool),
	}
}

func (f *fakeStore) addUser(u store.User) {
	f.users[u.PrimaryAddress] = u
}

func (f *fakeStore) addEmail(userID ids.ID, e store.Email) {
	f.emails[e.ID] = e
	f.summaries[userID] = append(f.summaries[userID], store.EmailSummary{
		ID:              e.ID,
		MessageID:       e.MessageID,
		FromAddress:     e.FromAddress,
		FromDisplayName: e.FromDisplayName,
		Subject:         e.Subject,
		ReceivedAt:      e.ReceivedAt,
		SizeBytes:       e.SizeBytes,
	})
}

func (f *fakeStore) FindEmailsForUser(ctx context.Context, userID ids.ID, offset, limit int) ([]store.EmailSummary, error) {
	all := f.summaries[userID]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (f *fakeStore) LoadEmailFull(ctx context.Context, emailID ids.ID, requireAccessByUserID *ids.ID) (store.Email, error) {
	e, ok := f.emails[emailID]
	if !ok || f.deleted[emailID] {
		return store.Email{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, emailID, userID ids.ID, read bool) error {
	f.reads[emailID] = read
	return nil
}

func (f *fakeStore) DeleteEmail(ctx context.Context, emailID ids.ID) error {
	f.deleted[emailID] = true
	return nil
}

func (f *fakeStore) StoreIncomingEmail(ctx context.Context, email store.Email, sentByUserID *ids.ID) (ids.ID, error) {
	return ids.Nil, errors.New("not implemented")
}

func (f *fakeStore) FindUserByAddress(ctx context.Context, address string, withKeys bool) (*store.User, error) {
	u, ok := f.users[address]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeStore) FindThreadBySourceHeaders(ctx context.Context, inReplyTo string, references []string) (ids.ID, error) {
	return ids.Nil, nil
}

func (f *fakeStore) TouchAPIKeyLastUsed(ctx context.Context, keyID ids.ID) error {
	return nil
}
