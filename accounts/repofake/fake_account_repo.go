// Package fakeaccountrepo is an in-memory credential store. State lives only in the
// process, so it suits tests and single-process deployments.
package fakeaccountrepo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-authority/accounts"
)

var _ accounts.Repo = (*FakeAccountRepo)(nil)

type FakeAccountRepo struct {
	accounts    map[string]*accounts.Account
	emailIds    map[string]string // active email to account id
	externalIds map[string]string // external id to account id
	lock        sync.RWMutex
}

func NewFakeAccountRepo() *FakeAccountRepo {
	return &FakeAccountRepo{
		accounts:    make(map[string]*accounts.Account),
		emailIds:    make(map[string]string),
		externalIds: make(map[string]string),
	}
}

func (ar *FakeAccountRepo) Create(_ context.Context, account *accounts.Account) error {
	ar.lock.Lock()
	defer ar.lock.Unlock()

	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if err := ar.checkUnique(account); err != nil {
		return err
	}
	account.Version = 1
	ar.store(account)
	return nil
}

func (ar *FakeAccountRepo) Update(_ context.Context, account *accounts.Account) error {
	ar.lock.Lock()
	defer ar.lock.Unlock()

	existing, ok := ar.accounts[account.ID]
	if !ok {
		return accounts.ErrNotFound
	}
	if existing.Version != account.Version {
		return accounts.ErrVersionConflict
	}
	if err := ar.checkUnique(account); err != nil {
		return err
	}

	if id, ok := ar.emailIds[existing.Email]; ok && id == existing.ID {
		delete(ar.emailIds, existing.Email)
	}
	if existing.ExternalID != "" {
		delete(ar.externalIds, existing.ExternalID)
	}
	account.Version = existing.Version + 1
	ar.store(account)
	return nil
}

func (ar *FakeAccountRepo) GetByID(_ context.Context, id string) (*accounts.Account, error) {
	ar.lock.RLock()
	defer ar.lock.RUnlock()

	a, ok := ar.accounts[id]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	return a.Clone(), nil
}

func (ar *FakeAccountRepo) GetByEmail(_ context.Context, email string) (*accounts.Account, error) {
	ar.lock.RLock()
	defer ar.lock.RUnlock()

	email = accounts.NormalizeEmail(email)
	if id, ok := ar.emailIds[email]; ok {
		return ar.accounts[id].Clone(), nil
	}

	var latest *accounts.Account
	for _, a := range ar.accounts {
		if a.Email != email {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, accounts.ErrNotFound
	}
	return latest.Clone(), nil
}

func (ar *FakeAccountRepo) GetByExternalID(_ context.Context, externalID string) (*accounts.Account, error) {
	ar.lock.RLock()
	defer ar.lock.RUnlock()

	id, ok := ar.externalIds[externalID]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	return ar.accounts[id].Clone(), nil
}

func (ar *FakeAccountRepo) SetLastLogin(_ context.Context, id string, at time.Time) error {
	ar.lock.Lock()
	defer ar.lock.Unlock()

	a, ok := ar.accounts[id]
	if !ok {
		return accounts.ErrNotFound
	}
	a.LastLogin = at
	a.Version++
	return nil
}

func (ar *FakeAccountRepo) SetPasswordHash(_ context.Context, id, hash string, at time.Time) error {
	ar.lock.Lock()
	defer ar.lock.Unlock()

	a, ok := ar.accounts[id]
	if !ok {
		return accounts.ErrNotFound
	}
	a.PasswordHash = hash
	a.UpdatedAt = at
	a.Version++
	return nil
}

// checkUnique must be called with the write lock held.
func (ar *FakeAccountRepo) checkUnique(account *accounts.Account) error {
	if account.Active {
		if id, ok := ar.emailIds[account.Email]; ok && id != account.ID {
			return accounts.ErrEmailTaken
		}
	}
	if account.ExternalID != "" {
		if id, ok := ar.externalIds[account.ExternalID]; ok && id != account.ID {
			return accounts.ErrExternalIDTaken
		}
	}
	return nil
}

// store must be called with the write lock held.
func (ar *FakeAccountRepo) store(account *accounts.Account) {
	stored := account.Clone()
	ar.accounts[stored.ID] = stored
	if stored.Active {
		ar.emailIds[stored.Email] = stored.ID
	}
	if stored.ExternalID != "" {
		ar.externalIds[stored.ExternalID] = stored.ID
	}
}
