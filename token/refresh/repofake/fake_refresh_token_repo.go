// Package refreshrepofake keeps refresh records in process memory. Sessions do not survive
// a restart and are not shared between processes; use redisstore for that.
package refreshrepofake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-authority/token/refresh"
)

var _ refresh.Repo = (*FakeRefreshTokenRepo)(nil)

type FakeRefreshTokenRepo struct {
	tokens     map[string]*refresh.Record
	accountIDs map[string]map[string]struct{} // account id to token ids
	lock       sync.RWMutex
}

func NewFakeRefreshTokenRepo() *FakeRefreshTokenRepo {
	return &FakeRefreshTokenRepo{
		tokens:     make(map[string]*refresh.Record),
		accountIDs: make(map[string]map[string]struct{}),
	}
}

func (tr *FakeRefreshTokenRepo) Create(_ context.Context, record *refresh.Record) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()

	tr.createLocked(record)
	return nil
}

// createLocked must be called with the write lock held.
func (tr *FakeRefreshTokenRepo) createLocked(record *refresh.Record) {
	rec := *record
	tr.tokens[rec.TokenID] = &rec
	ids, ok := tr.accountIDs[rec.AccountID]
	if !ok {
		ids = make(map[string]struct{})
		tr.accountIDs[rec.AccountID] = ids
	}
	ids[rec.TokenID] = struct{}{}
}

func (tr *FakeRefreshTokenRepo) Get(_ context.Context, tokenID string) (*refresh.Record, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()

	rec, ok := tr.tokens[tokenID]
	if !ok {
		return nil, refresh.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (tr *FakeRefreshTokenRepo) Consume(_ context.Context, tokenID string, now time.Time) (*refresh.Record, error) {
	tr.lock.Lock()
	defer tr.lock.Unlock()

	return tr.consumeLocked(tokenID, now)
}

func (tr *FakeRefreshTokenRepo) Rotate(_ context.Context, tokenID string, next *refresh.Record, now time.Time) (*refresh.Record, error) {
	tr.lock.Lock()
	defer tr.lock.Unlock()

	if rec, ok := tr.tokens[tokenID]; ok && rec.AccountID != next.AccountID {
		return nil, refresh.ErrOwnerMismatch
	}
	before, err := tr.consumeLocked(tokenID, now)
	if err != nil {
		return nil, err
	}
	tr.createLocked(next)
	return before, nil
}

// consumeLocked must be called with the write lock held.
func (tr *FakeRefreshTokenRepo) consumeLocked(tokenID string, now time.Time) (*refresh.Record, error) {
	rec, ok := tr.tokens[tokenID]
	if !ok {
		return nil, refresh.ErrNotFound
	}
	switch rec.State(now) {
	case refresh.StateRevoked:
		return nil, refresh.ErrRevoked
	case refresh.StateExpired:
		return nil, refresh.ErrExpired
	}
	before := *rec
	rec.Revoked = true
	return &before, nil
}

func (tr *FakeRefreshTokenRepo) Revoke(_ context.Context, tokenID string) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()

	if rec, ok := tr.tokens[tokenID]; ok {
		rec.Revoked = true
	}
	return nil
}

func (tr *FakeRefreshTokenRepo) RevokeAll(_ context.Context, accountID string) (int, error) {
	tr.lock.Lock()
	defer tr.lock.Unlock()

	count := 0
	for id := range tr.accountIDs[accountID] {
		if rec, ok := tr.tokens[id]; ok && !rec.Revoked {
			rec.Revoked = true
			count++
		}
	}
	return count, nil
}

// Sweep only removes records expired at now. Records created after the caller captured
// now carry a later expiry and survive.
func (tr *FakeRefreshTokenRepo) Sweep(_ context.Context, now time.Time) (int, error) {
	tr.lock.Lock()
	defer tr.lock.Unlock()

	removed := 0
	for id, rec := range tr.tokens {
		if now.Before(rec.ExpiresAt) {
			continue
		}
		delete(tr.tokens, id)
		if ids, ok := tr.accountIDs[rec.AccountID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(tr.accountIDs, rec.AccountID)
			}
		}
		removed++
	}
	return removed, nil
}

func (tr *FakeRefreshTokenRepo) ListByAccount(_ context.Context, accountID string) ([]*refresh.Record, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()

	records := make([]*refresh.Record, 0, len(tr.accountIDs[accountID]))
	for id := range tr.accountIDs[accountID] {
		if rec, ok := tr.tokens[id]; ok {
			cp := *rec
			records = append(records, &cp)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}
