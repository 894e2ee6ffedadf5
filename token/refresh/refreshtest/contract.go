// Package refreshtest holds the behavioural contract every refresh.Repo must satisfy.
package refreshtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-authority/token/refresh"
)

// NewRepoFunc returns an empty repository for one sub-test.
type NewRepoFunc func(t *testing.T) refresh.Repo

var baseTime = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func record(id, account string, ttl time.Duration) *refresh.Record {
	return &refresh.Record{
		TokenID:   id,
		AccountID: account,
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(ttl),
	}
}

// RunRepoContract exercises newRepo against the refresh.Repo contract.
func RunRepoContract(t *testing.T, newRepo NewRepoFunc) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		got, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "a1", got.AccountID)
		require.False(t, got.Revoked)
		require.True(t, got.ExpiresAt.Equal(baseTime.Add(time.Hour)))

		_, err = repo.Get(ctx, "missing")
		require.ErrorIs(t, err, refresh.ErrNotFound)
	})

	t.Run("consume is single use", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		got, err := repo.Consume(ctx, "t1", baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, "a1", got.AccountID)
		require.False(t, got.Revoked)

		_, err = repo.Consume(ctx, "t1", baseTime.Add(time.Minute))
		require.ErrorIs(t, err, refresh.ErrRevoked)

		stored, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.True(t, stored.Revoked)
	})

	t.Run("consume rejects unknown and expired", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		_, err := repo.Consume(ctx, "missing", baseTime)
		require.ErrorIs(t, err, refresh.ErrNotFound)

		_, err = repo.Consume(ctx, "t1", baseTime.Add(time.Hour))
		require.ErrorIs(t, err, refresh.ErrExpired)
	})

	t.Run("concurrent consume has exactly one winner", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		const workers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			revoked   int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Consume(ctx, "t1", baseTime)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, refresh.ErrRevoked):
					revoked++
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, successes)
		require.Equal(t, workers-1, revoked)
	})

	t.Run("rotate replaces the record in one step", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		got, err := repo.Rotate(ctx, "t1", record("t2", "a1", 2*time.Hour), baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, "t1", got.TokenID)
		require.False(t, got.Revoked)

		old, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.True(t, old.Revoked)
		next, err := repo.Get(ctx, "t2")
		require.NoError(t, err)
		require.False(t, next.Revoked)
		require.True(t, next.ExpiresAt.Equal(baseTime.Add(2*time.Hour)))

		records, err := repo.ListByAccount(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, records, 2)
	})

	t.Run("rotate failures change nothing", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))
		require.NoError(t, repo.Create(ctx, record("gone", "a1", time.Hour)))
		require.NoError(t, repo.Revoke(ctx, "gone"))

		_, err := repo.Rotate(ctx, "t1", record("x1", "a2", time.Hour), baseTime)
		require.ErrorIs(t, err, refresh.ErrOwnerMismatch)
		_, err = repo.Rotate(ctx, "missing", record("x2", "a1", time.Hour), baseTime)
		require.ErrorIs(t, err, refresh.ErrNotFound)
		_, err = repo.Rotate(ctx, "gone", record("x3", "a1", time.Hour), baseTime)
		require.ErrorIs(t, err, refresh.ErrRevoked)
		_, err = repo.Rotate(ctx, "t1", record("x4", "a1", time.Hour), baseTime.Add(time.Hour))
		require.ErrorIs(t, err, refresh.ErrExpired)

		for _, id := range []string{"x1", "x2", "x3", "x4"} {
			_, err := repo.Get(ctx, id)
			require.ErrorIs(t, err, refresh.ErrNotFound, id)
		}
		stored, err := repo.Get(ctx, "t1")
		require.NoError(t, err)
		require.False(t, stored.Revoked)
	})

	t.Run("rotate and revoke all never leave a live record", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))
		_, err := repo.RevokeAll(ctx, "a1")
		require.NoError(t, err)
		_, err = repo.Rotate(ctx, "t1", record("t2", "a1", time.Hour), baseTime)
		require.ErrorIs(t, err, refresh.ErrRevoked)

		require.NoError(t, repo.Create(ctx, record("t3", "a1", time.Hour)))
		_, err = repo.Rotate(ctx, "t3", record("t4", "a1", time.Hour), baseTime)
		require.NoError(t, err)
		n, err := repo.RevokeAll(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		records, err := repo.ListByAccount(ctx, "a1")
		require.NoError(t, err)
		for _, r := range records {
			require.True(t, r.Revoked, r.TokenID)
		}
	})

	t.Run("concurrent rotate has exactly one winner", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		const workers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Rotate(ctx, "t1", record(fmt.Sprintf("next-%d", i), "a1", time.Hour), baseTime)
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, 1, successes)

		records, err := repo.ListByAccount(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, records, 2)
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("t1", "a1", time.Hour)))

		require.NoError(t, repo.Revoke(ctx, "t1"))
		require.NoError(t, repo.Revoke(ctx, "t1"))
		require.NoError(t, repo.Revoke(ctx, "unknown"))

		_, err := repo.Consume(ctx, "t1", baseTime)
		require.ErrorIs(t, err, refresh.ErrRevoked)
	})

	t.Run("revoke all only touches the account", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.Create(ctx, record(fmt.Sprintf("a1-%d", i), "a1", time.Hour)))
		}
		require.NoError(t, repo.Create(ctx, record("a2-0", "a2", time.Hour)))
		require.NoError(t, repo.Revoke(ctx, "a1-0"))

		n, err := repo.RevokeAll(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		records, err := repo.ListByAccount(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, records, 3)
		for _, r := range records {
			require.True(t, r.Revoked)
		}

		other, err := repo.Get(ctx, "a2-0")
		require.NoError(t, err)
		require.False(t, other.Revoked)

		n, err = repo.RevokeAll(ctx, "nobody")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("sweep removes expired regardless of revoked flag", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, record("short", "a1", time.Minute)))
		require.NoError(t, repo.Create(ctx, record("short-revoked", "a1", time.Minute)))
		require.NoError(t, repo.Create(ctx, record("long", "a1", time.Hour)))
		require.NoError(t, repo.Revoke(ctx, "short-revoked"))

		n, err := repo.Sweep(ctx, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		_, err = repo.Get(ctx, "short")
		require.ErrorIs(t, err, refresh.ErrNotFound)
		_, err = repo.Get(ctx, "short-revoked")
		require.ErrorIs(t, err, refresh.ErrNotFound)
		_, err = repo.Get(ctx, "long")
		require.NoError(t, err)

		records, err := repo.ListByAccount(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, records, 1)
	})

	t.Run("sweep keeps records inserted after its cutoff", func(t *testing.T) {
		repo := newRepo(t)
		cutoff := baseTime.Add(time.Minute)

		late := record("late", "a1", time.Hour)
		late.CreatedAt = cutoff.Add(time.Second)
		late.ExpiresAt = late.CreatedAt.Add(time.Hour)
		require.NoError(t, repo.Create(ctx, late))

		n, err := repo.Sweep(ctx, cutoff)
		require.NoError(t, err)
		require.Zero(t, n)

		_, err = repo.Get(ctx, "late")
		require.NoError(t, err)
	})
}
