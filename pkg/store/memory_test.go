package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/pkg/problems"
)

func seedAccount(t *testing.T, s Store, id string, kind AccountKind, balance int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.Update(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateAccount(ctx, Account{ID: id, Kind: kind, State: StateActive, CreditBalance: balance, CreatedAt: now, UpdatedAt: now})
	}))
}

func TestMemoryUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAccount(t, s, "acct-a", KindDurable, 10)

	boom := errors.New("boom")
	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AdjustBalance(ctx, "acct-a", -5); err != nil {
			return err
		}
		require.NoError(t, tx.PutResource(ctx, Resource{ID: "res-1", OwnerID: "acct-a"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.Account(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.CreditBalance)
	_, err = s.Resource(ctx, "res-1")
	assert.ErrorIs(t, err, problems.ErrNotFound)
}

func TestMemoryUpdateCancelledContextAppliesNothing(t *testing.T) {
	s := NewMemory()
	seedAccount(t, s, "acct-a", KindDurable, 10)

	ctx, cancel := context.WithCancel(context.Background())
	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustBalance(ctx, "acct-a", -5)
		cancel()
		return err
	})
	require.Error(t, err)

	a, _ := s.Account(context.Background(), "acct-a")
	assert.Equal(t, int64(10), a.CreditBalance)
}

func TestMemoryAdjustBalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAccount(t, s, "acct-a", KindDurable, 3)

	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustBalance(ctx, "acct-a", -4)
		return err
	})
	require.ErrorIs(t, err, problems.ErrInsufficientCredits)
	a, _ := s.Account(ctx, "acct-a")
	assert.Equal(t, int64(3), a.CreditBalance)
}

func TestMemoryAPIKeyReplaceDropsOldHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAccount(t, s, "acct-a", KindDurable, 0)
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutResource(ctx, Resource{ID: "res-1", OwnerID: "acct-a"}))
		return tx.PutAPIKey(ctx, APIKey{ResourceID: "res-1", SecretHash: "h1"})
	}))
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutAPIKey(ctx, APIKey{ResourceID: "res-1", SecretHash: "h2"})
	}))

	_, err := s.APIKeyByHash(ctx, "h1")
	assert.ErrorIs(t, err, problems.ErrNotFound)
	k, err := s.APIKeyByHash(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, "res-1", k.ResourceID)
}

func TestMemoryAPIKeyHashIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutAPIKey(ctx, APIKey{ResourceID: "res-1", SecretHash: "same"}))
		return tx.PutAPIKey(ctx, APIKey{ResourceID: "res-2", SecretHash: "same"})
	})
	assert.ErrorIs(t, err, problems.ErrConflict)
}

func TestMemoryDeleteResourceCascadesKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAccount(t, s, "acct-a", KindDurable, 0)
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutResource(ctx, Resource{ID: "res-1", OwnerID: "acct-a"}))
		require.NoError(t, tx.SetDefaultResource(ctx, "acct-a", "res-1"))
		return tx.PutAPIKey(ctx, APIKey{ResourceID: "res-1", SecretHash: "h1"})
	}))
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error { return tx.DeleteResource(ctx, "res-1") }))

	_, err := s.APIKeyByHash(ctx, "h1")
	assert.ErrorIs(t, err, problems.ErrNotFound)
	a, _ := s.Account(ctx, "acct-a")
	assert.Empty(t, a.DefaultResourceID)
}

func TestMemoryTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedAccount(t, s, "shadow_1", KindShadow, 0)

	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.TransitionAccount(ctx, "shadow_1", StateActive, StateMigrated, "acct-a")
	}))
	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.TransitionAccount(ctx, "shadow_1", StateActive, StateMigrated, "acct-b")
	})
	assert.ErrorIs(t, err, problems.ErrConflict)

	a, _ := s.Account(ctx, "shadow_1")
	assert.Equal(t, "acct-a", a.MigratedTo)
}

func TestMemoryLedgerIdempotencyAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AppendLedger(ctx, LedgerEntry{AccountID: "a", Kind: LedgerGrant, Credits: 5})
		require.NoError(t, err)
		_, err = tx.AppendLedger(ctx, LedgerEntry{AccountID: "a", Kind: LedgerDebit, Credits: 2, ModelID: "gpt-4o", TokensConsumed: 100, IdempotencyKey: "k1"})
		return err
	}))
	err := s.Update(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AppendLedger(ctx, LedgerEntry{AccountID: "a", Kind: LedgerDebit, Credits: 2, IdempotencyKey: "k1"})
		return err
	})
	assert.ErrorIs(t, err, problems.ErrConflict)

	entries, err := s.Ledger(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, LedgerDebit, entries[0].Kind, "newest first")

	usage, err := s.Usage(ctx, "")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, UsageRow{ModelID: "gpt-4o", Requests: 1, Tokens: 100, Credits: 2}, usage[0])
}

func TestMemoryReap(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()
	require.NoError(t, s.Update(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.CreateAuthCode(ctx, AuthCode{Hash: "old", ExpiresAt: now.Add(-time.Minute)}))
		require.NoError(t, tx.CreateAuthCode(ctx, AuthCode{Hash: "new", ExpiresAt: now.Add(time.Minute)}))
		return tx.CreateToken(ctx, TokenRecord{ID: "t1", ExpiresAt: now.Add(-time.Second)})
	}))
	res, err := s.Reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{Codes: 1, Tokens: 1}, res)
	_, err = s.AuthCode(ctx, "new")
	assert.NoError(t, err)
}

func TestBoundedMapsDeadlineToUnavailable(t *testing.T) {
	s := Bounded(NewMemory(), time.Millisecond)
	err := s.Update(context.Background(), func(ctx context.Context, tx Tx) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, problems.ErrUnavailable)
}

func TestBoundedDeadlineReachesQueriesInsideUpdate(t *testing.T) {
	s := Bounded(NewMemory(), 20*time.Millisecond)
	start := time.Now()
	err := s.Update(context.Background(), func(ctx context.Context, tx Tx) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		// a query that stalls until its context gives up
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, problems.ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsShadowID(t *testing.T) {
	assert.True(t, IsShadowID("shadow_abc"))
	assert.False(t, IsShadowID("shadow_"))
	assert.False(t, IsShadowID("user_abc"))
}
