package metering

import (
	"context"
	"os"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/pkg/logger"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

func TestCost(t *testing.T) {
	p := DefaultPricing()
	assert.Equal(t, int64(1), p.Cost(1000, "gpt-4o-mini"))
	assert.Equal(t, int64(15), p.Cost(1000, "gpt-4o"))
	assert.Equal(t, int64(1), p.Cost(500, "unknown-model"))
	assert.Equal(t, int64(1), p.Cost(1, "gpt-4o-mini"))
	assert.Equal(t, int64(2), p.Cost(1001, "gpt-4o-mini"))
	assert.Equal(t, int64(1), p.Cost(2000, "gpt-4.1-nano"))
	assert.Equal(t, int64(2), p.Cost(2001, "gpt-4.1-nano"))
	assert.Equal(t, int64(0), p.Cost(0, "gpt-4o"))
	assert.Equal(t, int64(0), p.Cost(-10, "gpt-4o"))
	assert.Equal(t, 1.0, p.Multiplier("unknown-model"))
}

func TestCostDoesNotOverflow(t *testing.T) {
	p := DefaultPricing()
	got := p.Cost(1<<62, "claude-3-5-sonnet")
	assert.Greater(t, got, int64(1<<62)/1000)
}

func TestLoadPricingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: 2\nmodels:\n  gpt-4o: 10\n  my-model: 3.25\n"), 0o600))
	p, err := LoadPricing(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Cost(1000, "gpt-4o"))
	assert.Equal(t, int64(4), p.Cost(1000, "my-model"))
	assert.Equal(t, int64(1), p.Cost(1000, "gpt-4o-mini"), "untouched default entry")
	assert.Equal(t, int64(2), p.Cost(1000, "other"))

	require.NoError(t, os.WriteFile(path, []byte("models:\n  bad: -1\n"), 0o600))
	_, err = LoadPricing(path)
	assert.Error(t, err)
}

func newMeter(t *testing.T, balance int64) (*Meter, store.Store) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, store.Account{ID: "acct", Kind: store.KindDurable, State: store.StateActive, CreditBalance: balance, CreatedAt: now, UpdatedAt: now})
	}))
	return NewMeter(st, nil, logger.Nop(), nil), st
}

func TestDebitOverBalanceLeavesBalance(t *testing.T) {
	m, _ := newMeter(t, 10)
	ctx := context.Background()

	assert.ErrorIs(t, m.Check(ctx, "acct", 11), problems.ErrInsufficientCredits)
	_, err := m.Debit(ctx, DebitRequest{AccountID: "acct", Credits: 11, ModelID: "gpt-4o"})
	assert.ErrorIs(t, err, problems.ErrInsufficientCredits)

	bal, err := m.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
	entries, err := m.Ledger(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDebitAppendsExactlyOneRow(t *testing.T) {
	m, _ := newMeter(t, 10)
	ctx := context.Background()

	bal, err := m.Debit(ctx, DebitRequest{AccountID: "acct", Credits: 4, TokensConsumed: 300, ModelID: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), bal)

	entries, err := m.Ledger(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.LedgerDebit, entries[0].Kind)
	assert.Equal(t, int64(4), entries[0].Credits)
	assert.Equal(t, int64(6), entries[0].BalanceAfter)

	bal, err = m.Debit(ctx, DebitRequest{AccountID: "acct", Credits: 6})
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal, "debiting the whole balance is allowed")
}

func TestDebitIdempotencyKey(t *testing.T) {
	m, _ := newMeter(t, 10)
	ctx := context.Background()
	req := DebitRequest{AccountID: "acct", Credits: 3, ModelID: "gpt-4o-mini", IdempotencyKey: "req-1"}

	first, err := m.Debit(ctx, req)
	require.NoError(t, err)
	again, err := m.Debit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	bal, _ := m.Balance(ctx, "acct")
	assert.Equal(t, int64(7), bal)
	entries, _ := m.Ledger(ctx, "acct", 0)
	assert.Len(t, entries, 1)
}

func TestDebitRejectsNegative(t *testing.T) {
	m, _ := newMeter(t, 10)
	_, err := m.Debit(context.Background(), DebitRequest{AccountID: "acct", Credits: -1})
	assert.ErrorIs(t, err, problems.ErrInvalidArgument)
}

func TestGrantAndUsage(t *testing.T) {
	m, _ := newMeter(t, 0)
	ctx := context.Background()

	bal, err := m.Grant(ctx, "acct", 50, "promo")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
	_, err = m.Grant(ctx, "acct", 0, "nothing")
	assert.ErrorIs(t, err, problems.ErrInvalidArgument)

	_, err = m.Debit(ctx, DebitRequest{AccountID: "acct", Credits: m.Cost(2000, "gpt-4o"), TokensConsumed: 2000, ModelID: "gpt-4o"})
	require.NoError(t, err)
	usage, err := m.Usage(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, store.UsageRow{ModelID: "gpt-4o", Requests: 1, Tokens: 2000, Credits: 30}, usage[0])

	bal, _ = m.Balance(ctx, "acct")
	assert.Equal(t, int64(20), bal)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	m, _ := newMeter(t, 10)
	ctx := context.Background()

	const attempts = 25
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Debit(ctx, DebitRequest{AccountID: "acct", Credits: 1, ModelID: "gpt-4o", IdempotencyKey: fmt.Sprintf("req-%d", i)})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, problems.ErrInsufficientCredits), "%v", err)
	}
	assert.Equal(t, 10, wins)

	bal, err := m.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
	entries, err := m.Ledger(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Len(t, entries, wins, "one ledger row per successful debit")
}

func TestConcurrentRetriesOfOneDebitChargeOnce(t *testing.T) {
	m, _ := newMeter(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	balances := make([]int64, 8)
	for i := range balances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bal, err := m.Debit(ctx, DebitRequest{AccountID: "acct", Credits: 3, ModelID: "gpt-4o", IdempotencyKey: "retry"})
			assert.NoError(t, err)
			balances[i] = bal
		}()
	}
	wg.Wait()

	for _, b := range balances {
		assert.Equal(t, int64(7), b)
	}
	entries, err := m.Ledger(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
