package metering

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chatgate/pkg/metrics"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// Meter prices usage and keeps balances and the credit ledger consistent.
type Meter struct {
	store   store.Store
	pricing *Pricing
	log     *zap.SugaredLogger
	metrics *metrics.Registry
	now     func() time.Time
}

func NewMeter(st store.Store, pricing *Pricing, log *zap.SugaredLogger, m *metrics.Registry) *Meter {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Meter{store: st, pricing: pricing, log: log, metrics: m, now: func() time.Time { return time.Now().UTC() }}
}

func (m *Meter) Pricing() *Pricing { return m.pricing }

func (m *Meter) Cost(tokensConsumed int64, modelID string) int64 {
	return m.pricing.Cost(tokensConsumed, modelID)
}

// Check rejects before the metered operation runs if the balance cannot cover credits.
func (m *Meter) Check(ctx context.Context, accountID string, credits int64) error {
	if credits < 0 {
		return problems.Wrap(problems.ErrInvalidArgument, "credits must not be negative")
	}
	a, err := m.store.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if credits > a.CreditBalance {
		m.metrics.DebitRejected()
		return problems.Wrap(problems.ErrInsufficientCredits, "balance %d, required %d", a.CreditBalance, credits)
	}
	return nil
}

type DebitRequest struct {
	AccountID      string
	Credits        int64
	TokensConsumed int64
	ModelID        string
	IdempotencyKey string
	Reference      string
}

// Debit decrements the balance and appends exactly one ledger row in one
// transaction. A repeated IdempotencyKey returns the balance recorded by the
// first debit without charging again.
func (m *Meter) Debit(ctx context.Context, req DebitRequest) (int64, error) {
	if req.Credits < 0 || req.TokensConsumed < 0 {
		return 0, problems.Wrap(problems.ErrInvalidArgument, "credits and tokens must not be negative")
	}
	var balance int64
	replayed := false
	err := m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if req.IdempotencyKey != "" {
			if prev, err := tx.LedgerByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey); err == nil {
				balance, replayed = prev.BalanceAfter, true
				return nil
			} else if !errors.Is(err, problems.ErrNotFound) {
				return err
			}
		}
		a, err := tx.Account(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if a.State != store.StateActive {
			return problems.Wrap(problems.ErrInvalidState, "account %s is %s", a.ID, a.State)
		}
		balance, err = tx.AdjustBalance(ctx, req.AccountID, -req.Credits)
		if err != nil {
			return err
		}
		_, err = tx.AppendLedger(ctx, store.LedgerEntry{
			AccountID:      req.AccountID,
			Kind:           store.LedgerDebit,
			TokensConsumed: req.TokensConsumed,
			ModelID:        req.ModelID,
			Credits:        req.Credits,
			BalanceAfter:   balance,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      req.Reference,
			Timestamp:      m.now(),
		})
		return err
	})
	switch {
	case errors.Is(err, problems.ErrInsufficientCredits):
		m.metrics.DebitRejected()
		return 0, err
	case errors.Is(err, problems.ErrConflict) && req.IdempotencyKey != "":
		// A concurrent retry with the same key won the unique index.
		if prev, lerr := m.store.LedgerByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey); lerr == nil {
			return prev.BalanceAfter, nil
		}
		return 0, err
	case err != nil:
		return 0, err
	}
	if !replayed {
		m.metrics.Debited(req.ModelID, req.Credits)
		m.log.Debugw("debit", "account_id", req.AccountID, "credits", req.Credits, "model", req.ModelID, "balance", balance)
	}
	return balance, nil
}

// Grant adds credits (purchases, promotions, starter credits).
func (m *Meter) Grant(ctx context.Context, accountID string, credits int64, reference string) (int64, error) {
	if credits <= 0 {
		return 0, problems.Wrap(problems.ErrInvalidArgument, "grant must be positive")
	}
	var balance int64
	err := m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.Account(ctx, accountID)
		if err != nil {
			return err
		}
		if a.State != store.StateActive {
			return problems.Wrap(problems.ErrInvalidState, "account %s is %s", a.ID, a.State)
		}
		balance, err = GrantTx(ctx, tx, accountID, credits, reference, m.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	m.log.Infow("credits granted", "account_id", accountID, "credits", credits, "reference", reference, "balance", balance)
	return balance, nil
}

// GrantTx credits an account and records the grant inside an existing transaction.
func GrantTx(ctx context.Context, tx store.Tx, accountID string, credits int64, reference string, now time.Time) (int64, error) {
	balance, err := tx.AdjustBalance(ctx, accountID, credits)
	if err != nil {
		return 0, err
	}
	_, err = tx.AppendLedger(ctx, store.LedgerEntry{
		AccountID:    accountID,
		Kind:         store.LedgerGrant,
		Credits:      credits,
		BalanceAfter: balance,
		Reference:    reference,
		Timestamp:    now,
	})
	return balance, err
}

func (m *Meter) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := m.store.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.CreditBalance, nil
}

const maxLedgerPage = 500

// Ledger returns the newest entries first.
func (m *Meter) Ledger(ctx context.Context, accountID string, limit int) ([]store.LedgerEntry, error) {
	if limit <= 0 || limit > maxLedgerPage {
		limit = maxLedgerPage
	}
	return m.store.Ledger(ctx, accountID, limit)
}

// Usage aggregates debits per model; an empty accountID covers every account.
func (m *Meter) Usage(ctx context.Context, accountID string) ([]store.UsageRow, error) {
	return m.store.Usage(ctx, accountID)
}
