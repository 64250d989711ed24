package store

import (
	"context"
	"time"

	"chatgate/pkg/problems"
)

// Bounded wraps a Store so every call runs under a deadline. A call that runs out
// of time reports ErrUnavailable instead of hanging.
func Bounded(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &bounded{s: s, d: d}
}

type bounded struct {
	s Store
	d time.Duration
}

func (b *bounded) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.d)
}

func (b *bounded) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return problems.Timeout(b.s.Update(ctx, fn))
}

func (b *bounded) Reap(ctx context.Context, now time.Time) (ReapResult, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	res, err := b.s.Reap(ctx, now)
	return res, problems.Timeout(err)
}

func (b *bounded) Close() { b.s.Close() }

func (b *bounded) Account(ctx context.Context, id string) (Account, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.Account(ctx, id)
	return v, problems.Timeout(err)
}

func (b *bounded) Resource(ctx context.Context, id string) (Resource, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.Resource(ctx, id)
	return v, problems.Timeout(err)
}

func (b *bounded) ResourcesByOwner(ctx context.Context, ownerID string) ([]Resource, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.ResourcesByOwner(ctx, ownerID)
	return v, problems.Timeout(err)
}

func (b *bounded) Organizations(ctx context.Context, ownerID string) ([]Organization, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.Organizations(ctx, ownerID)
	return v, problems.Timeout(err)
}

func (b *bounded) APIKey(ctx context.Context, resourceID string) (APIKey, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.APIKey(ctx, resourceID)
	return v, problems.Timeout(err)
}

func (b *bounded) APIKeyByHash(ctx context.Context, secretHash string) (APIKey, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.APIKeyByHash(ctx, secretHash)
	return v, problems.Timeout(err)
}

func (b *bounded) AuthCode(ctx context.Context, codeHash string) (AuthCode, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.AuthCode(ctx, codeHash)
	return v, problems.Timeout(err)
}

func (b *bounded) Token(ctx context.Context, id string) (TokenRecord, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.Token(ctx, id)
	return v, problems.Timeout(err)
}

func (b *bounded) LedgerByIdempotencyKey(ctx context.Context, accountID, key string) (LedgerEntry, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.LedgerByIdempotencyKey(ctx, accountID, key)
	return v, problems.Timeout(err)
}

func (b *bounded) Ledger(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.Ledger(ctx, accountID, limit)
	return v, problems.Timeout(err)
}

func (b *bounded) Usage(ctx context.Context, accountID string) ([]UsageRow, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	v, err := b.s.Usage(ctx, accountID)
	return v, problems.Timeout(err)
}
