package store

import (
	"context"
	"time"
)

// Reader holds the read side of the credential store. Lookups by id and by secondary
// key (secret hash, idempotency key) never scan.
type Reader interface {
	Account(ctx context.Context, id string) (Account, error)
	Resource(ctx context.Context, id string) (Resource, error)
	ResourcesByOwner(ctx context.Context, ownerID string) ([]Resource, error)
	Organizations(ctx context.Context, ownerID string) ([]Organization, error)
	APIKey(ctx context.Context, resourceID string) (APIKey, error)
	APIKeyByHash(ctx context.Context, secretHash string) (APIKey, error)
	AuthCode(ctx context.Context, codeHash string) (AuthCode, error)
	Token(ctx context.Context, id string) (TokenRecord, error)
	LedgerByIdempotencyKey(ctx context.Context, accountID, key string) (LedgerEntry, error)
	Ledger(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
	// Usage sums debits per model; an empty accountID covers every account.
	Usage(ctx context.Context, accountID string) ([]UsageRow, error)
}

// Tx is the mutation side, only reachable inside Store.Update. Conditional writes
// (Transition*, AdjustBalance) fail instead of overwriting a state they did not expect.
type Tx interface {
	Reader

	// CreateAccount fails with ErrConflict if the id exists.
	CreateAccount(ctx context.Context, a Account) error
	// TransitionAccount moves id from state `from` to `to`; ErrConflict if the
	// current state is not `from`.
	TransitionAccount(ctx context.Context, id string, from, to AccountState, migratedTo string) error
	SetDefaultResource(ctx context.Context, accountID, resourceID string) error
	// AdjustBalance adds delta and returns the new balance. A result below zero
	// fails with ErrInsufficientCredits and leaves the balance unchanged.
	AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error)

	PutResource(ctx context.Context, r Resource) error
	// DeleteResource removes the resource and its key.
	DeleteResource(ctx context.Context, id string) error
	// ReparentResources moves every resource of `from` to `to` and returns the moved ids.
	ReparentResources(ctx context.Context, from, to string) ([]string, error)

	PutOrganization(ctx context.Context, o Organization) error
	ReparentOrganizations(ctx context.Context, from, to string) (int, error)

	// PutAPIKey replaces the key row of k.ResourceID. A secret hash already used by
	// another row fails with ErrConflict.
	PutAPIKey(ctx context.Context, k APIKey) error

	CreateAuthCode(ctx context.Context, c AuthCode) error
	// TransitionAuthCode moves a code from `from` to `to`; ErrConflict if it already left `from`.
	TransitionAuthCode(ctx context.Context, codeHash string, from, to CodeState, tokenID string) error

	CreateToken(ctx context.Context, t TokenRecord) error
	RevokeToken(ctx context.Context, id string) error
	// RevokeAccountTokens revokes every live token of the account and returns their ids.
	RevokeAccountTokens(ctx context.Context, accountID string) ([]string, error)

	// AppendLedger stores e and returns its id. A duplicate (account, idempotency key)
	// fails with ErrConflict.
	AppendLedger(ctx context.Context, e LedgerEntry) (int64, error)
}

// Store is the transactional credential store shared by every service instance.
type Store interface {
	Reader
	// Update runs fn in one transaction. Any error from fn, or a cancelled context,
	// discards every write fn made. fn must issue its queries with the ctx it is
	// handed, which carries the store deadline.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Reap deletes codes and tokens that expired before now.
	Reap(ctx context.Context, now time.Time) (ReapResult, error)
	Close()
}
