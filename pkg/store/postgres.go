package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatgate/pkg/problems"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on PostgreSQL. Update runs SERIALIZABLE so
// read-then-write sequences inside one fn cannot interleave with another instance.
type Postgres struct {
	Reader
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgres constructs a PostgreSQL-backed credential store.
func NewPostgres(dbPool *pgxpool.Pool, log *zap.SugaredLogger) *Postgres {
	return &Postgres{Reader: &pgConn{q: dbPool}, dbPool: dbPool, log: log}
}

func (p *Postgres) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := pgx.BeginTxFunc(ctx, p.dbPool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(ctx, &pgConn{q: tx})
	})
	if err != nil {
		return mapErr(err, "transaction")
	}
	return nil
}

func (p *Postgres) Reap(ctx context.Context, now time.Time) (ReapResult, error) {
	var res ReapResult
	tag, err := p.dbPool.Exec(ctx, `DELETE FROM auth_codes WHERE expires_at < $1`, now)
	if err != nil {
		return res, mapErr(err, "reap codes")
	}
	res.Codes = tag.RowsAffected()
	tag, err = p.dbPool.Exec(ctx, `DELETE FROM scoped_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return res, mapErr(err, "reap tokens")
	}
	res.Tokens = tag.RowsAffected()
	return res, nil
}

func (p *Postgres) Close() { p.dbPool.Close() }

// mapErr turns driver errors into problem categories.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return problems.Wrap(problems.ErrNotFound, "%s", what)
	}
	// Already categorized by a conditional write inside the transaction.
	for _, c := range []error{problems.ErrNotFound, problems.ErrConflict, problems.ErrInsufficientCredits,
		problems.ErrInvalidGrant, problems.ErrInvalidState, problems.ErrAlreadyMigrated, problems.ErrUnauthorized,
		problems.ErrForbidden, problems.ErrInvalidArgument, problems.ErrUnavailable} {
		if errors.Is(err, c) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: %s", problems.ErrConflict, what, pgErr.Detail)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s: concurrent update", problems.ErrConflict, what)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return problems.Timeout(err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type pgConn struct {
	q querier
}

const accountCols = `id, kind, state, credit_balance, COALESCE(default_resource_id,''), COALESCE(migrated_to,''), created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var kind, state string
	err := row.Scan(&a.ID, &kind, &state, &a.CreditBalance, &a.DefaultResourceID, &a.MigratedTo, &a.CreatedAt, &a.UpdatedAt)
	a.Kind, a.State = AccountKind(kind), AccountState(state)
	return a, err
}

func (c *pgConn) Account(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(c.q.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		return Account{}, mapErr(err, "account "+id)
	}
	return a, nil
}

func (c *pgConn) Resource(ctx context.Context, id string) (Resource, error) {
	var r Resource
	var vis string
	err := c.q.QueryRow(ctx, `SELECT id, owner_id, title, visibility, created_at FROM resources WHERE id=$1`, id).
		Scan(&r.ID, &r.OwnerID, &r.Title, &vis, &r.CreatedAt)
	if err != nil {
		return Resource{}, mapErr(err, "resource "+id)
	}
	r.Visibility = Visibility(vis)
	return r, nil
}

func (c *pgConn) ResourcesByOwner(ctx context.Context, ownerID string) ([]Resource, error) {
	rows, err := c.q.Query(ctx, `SELECT id, owner_id, title, visibility, created_at FROM resources WHERE owner_id=$1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, mapErr(err, "list resources")
	}
	defer rows.Close()
	out := []Resource{}
	for rows.Next() {
		var r Resource
		var vis string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &vis, &r.CreatedAt); err != nil {
			return nil, mapErr(err, "scan resource")
		}
		r.Visibility = Visibility(vis)
		out = append(out, r)
	}
	return out, mapErr(rows.Err(), "list resources")
}

func (c *pgConn) Organizations(ctx context.Context, ownerID string) ([]Organization, error) {
	rows, err := c.q.Query(ctx, `SELECT id, owner_id, name, created_at FROM organizations WHERE owner_id=$1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, mapErr(err, "list organizations")
	}
	defer rows.Close()
	out := []Organization{}
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.Name, &o.CreatedAt); err != nil {
			return nil, mapErr(err, "scan organization")
		}
		out = append(out, o)
	}
	return out, mapErr(rows.Err(), "list organizations")
}

const keyCols = `resource_id, secret_hash, prefix, disabled, created_at, updated_at`

func scanKey(row pgx.Row) (APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ResourceID, &k.SecretHash, &k.Prefix, &k.Disabled, &k.CreatedAt, &k.UpdatedAt)
	return k, err
}

func (c *pgConn) APIKey(ctx context.Context, resourceID string) (APIKey, error) {
	k, err := scanKey(c.q.QueryRow(ctx, `SELECT `+keyCols+` FROM api_keys WHERE resource_id=$1`, resourceID))
	if err != nil {
		return APIKey{}, mapErr(err, "api key for resource "+resourceID)
	}
	return k, nil
}

func (c *pgConn) APIKeyByHash(ctx context.Context, secretHash string) (APIKey, error) {
	k, err := scanKey(c.q.QueryRow(ctx, `SELECT `+keyCols+` FROM api_keys WHERE secret_hash=$1`, secretHash))
	if err != nil {
		return APIKey{}, mapErr(err, "api key")
	}
	return k, nil
}

func (c *pgConn) AuthCode(ctx context.Context, codeHash string) (AuthCode, error) {
	var ac AuthCode
	var state string
	err := c.q.QueryRow(ctx, `
		SELECT code_hash, app_id, account_id, COALESCE(resource_id,''), capabilities, redirect_uri, state, COALESCE(token_id,''), issued_at, expires_at
		FROM auth_codes WHERE code_hash=$1`, codeHash).
		Scan(&ac.Hash, &ac.AppID, &ac.AccountID, &ac.ResourceID, &ac.Capabilities, &ac.RedirectURI, &state, &ac.TokenID, &ac.IssuedAt, &ac.ExpiresAt)
	if err != nil {
		return AuthCode{}, mapErr(err, "authorization code")
	}
	ac.State = CodeState(state)
	return ac, nil
}

func (c *pgConn) Token(ctx context.Context, id string) (TokenRecord, error) {
	var t TokenRecord
	err := c.q.QueryRow(ctx, `
		SELECT id, app_id, account_id, resource_id, capabilities, issued_at, expires_at, revoked
		FROM scoped_tokens WHERE id=$1`, id).
		Scan(&t.ID, &t.AppID, &t.AccountID, &t.ResourceID, &t.Capabilities, &t.IssuedAt, &t.ExpiresAt, &t.Revoked)
	if err != nil {
		return TokenRecord{}, mapErr(err, "token "+id)
	}
	return t, nil
}

const ledgerCols = `id, account_id, kind, tokens_consumed, COALESCE(model_id,''), credits, balance_after, COALESCE(idempotency_key,''), COALESCE(reference,''), ts`

func scanLedger(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	var kind string
	err := row.Scan(&e.ID, &e.AccountID, &kind, &e.TokensConsumed, &e.ModelID, &e.Credits, &e.BalanceAfter, &e.IdempotencyKey, &e.Reference, &e.Timestamp)
	e.Kind = LedgerKind(kind)
	return e, err
}

func (c *pgConn) LedgerByIdempotencyKey(ctx context.Context, accountID, key string) (LedgerEntry, error) {
	e, err := scanLedger(c.q.QueryRow(ctx, `SELECT `+ledgerCols+` FROM credit_ledger WHERE account_id=$1 AND idempotency_key=$2`, accountID, key))
	if err != nil {
		return LedgerEntry{}, mapErr(err, "ledger entry "+key)
	}
	return e, nil
}

func (c *pgConn) Ledger(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.q.Query(ctx, `SELECT `+ledgerCols+` FROM credit_ledger WHERE account_id=$1 ORDER BY id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, mapErr(err, "ledger")
	}
	defer rows.Close()
	out := []LedgerEntry{}
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, mapErr(err, "scan ledger")
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err(), "ledger")
}

func (c *pgConn) Usage(ctx context.Context, accountID string) ([]UsageRow, error) {
	rows, err := c.q.Query(ctx, `
		SELECT COALESCE(model_id,''), COUNT(*), COALESCE(SUM(tokens_consumed),0), COALESCE(SUM(credits),0)
		FROM credit_ledger
		WHERE kind='debit' AND ($1 = '' OR account_id = $1)
		GROUP BY 1 ORDER BY 1`, accountID)
	if err != nil {
		return nil, mapErr(err, "usage")
	}
	defer rows.Close()
	out := []UsageRow{}
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.ModelID, &u.Requests, &u.Tokens, &u.Credits); err != nil {
			return nil, mapErr(err, "scan usage")
		}
		out = append(out, u)
	}
	return out, mapErr(rows.Err(), "usage")
}

// ----- Tx -----

func (c *pgConn) CreateAccount(ctx context.Context, a Account) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO accounts(id, kind, state, credit_balance, default_resource_id, migrated_to, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8)`,
		a.ID, string(a.Kind), string(a.State), a.CreditBalance, a.DefaultResourceID, a.MigratedTo, a.CreatedAt, a.UpdatedAt)
	return mapErr(err, "create account "+a.ID)
}

func (c *pgConn) TransitionAccount(ctx context.Context, id string, from, to AccountState, migratedTo string) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE accounts SET state=$3, migrated_to=COALESCE(NULLIF($4,''), migrated_to), updated_at=NOW()
		WHERE id=$1 AND state=$2`, id, string(from), string(to), migratedTo)
	if err != nil {
		return mapErr(err, "transition account "+id)
	}
	if tag.RowsAffected() == 0 {
		return problems.Wrap(problems.ErrConflict, "account %s is not %s", id, from)
	}
	return nil
}

func (c *pgConn) SetDefaultResource(ctx context.Context, accountID, resourceID string) error {
	tag, err := c.q.Exec(ctx, `UPDATE accounts SET default_resource_id=NULLIF($2,''), updated_at=NOW() WHERE id=$1`, accountID, resourceID)
	if err != nil {
		return mapErr(err, "set default resource")
	}
	if tag.RowsAffected() == 0 {
		return problems.Wrap(problems.ErrNotFound, "account %s", accountID)
	}
	return nil
}

func (c *pgConn) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	var bal int64
	err := c.q.QueryRow(ctx, `
		UPDATE accounts SET credit_balance = credit_balance + $2, updated_at=NOW()
		WHERE id=$1 AND credit_balance + $2 >= 0
		RETURNING credit_balance`, accountID, delta).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		a, aerr := c.Account(ctx, accountID)
		if aerr != nil {
			return 0, aerr
		}
		return a.CreditBalance, problems.Wrap(problems.ErrInsufficientCredits, "balance %d, requested %d", a.CreditBalance, -delta)
	}
	if err != nil {
		return 0, mapErr(err, "adjust balance")
	}
	return bal, nil
}

func (c *pgConn) PutResource(ctx context.Context, r Resource) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO resources(id, owner_id, title, visibility, created_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET owner_id=EXCLUDED.owner_id, title=EXCLUDED.title, visibility=EXCLUDED.visibility`,
		r.ID, r.OwnerID, r.Title, string(r.Visibility), r.CreatedAt)
	return mapErr(err, "put resource "+r.ID)
}

func (c *pgConn) DeleteResource(ctx context.Context, id string) error {
	// api_keys cascades through the foreign key.
	if _, err := c.q.Exec(ctx, `UPDATE accounts SET default_resource_id=NULL WHERE default_resource_id=$1`, id); err != nil {
		return mapErr(err, "clear default resource")
	}
	tag, err := c.q.Exec(ctx, `DELETE FROM resources WHERE id=$1`, id)
	if err != nil {
		return mapErr(err, "delete resource "+id)
	}
	if tag.RowsAffected() == 0 {
		return problems.Wrap(problems.ErrNotFound, "resource %s", id)
	}
	return nil
}

func (c *pgConn) ReparentResources(ctx context.Context, from, to string) ([]string, error) {
	rows, err := c.q.Query(ctx, `UPDATE resources SET owner_id=$2 WHERE owner_id=$1 RETURNING id`, from, to)
	if err != nil {
		return nil, mapErr(err, "reparent resources")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(err, "reparent resources")
		}
		ids = append(ids, id)
	}
	return ids, mapErr(rows.Err(), "reparent resources")
}

func (c *pgConn) PutOrganization(ctx context.Context, o Organization) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO organizations(id, owner_id, name, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET owner_id=EXCLUDED.owner_id, name=EXCLUDED.name`,
		o.ID, o.OwnerID, o.Name, o.CreatedAt)
	return mapErr(err, "put organization "+o.ID)
}

func (c *pgConn) ReparentOrganizations(ctx context.Context, from, to string) (int, error) {
	tag, err := c.q.Exec(ctx, `UPDATE organizations SET owner_id=$2 WHERE owner_id=$1`, from, to)
	if err != nil {
		return 0, mapErr(err, "reparent organizations")
	}
	return int(tag.RowsAffected()), nil
}

func (c *pgConn) PutAPIKey(ctx context.Context, k APIKey) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO api_keys(resource_id, secret_hash, prefix, disabled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (resource_id) DO UPDATE SET
		  secret_hash=EXCLUDED.secret_hash, prefix=EXCLUDED.prefix, disabled=EXCLUDED.disabled,
		  created_at=EXCLUDED.created_at, updated_at=EXCLUDED.updated_at`,
		k.ResourceID, k.SecretHash, k.Prefix, k.Disabled, k.CreatedAt, k.UpdatedAt)
	return mapErr(err, "put api key")
}

func (c *pgConn) CreateAuthCode(ctx context.Context, ac AuthCode) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO auth_codes(code_hash, app_id, account_id, resource_id, capabilities, redirect_uri, state, issued_at, expires_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)`,
		ac.Hash, ac.AppID, ac.AccountID, ac.ResourceID, ac.Capabilities, ac.RedirectURI, string(ac.State), ac.IssuedAt, ac.ExpiresAt)
	return mapErr(err, "create authorization code")
}

func (c *pgConn) TransitionAuthCode(ctx context.Context, codeHash string, from, to CodeState, tokenID string) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE auth_codes SET state=$3, token_id=COALESCE(NULLIF($4,''), token_id)
		WHERE code_hash=$1 AND state=$2`, codeHash, string(from), string(to), tokenID)
	if err != nil {
		return mapErr(err, "transition authorization code")
	}
	if tag.RowsAffected() == 0 {
		return problems.Wrap(problems.ErrConflict, "authorization code is not %s", from)
	}
	return nil
}

func (c *pgConn) CreateToken(ctx context.Context, t TokenRecord) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO scoped_tokens(id, app_id, account_id, resource_id, capabilities, issued_at, expires_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.AppID, t.AccountID, t.ResourceID, t.Capabilities, t.IssuedAt, t.ExpiresAt, t.Revoked)
	return mapErr(err, "create token")
}

func (c *pgConn) RevokeToken(ctx context.Context, id string) error {
	tag, err := c.q.Exec(ctx, `UPDATE scoped_tokens SET revoked=true WHERE id=$1`, id)
	if err != nil {
		return mapErr(err, "revoke token")
	}
	if tag.RowsAffected() == 0 {
		return problems.Wrap(problems.ErrNotFound, "token %s", id)
	}
	return nil
}

func (c *pgConn) RevokeAccountTokens(ctx context.Context, accountID string) ([]string, error) {
	rows, err := c.q.Query(ctx, `UPDATE scoped_tokens SET revoked=true WHERE account_id=$1 AND NOT revoked RETURNING id`, accountID)
	if err != nil {
		return nil, mapErr(err, "revoke account tokens")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(err, "revoke account tokens")
		}
		ids = append(ids, id)
	}
	return ids, mapErr(rows.Err(), "revoke account tokens")
}

func (c *pgConn) AppendLedger(ctx context.Context, e LedgerEntry) (int64, error) {
	var id int64
	err := c.q.QueryRow(ctx, `
		INSERT INTO credit_ledger(account_id, kind, tokens_consumed, model_id, credits, balance_after, idempotency_key, reference, ts)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,NULLIF($7,''),NULLIF($8,''),$9)
		RETURNING id`,
		e.AccountID, string(e.Kind), e.TokensConsumed, e.ModelID, e.Credits, e.BalanceAfter, e.IdempotencyKey, e.Reference, e.Timestamp).Scan(&id)
	if err != nil {
		return 0, mapErr(err, "append ledger")
	}
	return id, nil
}
