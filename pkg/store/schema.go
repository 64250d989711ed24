package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the credential tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
	id text PRIMARY KEY,
	kind text NOT NULL CHECK (kind IN ('durable','shadow')),
	state text NOT NULL DEFAULT 'active' CHECK (state IN ('active','migrated','tombstoned')),
	credit_balance bigint NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
	default_resource_id text,
	migrated_to text,
	created_at timestamptz NOT NULL DEFAULT NOW(),
	updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS resources (
	id text PRIMARY KEY,
	owner_id text NOT NULL REFERENCES accounts(id),
	title text NOT NULL DEFAULT '',
	visibility text NOT NULL DEFAULT 'private' CHECK (visibility IN ('private','public')),
	created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS resources_owner_idx ON resources(owner_id);
CREATE TABLE IF NOT EXISTS organizations (
	id text PRIMARY KEY,
	owner_id text NOT NULL REFERENCES accounts(id),
	name text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS organizations_owner_idx ON organizations(owner_id);
-- One row per resource; the unique secret_hash index is the O(1) validate path.
CREATE TABLE IF NOT EXISTS api_keys (
	resource_id text PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
	secret_hash text NOT NULL,
	prefix text NOT NULL,
	disabled boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT NOW(),
	updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS api_keys_secret_hash_idx ON api_keys(secret_hash);
CREATE TABLE IF NOT EXISTS auth_codes (
	code_hash text PRIMARY KEY,
	app_id text NOT NULL,
	account_id text NOT NULL,
	resource_id text,
	capabilities text[] NOT NULL DEFAULT '{}',
	redirect_uri text NOT NULL,
	state text NOT NULL CHECK (state IN ('code_issued','exchanged','expired','rejected')),
	token_id text,
	issued_at timestamptz NOT NULL,
	expires_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS auth_codes_expires_idx ON auth_codes(expires_at);
CREATE TABLE IF NOT EXISTS scoped_tokens (
	id text PRIMARY KEY,
	app_id text NOT NULL,
	account_id text NOT NULL,
	resource_id text NOT NULL,
	capabilities text[] NOT NULL DEFAULT '{}',
	issued_at timestamptz NOT NULL,
	expires_at timestamptz NOT NULL,
	revoked boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS scoped_tokens_account_idx ON scoped_tokens(account_id);
CREATE INDEX IF NOT EXISTS scoped_tokens_expires_idx ON scoped_tokens(expires_at);
CREATE TABLE IF NOT EXISTS credit_ledger (
	id BIGSERIAL PRIMARY KEY,
	account_id text NOT NULL REFERENCES accounts(id),
	kind text NOT NULL CHECK (kind IN ('debit','grant','transfer_in','transfer_out')),
	tokens_consumed bigint NOT NULL DEFAULT 0,
	model_id text,
	credits bigint NOT NULL CHECK (credits >= 0),
	balance_after bigint NOT NULL,
	idempotency_key text,
	reference text,
	ts timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS credit_ledger_account_idx ON credit_ledger(account_id, id DESC);
CREATE UNIQUE INDEX IF NOT EXISTS credit_ledger_idem_idx ON credit_ledger(account_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
`)
	return err
}
