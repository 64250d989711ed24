// pkg/apps/postgres.go
package apps

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// pgProvider implements Provider backed by PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresProvider constructs a PostgreSQL-backed app registry.
func NewPostgresProvider(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates the apps table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS apps (
  id text PRIMARY KEY,
  name text NOT NULL,
  secret_hash text NOT NULL,
  redirect_uris text[] NOT NULL DEFAULT '{}',
  allowed_capabilities text[] NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

// Seed upserts APP_SEED_JSON entries so dev credentials survive restarts.
func Seed(ctx context.Context, dbPool *pgxpool.Pool, entries []SeedEntry) error {
	for _, e := range entries {
		_, err := dbPool.Exec(ctx, `INSERT INTO apps(id,name,secret_hash,redirect_uris,allowed_capabilities)
		  VALUES ($1,$2,$3,$4,$5)
		  ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name,secret_hash=EXCLUDED.secret_hash,redirect_uris=EXCLUDED.redirect_uris,allowed_capabilities=EXCLUDED.allowed_capabilities`,
			e.ID, e.Name, store.HashSecret(e.Secret), e.RedirectURIs, e.Capabilities)
		if err != nil {
			return err
		}
	}
	return nil
}

const appColumns = `id,name,secret_hash,redirect_uris,allowed_capabilities,created_at`

func scanApp(row pgx.Row) (App, error) {
	var a App
	err := row.Scan(&a.ID, &a.Name, &a.SecretHash, &a.RedirectURIs, &a.AllowedCapabilities, &a.CreatedAt)
	return a, err
}

func (p *pgProvider) ResolveCredential(ctx context.Context, credential string) (App, error) {
	id, secret, err := ParseCredential(credential)
	if err != nil {
		return App{}, err
	}
	a, err := scanApp(p.dbPool.QueryRow(ctx, `SELECT `+appColumns+` FROM apps WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !matches(a, secret)) {
		return App{}, problems.Wrap(problems.ErrUnauthorized, "unknown app credential")
	}
	if err != nil {
		return App{}, problems.Timeout(err)
	}
	return a, nil
}

func (p *pgProvider) Get(ctx context.Context, id string) (App, error) {
	a, err := scanApp(p.dbPool.QueryRow(ctx, `SELECT `+appColumns+` FROM apps WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return App{}, problems.Wrap(problems.ErrNotFound, "app %s", id)
	}
	return a, problems.Timeout(err)
}

func (p *pgProvider) List(ctx context.Context) ([]App, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT `+appColumns+` FROM apps ORDER BY id`)
	if err != nil {
		return nil, problems.Timeout(err)
	}
	defer rows.Close()
	out := []App{}
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *pgProvider) Register(ctx context.Context, name string, redirectURIs, capabilities []string) (Registered, error) {
	if err := validateRegistration(name, redirectURIs, capabilities); err != nil {
		return Registered{}, err
	}
	secret, err := newSecret()
	if err != nil {
		return Registered{}, err
	}
	a := App{
		ID: newAppID(), Name: name, SecretHash: store.HashSecret(secret),
		RedirectURIs: slices.Clone(redirectURIs), AllowedCapabilities: slices.Clone(capabilities),
		CreatedAt: time.Now().UTC(),
	}
	_, err = p.dbPool.Exec(ctx, `INSERT INTO apps(id,name,secret_hash,redirect_uris,allowed_capabilities,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.Name, a.SecretHash, a.RedirectURIs, a.AllowedCapabilities, a.CreatedAt)
	if err != nil {
		return Registered{}, problems.Timeout(err)
	}
	p.log.Infow("app registered", "app_id", a.ID, "name", a.Name)
	return Registered{App: a, Credential: FormatCredential(a.ID, secret)}, nil
}

func (p *pgProvider) Delete(ctx context.Context, id string) error {
	tag, err := p.dbPool.Exec(ctx, `DELETE FROM apps WHERE id=$1`, id)
	if err != nil {
		return problems.Timeout(err)
	}
	if tag.RowsAffected() == 0 {
		return problems.Wrap(problems.ErrNotFound, "app %s", id)
	}
	return nil
}
