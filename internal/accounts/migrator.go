package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatgate/internal/keys"
	"chatgate/internal/metering"
	"chatgate/internal/resources"
	"chatgate/pkg/apps"
	"chatgate/pkg/metrics"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// TokenEvictor drops revoked token records from any cache in front of the store.
type TokenEvictor interface {
	Evict(ctx context.Context, tokenIDs []string)
}

// Migrator owns the account lifecycle: durable sign-up, shadow provisioning and
// the one-shot merge of a shadow account into a durable one.
type Migrator struct {
	store          store.Store
	apps           apps.Provider
	evictor        TokenEvictor
	log            *zap.SugaredLogger
	metrics        *metrics.Registry
	starterCredits int64
	now            func() time.Time
}

func NewMigrator(st store.Store, ap apps.Provider, ev TokenEvictor, starterCredits int64, log *zap.SugaredLogger, m *metrics.Registry) *Migrator {
	return &Migrator{
		store: st, apps: ap, evictor: ev, log: log, metrics: m,
		starterCredits: starterCredits,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type MigrationReport struct {
	ShadowAccountID string `json:"shadow_account_id"`
	TargetAccountID string `json:"target_account_id"`
	Resources       int    `json:"resources"`
	Organizations   int    `json:"organizations"`
	APIKeys         int    `json:"api_keys"`
	CreditsMoved    int64  `json:"credits_moved"`
	RevokedTokens   int    `json:"revoked_tokens"`
}

// Migrate moves everything the shadow account owns to target in one
// transaction and tombstones the shadow. Merge is additive: resources keep
// their visibility and organizations keep their names, duplicates included.
func (m *Migrator) Migrate(ctx context.Context, shadowAccountID, targetAccountID string) (MigrationReport, error) {
	rep, revoked, err := m.migrate(ctx, shadowAccountID, targetAccountID)
	m.metrics.Migrated(err)
	if err != nil {
		return MigrationReport{}, err
	}
	if m.evictor != nil && len(revoked) > 0 {
		m.evictor.Evict(ctx, revoked)
	}
	m.log.Infow("shadow account migrated",
		"shadow_account_id", rep.ShadowAccountID, "target_account_id", rep.TargetAccountID,
		"resources", rep.Resources, "organizations", rep.Organizations, "api_keys", rep.APIKeys,
		"credits_moved", rep.CreditsMoved, "revoked_tokens", rep.RevokedTokens)
	return rep, nil
}

func (m *Migrator) migrate(ctx context.Context, shadowID, targetID string) (MigrationReport, []string, error) {
	if !store.IsShadowID(shadowID) {
		return MigrationReport{}, nil, problems.Wrap(problems.ErrInvalidArgument, "%q is not a shadow account id", shadowID)
	}
	if targetID == "" || strings.HasPrefix(targetID, store.ShadowPrefix) {
		return MigrationReport{}, nil, problems.Wrap(problems.ErrUnauthorized, "migration target must be a durable account")
	}
	rep := MigrationReport{ShadowAccountID: shadowID, TargetAccountID: targetID}
	var revoked []string
	err := m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		target, err := tx.Account(ctx, targetID)
		if errors.Is(err, problems.ErrNotFound) {
			return problems.Wrap(problems.ErrUnauthorized, "target account %s does not exist", targetID)
		}
		if err != nil {
			return err
		}
		if target.Kind != store.KindDurable || target.State != store.StateActive {
			return problems.Wrap(problems.ErrUnauthorized, "target account %s is not an active durable account", targetID)
		}
		shadow, err := tx.Account(ctx, shadowID)
		if err != nil {
			return err
		}
		if shadow.State != store.StateActive {
			return problems.Wrap(problems.ErrAlreadyMigrated, "shadow account %s is %s", shadowID, shadow.State)
		}
		if err := tx.TransitionAccount(ctx, shadowID, store.StateActive, store.StateMigrated, targetID); err != nil {
			return err
		}

		moved, err := tx.ReparentResources(ctx, shadowID, targetID)
		if err != nil {
			return err
		}
		rep.Resources = len(moved)
		for _, rid := range moved {
			if _, err := tx.APIKey(ctx, rid); err == nil {
				rep.APIKeys++
			}
		}
		if rep.Organizations, err = tx.ReparentOrganizations(ctx, shadowID, targetID); err != nil {
			return err
		}

		if credits := shadow.CreditBalance; credits > 0 {
			now := m.now()
			out, err := tx.AdjustBalance(ctx, shadowID, -credits)
			if err != nil {
				return err
			}
			if _, err := tx.AppendLedger(ctx, store.LedgerEntry{
				AccountID: shadowID, Kind: store.LedgerTransferOut, Credits: credits,
				BalanceAfter: out, Reference: targetID, Timestamp: now,
			}); err != nil {
				return err
			}
			in, err := tx.AdjustBalance(ctx, targetID, credits)
			if err != nil {
				return err
			}
			if _, err := tx.AppendLedger(ctx, store.LedgerEntry{
				AccountID: targetID, Kind: store.LedgerTransferIn, Credits: credits,
				BalanceAfter: in, Reference: shadowID, Timestamp: now,
			}); err != nil {
				return err
			}
			rep.CreditsMoved = credits
		}

		if revoked, err = tx.RevokeAccountTokens(ctx, shadowID); err != nil {
			return err
		}
		rep.RevokedTokens = len(revoked)

		// Fill the target's default only when it has none.
		if target.DefaultResourceID == "" && shadow.DefaultResourceID != "" {
			if err := tx.SetDefaultResource(ctx, targetID, shadow.DefaultResourceID); err != nil {
				return err
			}
		}
		if err := tx.SetDefaultResource(ctx, shadowID, ""); err != nil {
			return err
		}
		return tx.TransitionAccount(ctx, shadowID, store.StateMigrated, store.StateTombstoned, "")
	})
	if err != nil {
		return MigrationReport{}, nil, err
	}
	return rep, revoked, nil
}

type Provisioned struct {
	AccountID  string `json:"account_id"`
	ResourceID string `json:"resource_id"`
	APIKey     string `json:"api_key"`
	Credits    int64  `json:"credits"`
}

// ProvisionShadow creates a shadow account for an app's end user, with starter
// credits, a default workspace and that workspace's key.
func (m *Migrator) ProvisionShadow(ctx context.Context, appCredential string) (Provisioned, error) {
	app, err := m.apps.ResolveCredential(ctx, appCredential)
	if err != nil {
		return Provisioned{}, err
	}
	id := NewShadowID()
	var out Provisioned
	err = m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		now := m.now()
		if err := CreateShadow(ctx, tx, id, m.starterCredits, "starter:"+app.ID, now); err != nil {
			return err
		}
		res, err := resources.EnsureDefault(ctx, tx, id, now)
		if err != nil {
			return err
		}
		key, err := keys.Issue(ctx, tx, res.ID, now)
		if err != nil {
			return err
		}
		out = Provisioned{AccountID: id, ResourceID: res.ID, APIKey: key.Secret, Credits: m.starterCredits}
		return nil
	})
	if err != nil {
		return Provisioned{}, err
	}
	m.log.Infow("shadow account provisioned", "account_id", id, "app_id", app.ID, "credits", m.starterCredits)
	return out, nil
}

func NewShadowID() string {
	return store.ShadowPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateShadow inserts an active shadow account inside tx and grants credits.
func CreateShadow(ctx context.Context, tx store.Tx, id string, credits int64, reference string, now time.Time) error {
	if !store.IsShadowID(id) {
		return problems.Wrap(problems.ErrInvalidArgument, "%q is not a shadow account id", id)
	}
	if err := tx.CreateAccount(ctx, store.Account{ID: id, Kind: store.KindShadow, State: store.StateActive, CreatedAt: now, UpdatedAt: now}); err != nil {
		return err
	}
	if credits > 0 {
		_, err := metering.GrantTx(ctx, tx, id, credits, reference, now)
		return err
	}
	return nil
}

// EnsureDurable returns the durable account for an identity-provider id,
// creating it on first sign-up.
func (m *Migrator) EnsureDurable(ctx context.Context, accountID string) (store.Account, error) {
	if accountID == "" || strings.HasPrefix(accountID, store.ShadowPrefix) {
		return store.Account{}, problems.Wrap(problems.ErrUnauthorized, "not a durable account id")
	}
	a, err := m.store.Account(ctx, accountID)
	if errors.Is(err, problems.ErrNotFound) {
		now := m.now()
		a = store.Account{ID: accountID, Kind: store.KindDurable, State: store.StateActive, CreatedAt: now, UpdatedAt: now}
		err = m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error { return tx.CreateAccount(ctx, a) })
		if errors.Is(err, problems.ErrConflict) {
			// Lost a sign-up race; the winner's row is as good as ours.
			a, err = m.store.Account(ctx, accountID)
		} else if err == nil {
			m.log.Infow("account created", "account_id", accountID)
		}
	}
	if err != nil {
		return store.Account{}, err
	}
	if a.Kind != store.KindDurable || a.State != store.StateActive {
		return store.Account{}, problems.Wrap(problems.ErrUnauthorized, "account %s is %s", accountID, a.State)
	}
	return a, nil
}

func (m *Migrator) Get(ctx context.Context, accountID string) (store.Account, error) {
	return m.store.Account(ctx, accountID)
}
