package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatgate/pkg/metrics"
	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

const (
	randomLen = 16
	base36    = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Manager issues and validates the single API key of each resource.
type Manager struct {
	store   store.Store
	log     *zap.SugaredLogger
	metrics *metrics.Registry
	now     func() time.Time
}

func NewManager(st store.Store, log *zap.SugaredLogger, m *metrics.Registry) *Manager {
	return &Manager{store: st, log: log, metrics: m, now: func() time.Time { return time.Now().UTC() }}
}

// Issued is returned once; Secret is not recoverable afterwards.
type Issued struct {
	ResourceID string    `json:"resource_id"`
	Secret     string    `json:"api_key"`
	Prefix     string    `json:"prefix"`
	CreatedAt  time.Time `json:"created_at"`
}

type Status struct {
	HasKey    bool       `json:"has_key"`
	Enabled   bool       `json:"enabled"`
	Prefix    string     `json:"prefix,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Generate replaces the resource's key with a fresh, enabled one. The old secret
// stops validating in the same transaction because its hash leaves the index.
func (m *Manager) Generate(ctx context.Context, resourceID, callerAccountID string) (Issued, error) {
	var out Issued
	err := m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := authorizeOwner(ctx, tx, resourceID, callerAccountID); err != nil {
			return err
		}
		var err error
		out, err = Issue(ctx, tx, resourceID, m.now())
		return err
	})
	if err != nil {
		return Issued{}, err
	}
	m.log.Infow("api key generated", "resource_id", resourceID, "prefix", out.Prefix)
	return out, nil
}

// Issue writes a new key for resourceID inside an existing transaction. Callers
// are responsible for ownership checks.
func Issue(ctx context.Context, tx store.Tx, resourceID string, now time.Time) (Issued, error) {
	secret, prefix, err := newSecret(now)
	if err != nil {
		return Issued{}, err
	}
	created := now
	if old, err := tx.APIKey(ctx, resourceID); err == nil {
		created = old.CreatedAt
	}
	k := store.APIKey{
		ResourceID: resourceID,
		SecretHash: store.HashSecret(secret),
		Prefix:     prefix,
		CreatedAt:  created,
		UpdatedAt:  now,
	}
	if err := tx.PutAPIKey(ctx, k); err != nil {
		return Issued{}, err
	}
	return Issued{ResourceID: resourceID, Secret: secret, Prefix: prefix, CreatedAt: now}, nil
}

func (m *Manager) Disable(ctx context.Context, resourceID, callerAccountID string) error {
	return m.setDisabled(ctx, resourceID, callerAccountID, true)
}

func (m *Manager) Enable(ctx context.Context, resourceID, callerAccountID string) error {
	return m.setDisabled(ctx, resourceID, callerAccountID, false)
}

func (m *Manager) setDisabled(ctx context.Context, resourceID, callerAccountID string, disabled bool) error {
	err := m.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := authorizeOwner(ctx, tx, resourceID, callerAccountID); err != nil {
			return err
		}
		k, err := tx.APIKey(ctx, resourceID)
		if err != nil {
			return problems.Wrap(problems.ErrInvalidState, "resource %s has no key", resourceID)
		}
		if k.Disabled == disabled {
			return nil
		}
		k.Disabled = disabled
		k.UpdatedAt = m.now()
		return tx.PutAPIKey(ctx, k)
	})
	if err == nil {
		m.log.Infow("api key toggled", "resource_id", resourceID, "disabled", disabled)
	}
	return err
}

func (m *Manager) Status(ctx context.Context, resourceID, callerAccountID string) (Status, error) {
	if err := authorizeOwner(ctx, m.store, resourceID, callerAccountID); err != nil {
		return Status{}, err
	}
	k, err := m.store.APIKey(ctx, resourceID)
	if err != nil {
		if errors.Is(err, problems.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, err
	}
	updated := k.UpdatedAt
	return Status{HasKey: true, Enabled: !k.Disabled, Prefix: k.Prefix, UpdatedAt: &updated}, nil
}

// Validate resolves a presented secret to its resource through the hash index.
func (m *Manager) Validate(ctx context.Context, secret string) (string, error) {
	rid, err := m.validate(ctx, secret)
	m.metrics.KeyValidated(err)
	return rid, err
}

func (m *Manager) validate(ctx context.Context, secret string) (string, error) {
	if !wellFormed(secret) {
		return "", problems.Wrap(problems.ErrUnauthorized, "malformed api key")
	}
	k, err := m.store.APIKeyByHash(ctx, store.HashSecret(secret))
	if err != nil {
		if errors.Is(err, problems.ErrNotFound) {
			return "", problems.Wrap(problems.ErrUnauthorized, "unknown api key")
		}
		return "", err
	}
	if k.Disabled {
		return "", problems.Wrap(problems.ErrUnauthorized, "api key disabled")
	}
	return k.ResourceID, nil
}

func authorizeOwner(ctx context.Context, r store.Reader, resourceID, callerAccountID string) error {
	res, err := r.Resource(ctx, resourceID)
	if err != nil {
		return err
	}
	if res.OwnerID != callerAccountID {
		return problems.Wrap(problems.ErrForbidden, "resource %s is not owned by caller", resourceID)
	}
	return nil
}

// newSecret builds tk_<issueEpoch36>_<16 random base36>.
func newSecret(now time.Time) (secret, prefix string, err error) {
	prefix = middleware.KeyPrefix + strconv.FormatInt(now.Unix(), 36) + "_"
	var b strings.Builder
	b.WriteString(prefix)
	limit := big.NewInt(int64(len(base36)))
	for range randomLen {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", "", err
		}
		b.WriteByte(base36[n.Int64()])
	}
	return b.String(), prefix, nil
}

func wellFormed(secret string) bool {
	rest, ok := strings.CutPrefix(secret, middleware.KeyPrefix)
	if !ok {
		return false
	}
	epoch, random, ok := strings.Cut(rest, "_")
	if !ok || epoch == "" || len(random) != randomLen {
		return false
	}
	return isBase36(epoch) && isBase36(random)
}

func isBase36(s string) bool {
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(base36, rune(s[i])) {
			return false
		}
	}
	return true
}
