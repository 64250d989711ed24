package resources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/pkg/logger"
	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"acct-a", "acct-b"} {
			if err := tx.CreateAccount(ctx, store.Account{ID: id, Kind: store.KindDurable, State: store.StateActive, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	}))
	return NewService(st, logger.Nop()), st
}

func TestCreateSetsDefault(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "acct-a", "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, first.Title)
	assert.Equal(t, store.Private, first.Visibility)
	_, err = s.Create(ctx, "acct-a", "Second", store.Public)
	require.NoError(t, err)

	a, _ := st.Account(ctx, "acct-a")
	assert.Equal(t, first.ID, a.DefaultResourceID)
	list, err := s.List(ctx, "acct-a")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOwnershipChecks(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	r, err := s.Create(ctx, "acct-a", "Mine", store.Private)
	require.NoError(t, err)

	_, err = s.Get(ctx, r.ID, "acct-b")
	assert.ErrorIs(t, err, problems.ErrForbidden)
	assert.ErrorIs(t, s.Delete(ctx, r.ID, "acct-b"), problems.ErrForbidden)
	_, err = s.SetVisibility(ctx, r.ID, "acct-b", store.Public)
	assert.ErrorIs(t, err, problems.ErrForbidden)

	_, err = s.SetVisibility(ctx, r.ID, "acct-a", store.Public)
	require.NoError(t, err)
	got, err := s.Get(ctx, r.ID, "acct-b")
	require.NoError(t, err, "public resources are readable")
	assert.Equal(t, store.Public, got.Visibility)

	require.NoError(t, s.Delete(ctx, r.ID, "acct-a"))
	_, err = s.Get(ctx, r.ID, "acct-a")
	assert.ErrorIs(t, err, problems.ErrNotFound)
}

func TestEnsureDefaultIsStable(t *testing.T) {
	_, st := newService(t)
	ctx := context.Background()
	var first, second store.Resource
	require.NoError(t, st.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		first, err = EnsureDefault(ctx, tx, "acct-b", time.Now())
		if err != nil {
			return err
		}
		second, err = EnsureDefault(ctx, tx, "acct-b", time.Now())
		return err
	}))
	assert.Equal(t, first.ID, second.ID)
}

func TestOrganizations(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	_, err := s.CreateOrganization(ctx, "acct-a", "  ")
	assert.ErrorIs(t, err, problems.ErrInvalidArgument)
	o, err := s.CreateOrganization(ctx, "acct-a", "Acme")
	require.NoError(t, err)
	orgs, err := s.Organizations(ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, []store.Organization{o}, orgs)
}

func TestParseVisibility(t *testing.T) {
	v, err := ParseVisibility("PUBLIC")
	require.NoError(t, err)
	assert.Equal(t, store.Public, v)
	_, err = ParseVisibility("secret")
	assert.ErrorIs(t, err, problems.ErrInvalidArgument)
}
