package apps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/pkg/logger"
	"chatgate/pkg/problems"
)

func TestParseCredential(t *testing.T) {
	id, secret, err := ParseCredential("app_abc.s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "s3cr3t", secret)

	for _, bad := range []string{"", "abc.s3cr3t", "app_abc", "app_.x", "app_abc."} {
		_, _, err := ParseCredential(bad)
		assert.ErrorIs(t, err, problems.ErrUnauthorized, bad)
	}
}

func TestMemoryProviderSeedAndResolve(t *testing.T) {
	seed, err := ParseSeed(`[{"id":"demo","name":"Demo","secret":"pw","redirect_uris":["https://demo.test/cb"],"capabilities":["chat:read"]}]`)
	require.NoError(t, err)
	p := NewMemoryProvider(logger.Nop(), seed)
	ctx := context.Background()

	a, err := p.ResolveCredential(ctx, "app_demo.pw")
	require.NoError(t, err)
	assert.Equal(t, "Demo", a.Name)
	assert.True(t, a.AllowsRedirect("https://demo.test/cb"))
	assert.False(t, a.AllowsRedirect("https://demo.test/cb/"))

	_, err = p.ResolveCredential(ctx, "app_demo.wrong")
	assert.ErrorIs(t, err, problems.ErrUnauthorized)
	_, err = p.ResolveCredential(ctx, "app_nobody.pw")
	assert.ErrorIs(t, err, problems.ErrUnauthorized)
}

func TestMemoryProviderRegisterDelete(t *testing.T) {
	p := NewMemoryProvider(logger.Nop(), nil)
	ctx := context.Background()

	_, err := p.Register(ctx, "", []string{"https://x/cb"}, []string{"chat:read"})
	assert.ErrorIs(t, err, problems.ErrInvalidArgument)

	reg, err := p.Register(ctx, "X", []string{"https://x/cb"}, []string{"chat:read"})
	require.NoError(t, err)
	a, err := p.ResolveCredential(ctx, reg.Credential)
	require.NoError(t, err)
	assert.Equal(t, reg.App.ID, a.ID)

	list, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, p.Delete(ctx, a.ID))
	_, err = p.ResolveCredential(ctx, reg.Credential)
	assert.ErrorIs(t, err, problems.ErrUnauthorized)
	assert.ErrorIs(t, p.Delete(ctx, a.ID), problems.ErrNotFound)
}

func TestParseSeedRejectsGarbage(t *testing.T) {
	_, err := ParseSeed("{not json")
	assert.ErrorIs(t, err, problems.ErrInvalidArgument)
}
