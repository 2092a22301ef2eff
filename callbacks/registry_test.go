package callbacks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st := store.NewMemoryStore(store.DefaultConfig())
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, nil)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	added, err := reg.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(Defaults), added)

	added, err = reg.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "Logging Callback", all[0].Name)
	assert.Equal(t, "Security Callback", all[3].Name)
}

func TestRegisterValidation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Record{Implementation: "logging", Type: BeforeAgent})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = reg.Register(ctx, Record{Name: "x", Implementation: "logging", Type: "DURING"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	rec, err := reg.Register(ctx, Record{Name: "x", Implementation: "logging", Type: "after_agent"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, AfterAgent, rec.Type)

	_, err = reg.Register(ctx, *rec)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))
}

func TestByTypeUpdateDelete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.SeedDefaults(ctx)
	require.NoError(t, err)

	after, err := reg.ByType(ctx, AfterAgent)
	require.NoError(t, err)
	assert.Empty(t, after)

	rec, err := reg.Get(ctx, "logging-callback")
	require.NoError(t, err)
	rec.Type = AfterAgent
	updated, err := reg.Update(ctx, "logging-callback", *rec)
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, updated.CreatedAt)

	after, err = reg.ByType(ctx, AfterAgent)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "logging-callback", after[0].ID)

	_, err = reg.Update(ctx, "missing", *rec)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	ok, err := reg.Delete(ctx, "logging-callback")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reg.Delete(ctx, "logging-callback")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reg.Get(ctx, "logging-callback")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestBuildOrdersByPriority(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.SeedDefaults(ctx)
	require.NoError(t, err)
	_, err = reg.Register(ctx, Record{ID: "ghost", Name: "Ghost", Implementation: "nope", Type: BeforeAgent})
	require.NoError(t, err)
	_, err = reg.Register(ctx, Record{ID: "off", Name: "Off", Implementation: ImplLogging, Type: AfterAgent, Disabled: true})
	require.NoError(t, err)

	catalog, builtins, err := NewBuiltinCatalog(Deps{})
	require.NoError(t, err)
	assert.Equal(t, []string{"logging", "metrics", "rate-limit", "security"}, catalog.Names())

	records, err := reg.List(ctx)
	require.NoError(t, err)
	chains, err := Build(records, catalog, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	assert.Equal(t, []string{ImplSecurity, ImplRateLimit, ImplLogging, ImplMetrics}, chains.Before.Names())
	assert.Zero(t, chains.After.Len())

	assert.Nil(t, chains.Before.Run(ctx, beforeCtx("hello")))
	assert.Equal(t, int64(1), builtins.Metrics.Snapshot().Total)

	rep := chains.Before.Run(ctx, beforeCtx("<script>x</script>"))
	require.NotNil(t, rep)
	assert.Equal(t, ImplSecurity, rep.Author)
	assert.Equal(t, int64(1), builtins.Metrics.Snapshot().Total)
}
