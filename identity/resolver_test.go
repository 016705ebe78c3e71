package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/store/memstore"
)

const ownerKey = "owner-1"

func newTestResolver(t *testing.T, store *memstore.IdentityStore, optFns ...func(o *Options)) *Resolver {
	t.Helper()
	r, err := NewResolver(ownerKey, store, optFns...)
	require.NoError(t, err)
	return r
}

func TestResolver_OwnerAndExternal(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, memstore.NewIdentityStore())

	owner, err := r.Resolve(ctx, ownerKey, "Boss")
	require.NoError(t, err)
	assert.Equal(t, core.RoleOwner, owner.Role)
	assert.True(t, owner.IsOwner())

	ext, err := r.Resolve(ctx, "u-42", "Ann")
	require.NoError(t, err)
	assert.Equal(t, core.RoleExternal, ext.Role)
	assert.Equal(t, "Ann", ext.Name())
}

func TestResolver_MalformedPrincipal(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, memstore.NewIdentityStore())

	for _, raw := range []string{"", "   ", "two words"} {
		_, err := r.Resolve(ctx, raw, "")
		require.ErrorIs(t, err, core.ErrInvalidIdentity, "raw=%q", raw)
	}
}

func TestResolver_UpsertRecordsLastSeen(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewIdentityStore()
	r := newTestResolver(t, store)

	_, err := r.Resolve(ctx, "u-42", "Ann")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "u-42")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Ann", rec.DisplayName)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestResolver_BannedExternalRejected(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewIdentityStore()
	r := newTestResolver(t, store)

	_, err := r.Resolve(ctx, "u-42", "Ann")
	require.NoError(t, err)
	store.SetBanned("u-42", true)

	_, err = r.Resolve(ctx, "u-42", "Ann")
	require.ErrorIs(t, err, core.ErrIdentityBanned)
}

func TestResolver_GrantsFromRecord(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewIdentityStore()
	require.NoError(t, store.Upsert(ctx, &core.IdentityRecord{Key: "u-7", Grants: []string{"search", "documents"}}))

	r := newTestResolver(t, store)
	id, err := r.Resolve(ctx, "u-7", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"search", "documents"}, id.Grants)
}

func TestResolver_RateLimitExhaustion(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, memstore.NewIdentityStore(), func(o *Options) {
		o.ExternalRate = rate.Limit(0.001)
		o.ExternalBurst = 2
	})

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(ctx, "u-9", "")
		require.NoError(t, err)
	}
	_, err := r.Resolve(ctx, "u-9", "")
	require.ErrorIs(t, err, core.ErrRateLimited)

	// A different identity has its own budget.
	_, err = r.Resolve(ctx, "u-10", "")
	require.NoError(t, err)
}
