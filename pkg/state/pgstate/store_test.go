package pgstate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/state"
	"github.com/nous-labs/understudy/pkg/style"
	"github.com/nous-labs/understudy/pkg/tenant"
)

// testStore connects to UNDERSTUDY_TEST_PG_URL, or skips the test.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("UNDERSTUDY_TEST_PG_URL")
	if url == "" {
		t.Skip("UNDERSTUDY_TEST_PG_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url, state.NewSealer("pg-test"))
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	t.Cleanup(s.Close)
	return s
}

func uniqueTenant() string {
	return "test-" + uuid.NewString()
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueTenant()
	t.Cleanup(func() { s.pool.Exec(ctx, "DELETE FROM sessions WHERE tenant_id = $1", id) })

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := tenant.Session{
		TenantID: id, BundleID: "b1", Token: "tok", OwnerID: "@o:example.org",
		Status: tenant.StatusPending, CreatedAt: now, LastActiveAt: now,
	}
	require.NoError(t, s.Create(ctx, sess))
	assert.ErrorIs(t, s.Create(ctx, sess), tenant.ErrExists)

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Token)
	assert.True(t, now.Equal(got.CreatedAt))

	require.NoError(t, s.Revoke(ctx, id, "done"))
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusRevoked, got.Status)
	assert.Empty(t, got.Token)

	revoked, err := s.List(ctx, tenant.StatusRevoked)
	require.NoError(t, err)
	assert.NotEmpty(t, revoked)
}

func TestPreferencesAndProfiles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueTenant()
	t.Cleanup(func() { s.PurgeTenant(ctx, id) })

	require.NoError(t, s.SetPreference(ctx, prefs.Preference{
		TenantID: id, ChatID: "c1", Directives: map[string]string{prefs.Tone: "warm"}, UpdatedAt: time.Now(),
	}))
	p, err := s.GetPreference(ctx, id, "c1")
	require.NoError(t, err)
	assert.Equal(t, "warm", p.Get(prefs.Tone))

	profile, err := style.NewProfiler(style.DefaultConfig()).Profile(id, []string{"yo", "all good here", "cya later"})
	require.NoError(t, err)
	require.NoError(t, s.SaveProfile(ctx, profile))

	loaded, err := s.LoadProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, profile.Vocabulary, loaded.Vocabulary)

	near, err := s.SimilarStyles(ctx, profile.Signature, 5)
	require.NoError(t, err)
	require.NotEmpty(t, near)
	assert.InDelta(t, 0, near[0].Distance, 1e-4)

	require.NoError(t, s.KVSet(ctx, id, "auto/c1", "on"))
	kv, err := s.KVScan(ctx, id, "auto/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"auto/c1": "on"}, kv)
}
