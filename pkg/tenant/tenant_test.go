package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusSuspended, false},
		{StatusActive, StatusSuspended, true},
		{StatusSuspended, StatusActive, true},
		{StatusActive, StatusPending, false},
		{StatusPending, StatusRevoked, true},
		{StatusActive, StatusRevoked, true},
		{StatusSuspended, StatusRevoked, true},
		{StatusRevoked, StatusRevoked, false},
		{StatusRevoked, StatusActive, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	t.Parallel()

	s := Session{TenantID: "t1", Status: StatusRevoked}
	err := s.Transition(StatusActive, "resume", time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRevoked, s.Status)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, Session{TenantID: "t1", Token: "tok", Status: StatusPending}))
	require.ErrorIs(t, store.Create(ctx, Session{TenantID: "t1"}), ErrExists)

	s, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, s.Transition(StatusActive, "authenticated", time.Now()))
	require.NoError(t, store.Update(ctx, s))

	active, err := store.List(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, store.Revoke(ctx, "t1", "owner deleted"))
	require.NoError(t, store.Revoke(ctx, "t1", "again"))
	s, err = store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, s.Status)
	assert.Empty(t, s.Token)

	_, err = store.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
