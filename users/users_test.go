package users_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/strideapp/go-stride-client/users"
)

func TestHierarchy_Satisfies(t *testing.T) {
	h := users.DefaultHierarchy()

	t.Run("admin satisfies user requirement", func(t *testing.T) {
		require.True(t, h.Satisfies(users.RoleAdmin, users.RoleUser))
	})

	t.Run("user does not satisfy admin requirement", func(t *testing.T) {
		require.False(t, h.Satisfies(users.RoleUser, users.RoleAdmin))
	})

	t.Run("role satisfies itself", func(t *testing.T) {
		require.True(t, h.Satisfies(users.RoleUser, users.RoleUser))
		require.True(t, h.Satisfies(users.RoleAdmin, users.RoleAdmin))
	})

	t.Run("unknown role ranks below everything", func(t *testing.T) {
		require.False(t, h.Satisfies(users.RoleType("guest"), users.RoleUser))
	})

	t.Run("unknown requirement is never satisfied", func(t *testing.T) {
		require.False(t, h.Satisfies(users.RoleAdmin, users.RoleType("owner")))
	})
}

func TestUser_HasRole(t *testing.T) {
	h := users.DefaultHierarchy()
	admin := &users.User{ID: "u-1", Email: "admin@example.com", Role: users.RoleAdmin}
	regular := &users.User{ID: "u-2", Email: "user@example.com", Role: users.RoleUser}

	require.True(t, admin.HasRole(h, users.RoleUser))
	require.True(t, admin.HasRole(h, users.RoleAdmin))
	require.False(t, regular.HasRole(h, users.RoleAdmin))

	t.Run("empty requirement only needs authentication", func(t *testing.T) {
		require.True(t, regular.HasRole(h, ""))
	})
}
