package guard_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/api/apifake"
	"github.com/strideapp/go-stride-client/guard"
	"github.com/strideapp/go-stride-client/pipeline"
	"github.com/strideapp/go-stride-client/session"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

const (
	userEmail  = "member@stride.app"
	adminEmail = "admin@stride.app"
	password   = "pw"
)

type fixture struct {
	backend *apifake.FakeBackend
	manager *session.Manager
	guard   *guard.Guard
	denied  []string
	nowMu   sync.Mutex
	now     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) clock() time.Time {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	return f.now
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		backend: apifake.New(),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.backend.AddAccount(userEmail, password, users.User{ID: "u-1", Email: userEmail, Role: users.RoleUser})
	f.backend.AddAccount(adminEmail, password, users.User{ID: "u-2", Email: adminEmail, Role: users.RoleAdmin})

	store, err := tokenstore.New(tokenstore.NewMemVault(), tokenstore.NewMemVault(),
		tokenstore.WithNowFunc(f.clock))
	require.NoError(t, err)

	manager, err := session.NewManager(f.backend, store, session.WithNowFunc(f.clock))
	require.NoError(t, err)
	f.manager = manager

	p, err := pipeline.New(f.backend, store, manager,
		pipeline.WithNowFunc(f.clock),
		pipeline.WithExpiryBuffer(5*time.Minute))
	require.NoError(t, err)

	g, err := guard.New(p, manager,
		guard.WithDeniedHandler(func(destination string) { f.denied = append(f.denied, destination) }))
	require.NoError(t, err)
	f.guard = g
	return f
}

func login(t *testing.T, f *fixture, email string) {
	t.Helper()
	_, err := f.manager.Login(context.Background(), email, password, tokenstore.Durable)
	require.NoError(t, err)
}

func TestGuard_New(t *testing.T) {
	t.Run("requires a caller", func(t *testing.T) {
		_, err := guard.New(nil, setup(t).manager)
		require.Error(t, err)
	})

	t.Run("requires sessions", func(t *testing.T) {
		f := setup(t)
		p, err := pipeline.New(f.backend, mustStore(t), f.manager)
		require.NoError(t, err)
		_, err = guard.New(p, nil)
		require.Error(t, err)
	})
}

func mustStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	store, err := tokenstore.New(tokenstore.NewMemVault(), tokenstore.NewMemVault())
	require.NoError(t, err)
	return store
}

func TestGuard_CanAccess(t *testing.T) {
	t.Run("unauthenticated denies without network activity", func(t *testing.T) {
		f := setup(t)

		ok, err := f.guard.CanAccess(context.Background(), users.RoleUser)
		require.NoError(t, err)
		require.False(t, ok)
		require.Zero(t, f.backend.DoCalls())
	})

	t.Run("authenticated user passes an empty requirement", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)

		ok, err := f.guard.CanAccess(context.Background(), "")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, f.backend.DoCalls())
	})

	t.Run("role hierarchy is respected in both directions", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)

		ok, err := f.guard.CanAccess(context.Background(), users.RoleAdmin)
		require.NoError(t, err)
		require.False(t, ok, "user must not satisfy an admin requirement")

		require.NoError(t, f.manager.Logout(context.Background()))
		login(t, f, adminEmail)

		ok, err = f.guard.CanAccess(context.Background(), users.RoleUser)
		require.NoError(t, err)
		require.True(t, ok, "admin satisfies a user requirement")
	})

	t.Run("verification survives a revoked access token via refresh", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)
		f.backend.RevokeAccess(f.backend.LatestAccessToken(userEmail))

		ok, err := f.guard.CanAccess(context.Background(), users.RoleUser)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, f.backend.RefreshCalls())
	})

	t.Run("server-side invalidation tears the session down", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)
		f.backend.RevokeAll()
		f.backend.FailRefresh(&api.Error{Kind: api.KindUnauthorized, Status: http.StatusUnauthorized})

		ok, err := f.guard.CanAccess(context.Background(), users.RoleUser)
		require.False(t, ok)
		require.ErrorIs(t, err, guard.ErrVerificationFailed)
		require.Equal(t, session.Unauthenticated, f.manager.State())
	})

	t.Run("after a failed refresh it denies without attempting verification", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)
		f.backend.FailRefresh(&api.Error{Kind: api.KindUnauthorized, Status: http.StatusUnauthorized})
		f.advance(2 * time.Hour)
		require.Error(t, f.manager.Refresh(context.Background()))
		calls := f.backend.DoCalls()

		ok, err := f.guard.CanAccess(context.Background(), users.RoleUser)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, calls, f.backend.DoCalls())
	})

	t.Run("server failures deny without tearing down", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)
		f.backend.QueueRejection(&api.Error{Kind: api.KindServer, Status: http.StatusInternalServerError})

		ok, err := f.guard.CanAccess(context.Background(), users.RoleUser)
		require.False(t, ok)
		require.Error(t, err)
		require.NotErrorIs(t, err, guard.ErrVerificationFailed)
		require.Equal(t, session.Authenticated, f.manager.State())
	})
}

func TestGuard_RequireAccess(t *testing.T) {
	t.Run("grant does not invoke the denied handler", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)

		ok, err := f.guard.RequireAccess(context.Background(), users.RoleUser, "/goals/42")
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, f.denied)
		require.Empty(t, f.guard.ConsumeReturnDestination())
	})

	t.Run("denial invokes the handler once and records the destination", func(t *testing.T) {
		f := setup(t)

		ok, err := f.guard.RequireAccess(context.Background(), users.RoleUser, "/goals/42")
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, []string{"/goals/42"}, f.denied)
		require.Equal(t, "/goals/42", f.guard.ConsumeReturnDestination())
		require.Empty(t, f.guard.ConsumeReturnDestination(), "destination is consumed once")
	})

	t.Run("insufficient role is a denial", func(t *testing.T) {
		f := setup(t)
		login(t, f, userEmail)

		ok, err := f.guard.RequireAccess(context.Background(), users.RoleAdmin, "/admin/reports")
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, []string{"/admin/reports"}, f.denied)
	})
}
