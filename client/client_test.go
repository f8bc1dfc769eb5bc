package client_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/api/apifake"
	"github.com/strideapp/go-stride-client/client"
	"github.com/strideapp/go-stride-client/pipeline"
	"github.com/strideapp/go-stride-client/session"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

const (
	testEmail    = "member@stride.app"
	testPassword = "pw"
)

type testConfig struct {
	driver          string
	dataFolder      string
	keyFile         string
	refreshInterval time.Duration
}

func (c testConfig) GetAppName() string  { return "stride-test" }
func (c testConfig) GetEnv() string      { return "test" }
func (c testConfig) GetLogLevel() string { return "disabled" }

func (c testConfig) GetBaseURL() string        { return "http://localhost:0" }
func (c testConfig) GetTimeout() time.Duration { return time.Second }
func (c testConfig) GetUserAgent() string      { return "stride-test" }

func (c testConfig) GetDataFolder() string        { return c.dataFolder }
func (c testConfig) GetStorageDriver() string     { return c.driver }
func (c testConfig) GetEncryptionKeyFile() string { return c.keyFile }

func (c testConfig) GetExpiryBuffer() time.Duration { return 5 * time.Minute }
func (c testConfig) GetRefreshInterval() time.Duration {
	if c.refreshInterval == 0 {
		return time.Hour
	}
	return c.refreshInterval
}

type fixture struct {
	backend   *apifake.FakeBackend
	durable   tokenstore.Vault
	ephemeral tokenstore.Vault
	cfg       testConfig
	nowMu     sync.Mutex
	now       time.Time
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
		backend:   apifake.New(),
		durable:   tokenstore.NewMemVault(),
		ephemeral: tokenstore.NewMemVault(),
		cfg:       testConfig{driver: "memory"},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.backend.AddAccount(testEmail, testPassword, users.User{ID: "u-1", Email: testEmail, Role: users.RoleUser})
	return f
}

// build creates a client sharing the fixture's vaults, so separate clients
// model separate application launches against the same persisted state.
func (f *fixture) build(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(f.cfg,
		client.WithBackend(f.backend),
		client.WithVaults(f.durable, f.ephemeral),
		client.WithNowFunc(f.clock))
	require.NoError(t, err)
	return c
}

func TestClient_New(t *testing.T) {
	t.Run("requires config", func(t *testing.T) {
		_, err := client.New(nil)
		require.Error(t, err)
	})

	t.Run("rejects an unknown storage driver", func(t *testing.T) {
		_, err := client.New(testConfig{driver: "etcd"},
			client.WithBackend(apifake.New()))
		require.Error(t, err)
	})

	t.Run("builds durable file storage from config", func(t *testing.T) {
		c, err := client.New(testConfig{driver: "file", dataFolder: t.TempDir()},
			client.WithBackend(apifake.New()))
		require.NoError(t, err)
		require.NoError(t, c.Close())
	})

	t.Run("builds durable sqlite storage from config", func(t *testing.T) {
		c, err := client.New(testConfig{driver: "sqlite", dataFolder: t.TempDir()},
			client.WithBackend(apifake.New()))
		require.NoError(t, err)
		require.NoError(t, c.Close())
	})
}

func TestClient_SessionAcrossLaunches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.build(t)
	_, err := first.Start(ctx)
	require.NoError(t, err)
	user, err := first.Login(ctx, testEmail, testPassword, tokenstore.Durable)
	require.NoError(t, err)
	require.Equal(t, testEmail, user.Email)
	require.NoError(t, first.Close())

	second := f.build(t)
	calls := f.backend.RefreshCalls()
	restored, err := second.Start(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, session.Authenticated, second.State())
	require.Equal(t, calls, f.backend.RefreshCalls(), "a live credential restores without network traffic")

	current, ok := second.CurrentUser()
	require.True(t, ok)
	require.Equal(t, testEmail, current.Email)
	require.NoError(t, second.Close())
}

func TestClient_EphemeralSessionDoesNotSurviveRelaunch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.build(t)
	_, err := first.Login(ctx, testEmail, testPassword, tokenstore.Ephemeral)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A fresh launch gets a fresh ephemeral vault.
	f.ephemeral = tokenstore.NewMemVault()
	second := f.build(t)
	restored, err := second.Start(ctx)
	require.NoError(t, err)
	require.False(t, restored)
	require.Equal(t, session.Unauthenticated, second.State())
	require.NoError(t, second.Close())
}

// TestClient_ExpiryStorm walks the full lifecycle: an authenticated client
// whose credential lapses serves a burst of concurrent calls with exactly
// one refresh, and once the backend revokes the account entirely, every
// surface reports the logged-out state.
func TestClient_ExpiryStorm(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := f.build(t)
	_, err := c.Start(ctx)
	require.NoError(t, err)
	_, err = c.Login(ctx, testEmail, testPassword, tokenstore.Durable)
	require.NoError(t, err)

	f.advance(2 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(ctx, api.Request{Method: http.MethodGet, Path: "/goals"})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}
	require.Equal(t, 1, f.backend.RefreshCalls(), "concurrent stale calls share one refresh")
	require.Equal(t, 5, f.backend.DoCalls())

	f.backend.FailRefresh(&api.Error{Kind: api.KindUnauthorized, Status: http.StatusUnauthorized})
	f.advance(2 * time.Hour)

	_, err = c.Do(ctx, api.Request{Method: http.MethodGet, Path: "/goals"})
	require.ErrorIs(t, err, pipeline.ErrAuthenticationRequired)
	require.Equal(t, session.Unauthenticated, c.State())

	calls := f.backend.DoCalls()
	ok, err := c.CanAccess(ctx, users.RoleUser)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, calls, f.backend.DoCalls(), "denial after teardown needs no verification call")

	_, ok = c.CurrentUser()
	require.False(t, ok)
	require.NoError(t, c.Close())
}

func TestClient_BackgroundRefresh(t *testing.T) {
	f := setup(t)
	f.cfg.refreshInterval = 10 * time.Millisecond
	ctx := context.Background()

	c := f.build(t)
	_, err := c.Login(ctx, testEmail, testPassword, tokenstore.Durable)
	require.NoError(t, err)
	_, err = c.Start(ctx)
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	require.Eventually(t, func() bool {
		return f.backend.RefreshCalls() >= 1
	}, 2*time.Second, 5*time.Millisecond, "background loop renews a stale credential")

	require.NoError(t, c.Close())
}

func TestClient_SessionExpiredHandler(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expired := 0
	c, err := client.New(f.cfg,
		client.WithBackend(f.backend),
		client.WithVaults(f.durable, f.ephemeral),
		client.WithNowFunc(f.clock),
		client.WithSessionExpiredHandler(func() { expired++ }))
	require.NoError(t, err)

	_, err = c.Login(ctx, testEmail, testPassword, tokenstore.Durable)
	require.NoError(t, err)
	require.Zero(t, expired)

	f.backend.FailRefresh(&api.Error{Kind: api.KindUnauthorized, Status: http.StatusUnauthorized})
	f.advance(2 * time.Hour)
	_, err = c.Do(ctx, api.Request{Method: http.MethodGet, Path: "/goals"})
	require.Error(t, err)
	require.Equal(t, 1, expired)

	// Explicit logout is not an expiry.
	require.NoError(t, c.Logout(ctx))
	require.Equal(t, 1, expired)
	require.NoError(t, c.Close())
}

func TestClient_RequireAccessDeniedHandler(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var denied []string
	c, err := client.New(f.cfg,
		client.WithBackend(f.backend),
		client.WithVaults(f.durable, f.ephemeral),
		client.WithNowFunc(f.clock),
		client.WithDeniedHandler(func(destination string) { denied = append(denied, destination) }))
	require.NoError(t, err)

	ok, err := c.RequireAccess(ctx, users.RoleUser, "/analytics")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"/analytics"}, denied)
	require.Equal(t, "/analytics", c.ConsumeReturnDestination())
	require.NoError(t, c.Close())
}
