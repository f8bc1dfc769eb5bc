package tokenstore_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*tokenstore.Store, *tokenstore.MemVault, *tokenstore.MemVault) {
	t.Helper()
	durable := tokenstore.NewMemVault()
	ephemeral := tokenstore.NewMemVault()
	store, err := tokenstore.New(durable, ephemeral, tokenstore.WithNowFunc(func() time.Time { return testNow }))
	require.NoError(t, err)
	return store, durable, ephemeral
}

func testPair(expiresAt time.Time) credentials.Pair {
	return credentials.Pair{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: expiresAt}
}

var testUser = users.User{ID: "u-1", Email: "a@b.com", DisplayName: "Ada", Role: users.RoleAdmin}

func TestStore_SaveAndLoad(t *testing.T) {
	store, _, _ := newTestStore(t)

	require.NoError(t, store.Save(testPair(testNow.Add(time.Hour)), testUser, tokenstore.Durable))

	stored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "at-1", stored.Credential.AccessToken)
	require.Equal(t, testUser, stored.User)
	require.Equal(t, tokenstore.Durable, stored.Persistence)
}

func TestStore_SaveClearsOtherClass(t *testing.T) {
	store, durable, ephemeral := newTestStore(t)

	require.NoError(t, store.Save(testPair(testNow.Add(time.Hour)), testUser, tokenstore.Durable))
	require.NoError(t, store.Save(testPair(testNow.Add(time.Hour)), testUser, tokenstore.Ephemeral))

	_, err := durable.Fetch()
	require.ErrorIs(t, err, tokenstore.ErrNotFound, "durable copy must be gone after an ephemeral save")

	_, err = ephemeral.Fetch()
	require.NoError(t, err)

	stored, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, tokenstore.Ephemeral, stored.Persistence)
}

func TestStore_CloseLeavesRecordIntact(t *testing.T) {
	store, durable, ephemeral := newTestStore(t)

	require.NoError(t, store.Save(testPair(testNow.Add(time.Hour)), testUser, tokenstore.Durable))
	require.NoError(t, store.Close())

	reopened, err := tokenstore.New(durable, ephemeral, tokenstore.WithNowFunc(func() time.Time { return testNow }))
	require.NoError(t, err)

	stored, err := reopened.Load()
	require.NoError(t, err)
	require.NotNil(t, stored, "a durable session must survive close and reopen")
	require.Equal(t, "at-1", stored.Credential.AccessToken)
}

func TestStore_DurablePrecedence(t *testing.T) {
	store, durable, ephemeral := newTestStore(t)

	userJSON, err := json.Marshal(testUser)
	require.NoError(t, err)

	require.NoError(t, durable.Put(tokenstore.Record{
		AccessToken: "at-durable", RefreshToken: "rt-durable",
		ExpiresAt: testNow.Add(time.Hour), User: userJSON,
	}))
	require.NoError(t, ephemeral.Put(tokenstore.Record{
		AccessToken: "at-ephemeral", RefreshToken: "rt-ephemeral",
		ExpiresAt: testNow.Add(time.Hour), User: userJSON,
	}))

	stored, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "at-durable", stored.Credential.AccessToken)
	require.Equal(t, tokenstore.Durable, stored.Persistence)
}

func TestStore_EmptyLoad(t *testing.T) {
	store, _, _ := newTestStore(t)

	stored, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestStore_MalformedDataIsEmpty(t *testing.T) {
	store, durable, _ := newTestStore(t)

	t.Run("unparseable user", func(t *testing.T) {
		require.NoError(t, durable.Put(tokenstore.Record{
			AccessToken: "at", RefreshToken: "rt",
			ExpiresAt: testNow.Add(time.Hour), User: json.RawMessage(`{not json`),
		}))
		stored, err := store.Load()
		require.NoError(t, err)
		require.Nil(t, stored)
	})

	t.Run("incomplete triple", func(t *testing.T) {
		require.NoError(t, durable.Put(tokenstore.Record{AccessToken: "at"}))
		stored, err := store.Load()
		require.NoError(t, err)
		require.Nil(t, stored)
	})
}

func TestStore_Clear(t *testing.T) {
	store, durable, ephemeral := newTestStore(t)

	require.NoError(t, store.Save(testPair(testNow.Add(time.Hour)), testUser, tokenstore.Durable))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear(), "clear is idempotent")

	_, err := durable.Fetch()
	require.ErrorIs(t, err, tokenstore.ErrNotFound)
	_, err = ephemeral.Fetch()
	require.ErrorIs(t, err, tokenstore.ErrNotFound)

	stored, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestStore_IsExpired(t *testing.T) {
	store, _, _ := newTestStore(t)

	t.Run("empty store is expired", func(t *testing.T) {
		require.True(t, store.IsExpired(0))
	})

	t.Run("fresh credential is not expired", func(t *testing.T) {
		require.NoError(t, store.Save(testPair(testNow.Add(time.Hour)), testUser, tokenstore.Durable))
		require.False(t, store.IsExpired(5*time.Minute))
	})

	t.Run("buffer counts toward expiry", func(t *testing.T) {
		require.NoError(t, store.Save(testPair(testNow.Add(3*time.Minute)), testUser, tokenstore.Durable))
		require.True(t, store.IsExpired(5*time.Minute))
		require.False(t, store.IsExpired(0))
	})
}
