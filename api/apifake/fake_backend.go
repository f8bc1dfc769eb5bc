// Package apifake provides an in-memory Backend for tests: accounts are
// seeded directly, tokens are minted from a counter, and every endpoint
// keeps a call count so tests can assert on wire traffic.
package apifake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/users"
)

var _ api.Backend = (*FakeBackend)(nil)

type account struct {
	password string
	user     users.User
}

// FakeBackend is a concurrency-safe in-memory implementation of api.Backend.
type FakeBackend struct {
	mu sync.Mutex

	accounts     map[string]*account // email -> account
	validAccess  map[string]string   // access token -> email
	validRefresh map[string]string   // refresh token -> email

	expiresIn    int
	tokenCounter int

	refreshErr   *api.Error    // forced refresh rejection when set
	refreshDelay time.Duration // widens the race window in concurrency tests
	rejections   []*api.Error  // queued forced rejections for Do

	loginCalls   int
	refreshCalls int
	logoutCalls  int
	doCalls      int
}

// New creates an empty fake backend issuing grants valid for one hour.
func New() *FakeBackend {
	return &FakeBackend{
		accounts:     make(map[string]*account),
		validAccess:  make(map[string]string),
		validRefresh: make(map[string]string),
		expiresIn:    3600,
	}
}

// AddAccount seeds an account that Login will accept.
func (f *FakeBackend) AddAccount(email, password string, user users.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[email] = &account{password: password, user: user}
}

// SetExpiresIn changes the declared lifetime of subsequently issued grants.
func (f *FakeBackend) SetExpiresIn(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiresIn = seconds
}

// FailRefresh forces every subsequent Refresh call to return rejection.
// Passing nil restores normal behavior.
func (f *FakeBackend) FailRefresh(rejection *api.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErr = rejection
}

// SetRefreshDelay makes Refresh sleep before answering, so concurrent
// callers overlap deterministically.
func (f *FakeBackend) SetRefreshDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshDelay = d
}

// QueueRejection makes the next Do call fail with the given rejection,
// regardless of token validity. Rejections are consumed in order.
func (f *FakeBackend) QueueRejection(rejection *api.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, rejection)
}

// RevokeAccess invalidates an access token server-side, leaving the refresh
// token usable. Simulates expiry or revocation not yet observed locally.
func (f *FakeBackend) RevokeAccess(accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.validAccess, accessToken)
}

// RevokeAll invalidates every outstanding token.
func (f *FakeBackend) RevokeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validAccess = make(map[string]string)
	f.validRefresh = make(map[string]string)
}

// LoginCalls returns the number of Login calls observed.
func (f *FakeBackend) LoginCalls() int { f.mu.Lock(); defer f.mu.Unlock(); return f.loginCalls }

// RefreshCalls returns the number of Refresh calls observed.
func (f *FakeBackend) RefreshCalls() int { f.mu.Lock(); defer f.mu.Unlock(); return f.refreshCalls }

// LogoutCalls returns the number of Logout calls observed.
func (f *FakeBackend) LogoutCalls() int { f.mu.Lock(); defer f.mu.Unlock(); return f.logoutCalls }

// DoCalls returns the number of Do calls observed.
func (f *FakeBackend) DoCalls() int { f.mu.Lock(); defer f.mu.Unlock(); return f.doCalls }

// LatestAccessToken returns an access token currently valid for email, or "".
func (f *FakeBackend) LatestAccessToken(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := ""
	for token, owner := range f.validAccess {
		if owner == email && token > latest {
			latest = token
		}
	}
	return latest
}

// Login implements api.Backend.
func (f *FakeBackend) Login(_ context.Context, email, password string) (*api.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++

	acct, ok := f.accounts[email]
	if !ok || acct.password != password {
		return nil, &api.Error{
			Kind:    api.KindUnauthorized,
			Status:  http.StatusUnauthorized,
			Code:    "invalid_credentials",
			Message: "email or password is incorrect",
		}
	}
	return f.issueLocked(email, acct.user), nil
}

// Refresh implements api.Backend.
func (f *FakeBackend) Refresh(ctx context.Context, refreshToken string) (*api.AuthResult, error) {
	f.mu.Lock()
	f.refreshCalls++
	delay := f.refreshDelay
	forced := f.refreshErr
	email, valid := f.validRefresh[refreshToken]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &api.Error{Kind: api.KindNetwork, Message: ctx.Err().Error()}
		case <-time.After(delay):
		}
	}

	if forced != nil {
		return nil, forced
	}
	if !valid {
		return nil, &api.Error{
			Kind:    api.KindUnauthorized,
			Status:  http.StatusUnauthorized,
			Code:    "invalid_refresh_token",
			Message: "refresh token is invalid or expired",
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[email]
	if !ok {
		return nil, &api.Error{Kind: api.KindUnauthorized, Status: http.StatusUnauthorized, Message: "unknown account"}
	}
	delete(f.validRefresh, refreshToken)
	return f.issueLocked(email, acct.user), nil
}

// Logout implements api.Backend.
func (f *FakeBackend) Logout(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++

	email, ok := f.validAccess[accessToken]
	if !ok {
		return &api.Error{Kind: api.KindUnauthorized, Status: http.StatusUnauthorized, Message: "unknown token"}
	}
	for token, owner := range f.validAccess {
		if owner == email {
			delete(f.validAccess, token)
		}
	}
	for token, owner := range f.validRefresh {
		if owner == email {
			delete(f.validRefresh, token)
		}
	}
	return nil
}

// Do implements api.Backend. The /auth/me path answers with the caller's
// user record; every other path echoes a generic payload.
func (f *FakeBackend) Do(_ context.Context, req api.Request) (*api.Response, error) {
	f.mu.Lock()
	f.doCalls++

	if len(f.rejections) > 0 {
		rejection := f.rejections[0]
		f.rejections = f.rejections[1:]
		f.mu.Unlock()
		return nil, rejection
	}

	email, ok := f.validAccess[req.AccessToken]
	if !ok {
		f.mu.Unlock()
		return nil, &api.Error{
			Kind:    api.KindUnauthorized,
			Status:  http.StatusUnauthorized,
			Code:    "invalid_token",
			Message: "access token is invalid or expired",
		}
	}
	acct := f.accounts[email]
	f.mu.Unlock()

	if req.Path == api.PathMe {
		body, err := json.Marshal(acct.user)
		if err != nil {
			return nil, &api.Error{Kind: api.KindServer, Status: http.StatusInternalServerError, Message: err.Error()}
		}
		return &api.Response{Status: http.StatusOK, Body: body}, nil
	}

	body, _ := json.Marshal(map[string]string{"path": req.Path, "status": "ok"})
	return &api.Response{Status: http.StatusOK, Body: body}, nil
}

// issueLocked mints a fresh token pair for email. Callers hold f.mu.
func (f *FakeBackend) issueLocked(email string, user users.User) *api.AuthResult {
	f.tokenCounter++
	accessToken := fmt.Sprintf("access-%04d", f.tokenCounter)
	refreshToken := fmt.Sprintf("refresh-%04d", f.tokenCounter)
	f.validAccess[accessToken] = email
	f.validRefresh[refreshToken] = email

	return &api.AuthResult{
		User: user,
		Tokens: credentials.Grant{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    f.expiresIn,
		},
	}
}
