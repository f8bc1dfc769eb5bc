package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

var (
	// ErrInvalidCredentials is returned by Login when the backend rejects
	// the email/password pair. Never retried.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRefreshFailed is returned by Refresh when no new credential could
	// be obtained. The session has been torn down by the time it is returned.
	ErrRefreshFailed = errors.New("refresh failed")
)

// refreshCall is one in-flight refresh. Callers that arrive while it exists
// wait on done and share err instead of issuing a second backend call.
type refreshCall struct {
	done chan struct{}
	err  error
}

// Manager owns the authentication state machine. At most one refresh is in
// flight process-wide; concurrent callers attach to its result.
type Manager struct {
	backend    api.Backend
	store      *tokenstore.Store
	nowFunc    func() time.Time
	log        zerolog.Logger
	onTeardown func()

	mu       sync.Mutex
	state    State
	session  *Session
	inflight *refreshCall
}

// ManagerOption modifies a Manager during construction.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithTeardownHandler installs a callback invoked after an involuntary
// teardown (refresh or verification failure). Explicit logout does not
// trigger it.
func WithTeardownHandler(fn func()) ManagerOption {
	return func(m *Manager) {
		m.onTeardown = fn
	}
}

// NewManager creates a Manager in the Unauthenticated state.
func NewManager(backend api.Backend, store *tokenstore.Store, options ...ManagerOption) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("[NewManager] backend is required")
	}
	if store == nil {
		return nil, errors.New("[NewManager] token store is required")
	}

	m := &Manager{
		backend: backend,
		store:   store,
		nowFunc: time.Now,
		log:     zerolog.Nop(),
		state:   Unauthenticated,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the current session, or nil when there is none.
// It never blocks on network activity.
func (m *Manager) Snapshot() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// Login exchanges credentials for a session and persists it under the chosen
// class. On failure the state stays Unauthenticated and nothing is written
// to the token store. An unauthorized rejection maps to ErrInvalidCredentials;
// validation and network failures propagate unchanged.
func (m *Manager) Login(ctx context.Context, email, password string, class tokenstore.Persistence) (*users.User, error) {
	m.setState(Authenticating)

	result, err := m.backend.Login(ctx, email, password)
	if err != nil {
		m.failLogin()
		if api.IsUnauthorized(err) {
			return nil, errors.Wrap(ErrInvalidCredentials, err.Error())
		}
		return nil, errors.Wrap(err, "[Manager.Login] backend login")
	}

	pair, err := credentials.FromGrant(result.Tokens, m.nowFunc())
	if err != nil {
		m.failLogin()
		return nil, errors.Wrap(err, "[Manager.Login] invalid grant")
	}

	if err := m.store.Save(pair, result.User, class); err != nil {
		m.failLogin()
		return nil, errors.Wrap(err, "[Manager.Login] persist session")
	}

	m.mu.Lock()
	m.session = &Session{User: result.User, Credential: pair, Persistence: class}
	m.state = Authenticated
	m.mu.Unlock()

	m.log.Info().Str("user_id", result.User.ID).Msg("logged in")
	return &result.User, nil
}

// failLogin resets to a clean unauthenticated state after a rejected login
// attempt, discarding any session kept from a previous authentication so
// State and Snapshot never disagree. The token store is not touched.
func (m *Manager) failLogin() {
	m.mu.Lock()
	m.session = nil
	m.state = Unauthenticated
	m.mu.Unlock()
}

// Logout notifies the backend best-effort, then always clears the token
// store and transitions to Unauthenticated regardless of network outcome.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	accessToken := ""
	if m.session != nil {
		accessToken = m.session.Credential.AccessToken
	}
	m.session = nil
	m.state = Unauthenticated
	m.mu.Unlock()

	if accessToken != "" {
		if err := m.backend.Logout(ctx, accessToken); err != nil {
			m.log.Warn().Err(err).Msg("backend logout failed, clearing local session anyway")
		}
	}

	if err := m.store.Clear(); err != nil {
		return errors.Wrap(err, "[Manager.Logout] clear token store")
	}
	m.log.Info().Msg("logged out")
	return nil
}

// Restore rebuilds the session from the token store at startup. A non-expired
// stored session authenticates without any network call; an expired one
// triggers a refresh; an empty store leaves the manager Unauthenticated.
// It reports whether the manager ended up Authenticated.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	stored, err := m.store.Load()
	if err != nil {
		return false, errors.Wrap(err, "[Manager.Restore] load token store")
	}
	if stored == nil {
		return false, nil
	}

	restored := &Session{
		User:        stored.User,
		Credential:  stored.Credential,
		Persistence: stored.Persistence,
	}

	if !stored.Credential.Expired(m.nowFunc(), 0) {
		m.mu.Lock()
		m.session = restored
		m.state = Authenticated
		m.mu.Unlock()
		m.log.Info().Str("user_id", stored.User.ID).Msg("session restored")
		return true, nil
	}

	m.mu.Lock()
	m.session = restored
	m.mu.Unlock()

	if err := m.Refresh(ctx); err != nil {
		return false, errors.Wrap(err, "[Manager.Restore] stored session expired")
	}
	return true, nil
}

// Refresh obtains a new credential pair using the current refresh token.
// It is single-flight: a caller arriving while a refresh is outstanding
// waits for that operation and shares its result rather than issuing a
// second backend call. On failure the session is torn down (token store
// cleared, state Unauthenticated) and ErrRefreshFailed is returned.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.session == nil || m.session.Credential.RefreshToken == "" {
		m.mu.Unlock()
		return errors.Wrap(ErrRefreshFailed, "no refresh token available")
	}
	refreshToken := m.session.Credential.RefreshToken
	class := m.session.Persistence

	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	m.state = Refreshing
	m.mu.Unlock()

	call.err = m.doRefresh(ctx, refreshToken, class)

	// The in-flight slot is released only once the operation has resolved,
	// then waiters are woken with the shared result.
	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(call.done)

	return call.err
}

func (m *Manager) doRefresh(ctx context.Context, refreshToken string, class tokenstore.Persistence) error {
	result, err := m.backend.Refresh(ctx, refreshToken)
	if err != nil {
		m.teardown()
		m.log.Warn().Err(err).Msg("refresh rejected, session torn down")
		return errors.Wrap(ErrRefreshFailed, err.Error())
	}

	pair, err := credentials.FromGrant(result.Tokens, m.nowFunc())
	if err != nil {
		m.teardown()
		return errors.Wrap(ErrRefreshFailed, err.Error())
	}

	m.mu.Lock()
	user := result.User
	if user.ID == "" && m.session != nil {
		// Backend may omit the user on refresh; the session keeps its own.
		user = m.session.User
	}
	m.mu.Unlock()

	if err := m.store.Save(pair, user, class); err != nil {
		m.teardown()
		return errors.Wrap(ErrRefreshFailed, err.Error())
	}

	m.mu.Lock()
	m.session = &Session{User: user, Credential: pair, Persistence: class}
	m.state = Authenticated
	m.mu.Unlock()

	m.log.Debug().Str("user_id", user.ID).Msg("credential refreshed")
	return nil
}

// teardown clears all local session state so in-progress and subsequent
// protected operations fail fast.
func (m *Manager) teardown() {
	m.mu.Lock()
	m.session = nil
	m.state = Unauthenticated
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.log.Warn().Err(err).Msg("failed to clear token store during teardown")
	}

	if m.onTeardown != nil {
		m.onTeardown()
	}
}

// Teardown discards the session and clears the token store. The access
// guard calls this when server-side verification rejects the session.
func (m *Manager) Teardown() {
	m.teardown()
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
