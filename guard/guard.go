// Package guard answers whether the current session may perform an operation
// requiring a given role. It combines local state, a server-side
// verification round-trip, and the role hierarchy.
package guard

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/pipeline"
	"github.com/strideapp/go-stride-client/session"
	"github.com/strideapp/go-stride-client/users"
)

// ErrVerificationFailed is returned when the backend no longer recognizes
// the session. The session has been torn down by the time it is returned.
var ErrVerificationFailed = errors.New("session verification failed")

// Caller dispatches authorized calls; the request pipeline satisfies it, so
// verification benefits from the refresh-on-unauthorized behavior.
type Caller interface {
	Do(ctx context.Context, req api.Request) (*api.Response, error)
}

// Sessions is the slice of the session manager the guard depends on.
type Sessions interface {
	State() session.State
	Teardown()
}

// DeniedHandler is invoked when RequireAccess denies, with the destination
// the caller originally wanted. Host applications typically redirect to
// re-authentication from here.
type DeniedHandler func(destination string)

// Guard gates access to protected operations.
type Guard struct {
	caller    Caller
	sessions  Sessions
	hierarchy users.Hierarchy
	onDenied  DeniedHandler
	log       zerolog.Logger

	mu       sync.Mutex
	returnTo string
}

// Option modifies a Guard during construction.
type Option func(*Guard)

// WithHierarchy replaces the default role ordering.
func WithHierarchy(h users.Hierarchy) Option {
	return func(g *Guard) {
		g.hierarchy = h
	}
}

// WithDeniedHandler installs the handler RequireAccess invokes on denial.
func WithDeniedHandler(fn DeniedHandler) Option {
	return func(g *Guard) {
		g.onDenied = fn
	}
}

// WithLogger sets the guard's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Guard) {
		g.log = log
	}
}

// New creates a Guard over the given caller and session manager.
func New(caller Caller, sessions Sessions, options ...Option) (*Guard, error) {
	if caller == nil {
		return nil, errors.New("[guard.New] caller is required")
	}
	if sessions == nil {
		return nil, errors.New("[guard.New] sessions is required")
	}

	g := &Guard{
		caller:    caller,
		sessions:  sessions,
		hierarchy: users.DefaultHierarchy(),
		log:       zerolog.Nop(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// CanAccess reports whether the current session may perform an operation
// requiring the given role (empty means any authenticated session).
//
// An unauthenticated manager denies immediately with no network activity.
// Otherwise the session is verified server-side; a session the backend no
// longer recognizes is torn down and reported as ErrVerificationFailed.
// Transport and server failures deny without tearing anything down.
func (g *Guard) CanAccess(ctx context.Context, required users.RoleType) (bool, error) {
	if g.sessions.State() != session.Authenticated {
		return false, nil
	}

	resp, err := g.caller.Do(ctx, api.Request{Path: api.PathMe})
	if err != nil {
		if isAuthFailure(err) {
			g.sessions.Teardown()
			g.log.Info().Msg("server-side verification failed, session torn down")
			return false, errors.Wrap(ErrVerificationFailed, err.Error())
		}
		return false, errors.Wrap(err, "[Guard.CanAccess] verification round-trip")
	}

	var verified users.User
	if err := resp.Decode(&verified); err != nil {
		return false, errors.Wrap(err, "[Guard.CanAccess] decode verified user")
	}

	return verified.HasRole(g.hierarchy, required), nil
}

// RequireAccess is CanAccess plus the denial side effects: on a false result
// the denied handler runs exactly once and destination is recorded for a
// post-authentication return.
func (g *Guard) RequireAccess(ctx context.Context, required users.RoleType, destination string) (bool, error) {
	ok, err := g.CanAccess(ctx, required)
	if ok {
		return true, nil
	}

	g.mu.Lock()
	g.returnTo = destination
	g.mu.Unlock()

	if g.onDenied != nil {
		g.onDenied(destination)
	}
	return false, err
}

// ConsumeReturnDestination returns the destination recorded by the most
// recent denial and clears it. Empty when nothing was denied since the last
// call.
func (g *Guard) ConsumeReturnDestination() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	destination := g.returnTo
	g.returnTo = ""
	return destination
}

func isAuthFailure(err error) bool {
	return errors.Is(err, pipeline.ErrAuthenticationRequired) || api.IsUnauthorized(err)
}
