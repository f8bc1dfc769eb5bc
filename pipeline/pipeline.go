// Package pipeline wraps every outgoing backend call: it attaches the
// current credential, refreshes proactively when the credential is near
// expiry, and on an unauthorized rejection performs exactly one
// refresh-and-retry before surfacing failure. It never implements generic
// retry/backoff; that is the caller's concern.
package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/tokenstore"
)

var (
	// ErrAuthenticationRequired is returned when no usable credential exists
	// and none could be obtained. Callers should send the user back through
	// login.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrPermissionDenied is returned on a forbidden rejection. Refreshing
	// cannot fix a privilege problem, so none is attempted.
	ErrPermissionDenied = errors.New("permission denied")
)

// Refresher is the slice of the session manager the pipeline depends on.
// Implementations must guarantee single-flight refresh and tear the session
// down on refresh failure.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Pipeline authorizes and dispatches backend calls.
type Pipeline struct {
	backend   api.Backend
	store     *tokenstore.Store
	refresher Refresher
	buffer    time.Duration
	nowFunc   func() time.Time
	log       zerolog.Logger
}

// Option modifies a Pipeline during construction.
type Option func(*Pipeline)

// WithExpiryBuffer sets how far ahead of expiry a credential is considered
// stale and proactively refreshed.
func WithExpiryBuffer(buffer time.Duration) Option {
	return func(p *Pipeline) {
		p.buffer = buffer
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.nowFunc = now
	}
}

// WithLogger sets the pipeline's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// New creates a Pipeline over the given backend, token store, and refresher.
func New(backend api.Backend, store *tokenstore.Store, refresher Refresher, options ...Option) (*Pipeline, error) {
	if backend == nil {
		return nil, errors.New("[pipeline.New] backend is required")
	}
	if store == nil {
		return nil, errors.New("[pipeline.New] token store is required")
	}
	if refresher == nil {
		return nil, errors.New("[pipeline.New] refresher is required")
	}

	p := &Pipeline{
		backend:   backend,
		store:     store,
		refresher: refresher,
		buffer:    credentials.DefaultExpiryBuffer,
		nowFunc:   time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Do performs an authorized backend call. The credential is read fresh from
// the token store on every attempt, so a refresh completed by a concurrent
// caller is always observed.
func (p *Pipeline) Do(ctx context.Context, req api.Request) (*api.Response, error) {
	accessToken, err := p.currentAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req.AccessToken = accessToken

	resp, err := p.backend.Do(ctx, req)
	if err == nil {
		return resp, nil
	}

	switch {
	case api.IsUnauthorized(err):
		return p.retryAfterRefresh(ctx, req)
	case api.IsForbidden(err):
		return nil, errors.Wrap(ErrPermissionDenied, err.Error())
	default:
		// Validation, server, and network failures propagate unchanged.
		return nil, err
	}
}

// retryAfterRefresh handles the one reactive refresh-and-retry a rejected
// call is entitled to. The session manager tears itself down when the
// refresh fails, so subsequent calls fail fast.
func (p *Pipeline) retryAfterRefresh(ctx context.Context, req api.Request) (*api.Response, error) {
	p.log.Debug().Str("path", req.Path).Msg("unauthorized response, refreshing once")

	if err := p.refresher.Refresh(ctx); err != nil {
		return nil, errors.Wrap(ErrAuthenticationRequired, err.Error())
	}

	stored, err := p.store.Load()
	if err != nil || stored == nil {
		return nil, errors.Wrap(ErrAuthenticationRequired, "no credential after refresh")
	}
	req.AccessToken = stored.Credential.AccessToken

	resp, err := p.backend.Do(ctx, req)
	if err != nil {
		if api.IsForbidden(err) {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}
		// A second unauthorized rejection is surfaced as-is; there is no
		// second refresh and no retry loop.
		return nil, err
	}
	return resp, nil
}

// currentAccessToken reads the store and returns a credential fit to send,
// refreshing first when the stored one is within the expiry buffer.
func (p *Pipeline) currentAccessToken(ctx context.Context) (string, error) {
	stored, err := p.store.Load()
	if err != nil {
		return "", errors.Wrap(err, "[Pipeline] read token store")
	}
	if stored == nil {
		return "", errors.Wrap(ErrAuthenticationRequired, "no stored session")
	}

	if !stored.Credential.Expired(p.nowFunc(), p.buffer) {
		return stored.Credential.AccessToken, nil
	}

	p.log.Debug().Time("expires_at", stored.Credential.ExpiresAt).Msg("credential near expiry, refreshing before send")
	if err := p.refresher.Refresh(ctx); err != nil {
		return "", errors.Wrap(ErrAuthenticationRequired, err.Error())
	}

	stored, err = p.store.Load()
	if err != nil || stored == nil {
		return "", errors.Wrap(ErrAuthenticationRequired, "no credential after refresh")
	}
	return stored.Credential.AccessToken, nil
}
