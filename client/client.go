// Package client assembles the full authorization stack behind one handle:
// backend transport, token store, session manager, request pipeline, and
// access guard. It is the only package a host application needs to import.
package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/strideapp/go-stride-client/api"
	"github.com/strideapp/go-stride-client/guard"
	"github.com/strideapp/go-stride-client/internal/config"
	"github.com/strideapp/go-stride-client/pipeline"
	"github.com/strideapp/go-stride-client/session"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

const (
	driverMemory = "memory"
	driverFile   = "file"
	driverSQLite = "sqlite"

	fileVaultName   = "session.json"
	sqliteVaultName = "stride.db"
)

// Client is the composition root. Zero-value is not usable; construct with
// New and release resources with Close.
type Client struct {
	backend  api.Backend
	store    *tokenstore.Store
	manager  *session.Manager
	pipeline *pipeline.Pipeline
	guard    *guard.Guard
	log      zerolog.Logger

	refreshInterval time.Duration
	expiryBuffer    time.Duration
	nowFunc         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option modifies a Client during construction.
type Option func(*options)

type options struct {
	backend   api.Backend
	durable   tokenstore.Vault
	ephemeral tokenstore.Vault
	hierarchy users.Hierarchy
	onDenied  guard.DeniedHandler
	onExpired func()
	nowFunc   func() time.Time
	log       zerolog.Logger
}

// WithBackend replaces the HTTP backend built from configuration. Used to
// point the client at a fake in tests.
func WithBackend(backend api.Backend) Option {
	return func(o *options) {
		o.backend = backend
	}
}

// WithVaults replaces the vaults built from configuration.
func WithVaults(durable, ephemeral tokenstore.Vault) Option {
	return func(o *options) {
		o.durable = durable
		o.ephemeral = ephemeral
	}
}

// WithHierarchy replaces the default role ordering.
func WithHierarchy(h users.Hierarchy) Option {
	return func(o *options) {
		o.hierarchy = h
	}
}

// WithDeniedHandler installs the handler invoked when RequireAccess denies.
func WithDeniedHandler(fn guard.DeniedHandler) Option {
	return func(o *options) {
		o.onDenied = fn
	}
}

// WithSessionExpiredHandler installs a callback invoked when the session is
// torn down involuntarily (e.g. a failed refresh). Host applications
// typically redirect to re-authentication from here.
func WithSessionExpiredHandler(fn func()) Option {
	return func(o *options) {
		o.onExpired = fn
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		o.nowFunc = now
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// New builds the full stack from configuration.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("[client.New] config is required")
	}

	o := &options{nowFunc: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	backend := o.backend
	if backend == nil {
		backend = api.NewHTTPClient(cfg.GetBaseURL(),
			api.WithTimeout(cfg.GetTimeout()),
			api.WithUserAgent(cfg.GetUserAgent()),
			api.WithLogger(o.log))
	}

	durable, ephemeral := o.durable, o.ephemeral
	if durable == nil || ephemeral == nil {
		var err error
		durable, ephemeral, err = buildVaults(cfg)
		if err != nil {
			return nil, err
		}
	}

	store, err := tokenstore.New(durable, ephemeral,
		tokenstore.WithNowFunc(o.nowFunc),
		tokenstore.WithLogger(o.log))
	if err != nil {
		return nil, err
	}

	// The teardown handler needs the client before it exists; c is assigned
	// below, before any operation that could trigger a teardown.
	var c *Client
	manager, err := session.NewManager(backend, store,
		session.WithNowFunc(o.nowFunc),
		session.WithLogger(o.log),
		session.WithTeardownHandler(func() {
			if c != nil {
				c.cancelLoop()
			}
			if o.onExpired != nil {
				o.onExpired()
			}
		}))
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(backend, store, manager,
		pipeline.WithExpiryBuffer(cfg.GetExpiryBuffer()),
		pipeline.WithNowFunc(o.nowFunc),
		pipeline.WithLogger(o.log))
	if err != nil {
		return nil, err
	}

	guardOpts := []guard.Option{guard.WithLogger(o.log)}
	if o.hierarchy != nil {
		guardOpts = append(guardOpts, guard.WithHierarchy(o.hierarchy))
	}
	if o.onDenied != nil {
		guardOpts = append(guardOpts, guard.WithDeniedHandler(o.onDenied))
	}
	g, err := guard.New(pipe, manager, guardOpts...)
	if err != nil {
		return nil, err
	}

	c = &Client{
		backend:         backend,
		store:           store,
		manager:         manager,
		pipeline:        pipe,
		guard:           g,
		log:             o.log,
		refreshInterval: cfg.GetRefreshInterval(),
		expiryBuffer:    cfg.GetExpiryBuffer(),
		nowFunc:         o.nowFunc,
	}
	return c, nil
}

func buildVaults(cfg config.StorageConfig) (durable, ephemeral tokenstore.Vault, err error) {
	ephemeral = tokenstore.NewMemVault()

	switch cfg.GetStorageDriver() {
	case driverMemory:
		return tokenstore.NewMemVault(), ephemeral, nil

	case driverFile, "":
		if err := os.MkdirAll(cfg.GetDataFolder(), 0o700); err != nil {
			return nil, nil, errors.Wrap(err, "[client] create data folder")
		}
		var fileOpts []tokenstore.FileVaultOption
		if keyFile := cfg.GetEncryptionKeyFile(); keyFile != "" {
			fileOpts = append(fileOpts, tokenstore.WithEncryptionKeyFile(keyFile))
		}
		durable, err = tokenstore.NewFileVault(filepath.Join(cfg.GetDataFolder(), fileVaultName), fileOpts...)
		return durable, ephemeral, err

	case driverSQLite:
		if err := os.MkdirAll(cfg.GetDataFolder(), 0o700); err != nil {
			return nil, nil, errors.Wrap(err, "[client] create data folder")
		}
		durable, err = tokenstore.NewSQLiteVault(filepath.Join(cfg.GetDataFolder(), sqliteVaultName))
		return durable, ephemeral, err

	default:
		return nil, nil, errors.Errorf("[client] unknown storage driver %q", cfg.GetStorageDriver())
	}
}

// Start restores any persisted session and, when one is live, begins the
// background refresh loop. It reports whether a session was restored. Start
// is idempotent; a second call only reports the current state.
func (c *Client) Start(ctx context.Context) (bool, error) {
	restored, err := c.manager.Restore(ctx)
	if err != nil {
		// A persisted session the backend no longer honors is not fatal;
		// the client simply starts unauthenticated.
		c.log.Warn().Err(err).Msg("persisted session could not be restored")
	}

	if restored {
		c.startLoop()
	}
	return restored, nil
}

// startLoop begins the proactive refresh loop unless one is already running.
func (c *Client) startLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.refreshLoop(loopCtx)
}

// cancelLoop signals the refresh loop to exit without waiting for it, so it
// is safe to call from within the loop's own refresh attempt.
func (c *Client) cancelLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// refreshLoop renews the credential ahead of expiry so interactive calls
// rarely pay refresh latency. The reactive path in the pipeline remains the
// correctness backstop; this loop is best-effort.
func (c *Client) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.refreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.manager.State() != session.Authenticated {
				continue
			}
			if !c.store.IsExpired(c.expiryBuffer) {
				continue
			}
			if err := c.manager.Refresh(ctx); err != nil {
				c.log.Warn().Err(err).Msg("background refresh failed")
			}
		}
	}
}

// Login authenticates and establishes a session persisted under the given
// class. A successful login starts the background refresh loop.
func (c *Client) Login(ctx context.Context, email, password string, class tokenstore.Persistence) (*users.User, error) {
	user, err := c.manager.Login(ctx, email, password, class)
	if err != nil {
		return nil, err
	}
	c.startLoop()
	return user, nil
}

// Logout ends the session locally and best-effort on the backend, stopping
// the background refresh loop so nothing keeps checking a cleared session.
func (c *Client) Logout(ctx context.Context) error {
	c.cancelLoop()
	return c.manager.Logout(ctx)
}

// Do performs an authorized backend call through the pipeline.
func (c *Client) Do(ctx context.Context, req api.Request) (*api.Response, error) {
	return c.pipeline.Do(ctx, req)
}

// CanAccess reports whether the session may perform an operation requiring
// the given role.
func (c *Client) CanAccess(ctx context.Context, required users.RoleType) (bool, error) {
	return c.guard.CanAccess(ctx, required)
}

// RequireAccess is CanAccess plus denial side effects.
func (c *Client) RequireAccess(ctx context.Context, required users.RoleType, destination string) (bool, error) {
	return c.guard.RequireAccess(ctx, required, destination)
}

// ConsumeReturnDestination returns and clears the destination recorded by
// the most recent denial.
func (c *Client) ConsumeReturnDestination() string {
	return c.guard.ConsumeReturnDestination()
}

// State returns the session state.
func (c *Client) State() session.State {
	return c.manager.State()
}

// CurrentUser returns the authenticated user, if any.
func (c *Client) CurrentUser() (users.User, bool) {
	snapshot := c.manager.Snapshot()
	if snapshot == nil {
		return users.User{}, false
	}
	return snapshot.User, true
}

// Close stops the background loop and releases storage handles. The session
// itself is left intact so it can be restored by the next Start.
func (c *Client) Close() error {
	c.cancelLoop()
	c.wg.Wait()

	return c.store.Close()
}
