// Package tokenstore persists the current session's credential pair and user
// record across two persistence classes: durable (survives restarts) and
// ephemeral (lives only as long as the process). It is the single piece of
// mutable shared state in the client; Save and Clear are the only mutation
// points and every reader takes a fresh snapshot.
package tokenstore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/users"
)

// Persistence selects which lifetime class a session is saved under.
type Persistence string

const (
	// Durable sessions survive application restarts ("remember me").
	Durable Persistence = "durable"
	// Ephemeral sessions are dropped when the application session ends.
	Ephemeral Persistence = "ephemeral"
)

// Stored is a loaded session snapshot.
type Stored struct {
	Credential  credentials.Pair
	User        users.User
	Persistence Persistence
}

// Store coordinates the two persistence namespaces.
type Store struct {
	durable   Vault
	ephemeral Vault
	nowFunc   func() time.Time
	log       zerolog.Logger
}

// Option modifies a Store during construction.
type Option func(*Store)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// WithLogger sets the logger used when stored data is discarded as malformed.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates a Store over the given durable and ephemeral vaults.
func New(durable, ephemeral Vault, options ...Option) (*Store, error) {
	if durable == nil {
		return nil, errors.New("[tokenstore.New] durable vault is required")
	}
	if ephemeral == nil {
		return nil, errors.New("[tokenstore.New] ephemeral vault is required")
	}

	s := &Store{
		durable:   durable,
		ephemeral: ephemeral,
		nowFunc:   time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Save writes the credential and user to the chosen persistence class and
// unconditionally clears the other class, so no stale copy lingers there.
func (s *Store) Save(pair credentials.Pair, user users.User, class Persistence) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "[Store.Save] marshal user")
	}

	rec := Record{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		User:         userJSON,
	}

	target, other := s.ephemeral, s.durable
	if class == Durable {
		target, other = s.durable, s.ephemeral
	}

	if err := target.Put(rec); err != nil {
		return errors.Wrapf(err, "[Store.Save] put %s", class)
	}
	if err := other.Clear(); err != nil {
		return errors.Wrap(err, "[Store.Save] clear other class")
	}
	return nil
}

// Load returns the stored session, durable class taking precedence when both
// namespaces hold one. Malformed or incomplete stored data is treated as
// empty rather than surfaced, failing safe to unauthenticated. An empty
// store returns (nil, nil).
func (s *Store) Load() (*Stored, error) {
	if stored := s.loadClass(s.durable, Durable); stored != nil {
		return stored, nil
	}
	if stored := s.loadClass(s.ephemeral, Ephemeral); stored != nil {
		return stored, nil
	}
	return nil, nil
}

func (s *Store) loadClass(vault Vault, class Persistence) *Stored {
	rec, err := vault.Fetch()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("class", string(class)).Msg("discarding unreadable session record")
		}
		return nil
	}
	if !rec.complete() {
		return nil
	}

	var user users.User
	if err := json.Unmarshal(rec.User, &user); err != nil {
		s.log.Warn().Err(err).Str("class", string(class)).Msg("discarding malformed user record")
		return nil
	}

	return &Stored{
		Credential: credentials.Pair{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    rec.ExpiresAt,
		},
		User:        user,
		Persistence: class,
	}
}

// Clear removes the session from both persistence classes. Safe to call when
// already empty.
func (s *Store) Clear() error {
	if err := s.durable.Clear(); err != nil {
		return errors.Wrap(err, "[Store.Clear] durable")
	}
	if err := s.ephemeral.Clear(); err != nil {
		return errors.Wrap(err, "[Store.Clear] ephemeral")
	}
	return nil
}

// IsExpired reports whether the stored credential is within buffer of its
// expiry. An empty store counts as expired: there is no credential to use.
func (s *Store) IsExpired(buffer time.Duration) bool {
	stored, err := s.Load()
	if err != nil || stored == nil {
		return true
	}
	return stored.Credential.Expired(s.nowFunc(), buffer)
}

// Close releases both vaults.
func (s *Store) Close() error {
	durableErr := s.durable.Close()
	ephemeralErr := s.ephemeral.Close()
	if durableErr != nil {
		return durableErr
	}
	return ephemeralErr
}
