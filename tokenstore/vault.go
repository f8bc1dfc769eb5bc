package tokenstore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Vault.Fetch when the vault holds no record.
var ErrNotFound = errors.New("no session record in vault")

// Record is the triple a vault persists for one session: the credential pair
// and the serialized user. A record missing any field is not a session.
type Record struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    time.Time       `json:"expires_at"`
	User         json.RawMessage `json:"user"`
}

// complete reports whether the record carries everything a session needs.
func (r Record) complete() bool {
	return r.AccessToken != "" && r.RefreshToken != "" && len(r.User) > 0
}

// Vault is one persistence namespace. Put replaces the whole record
// atomically; Fetch returns ErrNotFound when the namespace is empty.
// Clear is idempotent.
type Vault interface {
	Put(rec Record) error
	Fetch() (Record, error)
	Clear() error
	Close() error
}
