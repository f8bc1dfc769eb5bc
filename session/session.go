// Package session owns the authentication state machine: login, logout,
// restore-on-startup, and token refresh with single-flight deduplication.
package session

import (
	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/tokenstore"
	"github.com/strideapp/go-stride-client/users"
)

// State is the manager's position in the authentication lifecycle.
type State string

const (
	Unauthenticated State = "unauthenticated"
	Authenticating  State = "authenticating"
	Authenticated   State = "authenticated"
	Refreshing      State = "refreshing"
)

// Session is the authenticated session owned by the Manager. Other
// components only ever see copies via Manager.Snapshot.
type Session struct {
	User        users.User
	Credential  credentials.Pair
	Persistence tokenstore.Persistence
}
