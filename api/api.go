// Package api defines the Stride backend collaborator: the endpoints the
// auth core consumes, the classification of its rejections, and an HTTP
// implementation. The business-domain CRUD surface is reached through the
// generic Do call; this package does not interpret those payloads.
package api

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/strideapp/go-stride-client/credentials"
	"github.com/strideapp/go-stride-client/users"
)

// Backend is the remote API surface the auth core depends on. Implementations
// must classify every failure as an *Error so callers can apply policy by Kind.
type Backend interface {
	// Login exchanges credentials for a user record and a token grant.
	Login(ctx context.Context, email, password string) (*AuthResult, error)

	// Refresh exchanges a refresh token for a new grant. The backend may
	// return an updated user record alongside the tokens.
	Refresh(ctx context.Context, refreshToken string) (*AuthResult, error)

	// Logout notifies the backend that the session is ending. Callers treat
	// failures as best-effort.
	Logout(ctx context.Context, accessToken string) error

	// Do performs a generic call against the backend, attaching accessToken
	// from the request when present. The response body is returned raw.
	Do(ctx context.Context, req Request) (*Response, error)
}

// AuthResult is the payload of the login and refresh endpoints.
type AuthResult struct {
	User   users.User        `json:"user"`
	Tokens credentials.Grant `json:"tokens"`
}

// Request describes a single backend call made through Do.
type Request struct {
	Method      string     // HTTP method; defaults to GET when empty
	Path        string     // Path relative to the base URL, e.g. "/goals"
	Query       url.Values // Optional query parameters
	Body        any        // Optional body, JSON-encoded when non-nil
	AccessToken string     // Credential attached as a bearer header when set
}

// Response is the raw outcome of a successful Do call.
type Response struct {
	Status int             // HTTP status code (always 2xx; rejections are errors)
	Body   json.RawMessage // Raw response body for the caller to decode
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Paths of the auth endpoints this core consumes.
const (
	PathLogin   = "/auth/login"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
	PathMe      = "/auth/me"
)
