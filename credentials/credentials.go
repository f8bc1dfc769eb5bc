// Package credentials holds the access/refresh token pair issued by the
// Stride backend and the expiry arithmetic the rest of the client builds on.
package credentials

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// DefaultExpiryBuffer is how far ahead of the declared expiry the client
// treats a credential as stale, so a proactive refresh always lands before a
// request could race against real expiry.
const DefaultExpiryBuffer = 5 * time.Minute

var (
	ErrEmptyGrant = errors.New("grant contains no access token")
)

// Grant is the token material as the backend returns it from the login and
// refresh endpoints. ExpiresIn is the server-declared lifetime in seconds.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// Pair is a credential pair with an absolute expiry. ExpiresAt is always
// derived from the server-declared lifetime at issue time and never extended
// locally.
type Pair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// FromGrant converts a freshly issued grant into a Pair, anchoring ExpiresAt
// at now + expires_in. When the server omits expires_in, the unverified exp
// claim of the access token is used instead.
func FromGrant(g Grant, now time.Time) (Pair, error) {
	if strings.TrimSpace(g.AccessToken) == "" {
		return Pair{}, ErrEmptyGrant
	}

	pair := Pair{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
	}

	if g.ExpiresIn > 0 {
		pair.ExpiresAt = now.Add(time.Duration(g.ExpiresIn) * time.Second)
		return pair, nil
	}

	exp, err := expiryFromToken(g.AccessToken)
	if err != nil {
		return Pair{}, errors.Wrap(err, "[FromGrant] no expires_in and no exp claim")
	}
	pair.ExpiresAt = exp
	return pair, nil
}

// IsZero reports whether the pair carries no token material.
func (p Pair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Expired reports whether the pair is within buffer of its expiry at the
// given instant. A zero ExpiresAt is always treated as expired.
func (p Pair) Expired(now time.Time, buffer time.Duration) bool {
	if p.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(p.ExpiresAt.Add(-buffer))
}

// expiryFromToken extracts the exp claim without verifying the signature.
// The client never verifies tokens; that is the backend's job. The claim is
// only a fallback source for scheduling refreshes.
func expiryFromToken(rawToken string) (time.Time, error) {
	token, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "[expiryFromToken] ParseUnverified")
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return time.Time{}, errors.New("[expiryFromToken] error extracting claims")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("[expiryFromToken] token has no exp claim")
	}
	return exp.Time, nil
}
