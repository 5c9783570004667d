// Package service implements the gateway's connection lifecycle: the
// Authenticator, Registry, Session state machine, Directory client, broker
// consumer, and dispatcher.
package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthErrorKind classifies why an upgrade request was rejected, matching the
// failure reasons enumerated for the Authenticator.
type AuthErrorKind int

const (
	// AuthErrorMissingToken means no token was present in the request at all.
	AuthErrorMissingToken AuthErrorKind = iota
	// AuthErrorMalformedToken means the token could not be parsed as a JWT.
	AuthErrorMalformedToken
	// AuthErrorBadSignature means the token's signature did not verify.
	AuthErrorBadSignature
	// AuthErrorExpired means the token parsed and verified but is expired.
	AuthErrorExpired
	// AuthErrorMissingClaim means the token verified but lacks a required claim.
	AuthErrorMissingClaim
)

// String renders the kind as the label used in metrics and logs.
func (k AuthErrorKind) String() string {
	switch k {
	case AuthErrorMissingToken:
		return "missing_token"
	case AuthErrorMalformedToken:
		return "malformed_token"
	case AuthErrorBadSignature:
		return "bad_signature"
	case AuthErrorExpired:
		return "expired"
	case AuthErrorMissingClaim:
		return "missing_claim"
	default:
		return "unknown"
	}
}

// AuthError is returned by Authenticator.Authenticate when an upgrade
// request must be rejected.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authErr(kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// Claims is the JWT payload this gateway trusts to identify a connecting
// user. UserID is required; any other claim is carried through unexamined.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator validates the bearer token presented during a WebSocket
// upgrade and resolves it to a UserId.
type Authenticator struct {
	secret    []byte
	algorithm string
}

// NewAuthenticator builds an Authenticator that verifies HMAC-signed tokens
// with the given shared secret.
func NewAuthenticator(secret string, algorithm string) *Authenticator {
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &Authenticator{secret: []byte(secret), algorithm: algorithm}
}

// ExtractToken locates the bearer token in an upgrade request, checking the
// "token" query parameter, then the Authorization header, then a "token"
// cookie, in that order.
func ExtractToken(r *http.Request) (string, bool) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok && rest != "" {
			return rest, true
		}
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

// Authenticate validates a raw token string and returns the UserId it
// identifies, or a typed AuthError describing why validation failed.
func (a *Authenticator) Authenticate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", authErr(AuthErrorMissingToken, errors.New("no token presented"))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", authErr(AuthErrorExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", authErr(AuthErrorBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", authErr(AuthErrorMalformedToken, err)
		default:
			return "", authErr(AuthErrorMalformedToken, err)
		}
	}

	if !token.Valid {
		return "", authErr(AuthErrorMalformedToken, errors.New("token not valid"))
	}

	if claims.UserID == "" {
		return "", authErr(AuthErrorMissingClaim, errors.New("missing user_id claim"))
	}

	return claims.UserID, nil
}
