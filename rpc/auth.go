package rpc

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes accepted on mutating methods. Admin implies write.
const (
	ScopeWrite = "escrow.write"
	ScopeAdmin = "escrow.admin"
)

// Authenticator validates HS256 bearer tokens on mutating RPC methods. A zero
// secret disables authentication entirely, which is only acceptable for local
// development.
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewAuthenticator builds an authenticator from the shared secret and expected
// issuer. An empty secret yields a disabled authenticator.
func NewAuthenticator(secret, issuer string) *Authenticator {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return &Authenticator{}
	}
	return &Authenticator{
		secret:    []byte(trimmed),
		issuer:    strings.TrimSpace(issuer),
		clockSkew: 2 * time.Minute,
	}
}

// Enabled reports whether tokens are being checked.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Require validates the request's bearer token and the presence of the given
// scope. It returns nil when the request may proceed.
func (a *Authenticator) Require(r *http.Request, scope string) *RPCError {
	if !a.Enabled() {
		return nil
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return &RPCError{Code: codeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	if !hasScope(claims, scope) {
		return &RPCError{Code: codeUnauthorized, Message: "insufficient scope", Data: scope}
	}
	return nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// hasScope checks the space-delimited "scope" claim. Admin tokens satisfy
// every scope.
func hasScope(claims jwt.MapClaims, want string) bool {
	raw, ok := claims["scope"].(string)
	if !ok {
		return false
	}
	for _, scope := range strings.Fields(raw) {
		if scope == want || scope == ScopeAdmin {
			return true
		}
	}
	return false
}
