package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// Claims carry the authenticated agent identity inside a session token.
type Claims struct {
	AgentID     string `json:"agent_id"`
	AccessLevel string `json:"access_level"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 session tokens. Required in
// production; development sessions may run unauthenticated.
type Authenticator struct {
	secret   []byte
	required bool
	ttl      time.Duration
}

// NewAuthenticator builds an authenticator over the shared signing key.
func NewAuthenticator(secret []byte, required bool) *Authenticator {
	return &Authenticator{secret: secret, required: required, ttl: 24 * time.Hour}
}

// Required reports whether unauthenticated sessions are rejected.
func (a *Authenticator) Required() bool { return a.required }

// Issue signs a token asserting the agent's identity and access level.
func (a *Authenticator) Issue(agentID, accessLevel string) (string, error) {
	now := time.Now()
	claims := Claims{
		AgentID:     agentID,
		AccessLevel: accessLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tmws",
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a bearer token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.E(types.KindPermission, "unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, types.E(types.KindPermission, "invalid session token")
	}
	if claims.AgentID == "" {
		return nil, types.E(types.KindPermission, "token is missing the agent identity")
	}
	if claims.AccessLevel != "" && !types.ValidAccessLevel(claims.AccessLevel) {
		return nil, types.E(types.KindPermission, "token asserts an unknown access level")
	}
	return claims, nil
}
