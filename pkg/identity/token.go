package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds how long an issued bearer token is valid absent
// an explicit duration.
const DefaultTokenTTL = 24 * time.Hour

// TokenManager issues and validates bearer tokens using a KeySet, so
// signing key rotation (kid-addressed) never invalidates tokens signed
// under a previous key.
type TokenManager struct {
	keySet KeySet
	issuer string
}

// NewTokenManager constructs a TokenManager over an existing KeySet.
func NewTokenManager(ks KeySet, issuer string) *TokenManager {
	if issuer == "" {
		issuer = "sealgate"
	}
	return &TokenManager{keySet: ks, issuer: issuer}
}

// IssueToken signs a bearer token for an agent within its organization.
func (tm *TokenManager) IssueToken(agentID, orgID string, scope []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		OrgID: orgID,
		Scope: scope,
	}
	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and verifies signature and expiry. It does not
// consult the registry; callers combine this with a registry lookup to
// enforce the active/inactive state machine.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
