package coordination

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/agentfleet/config"
	"github.com/BaSui01/agentfleet/types"
)

// minGrantKeyLen is the minimum HS256 signing key length in bytes.
const minGrantKeyLen = 32

// GrantClaims is the payload of a signed grant token.
type GrantClaims struct {
	Level AccessLevel `json:"lvl"`
	jwt.RegisteredClaims
}

// GrantIssuer signs and verifies portable access grants.
type GrantIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewGrantIssuer creates an HS256 issuer. The key must be at least 32 bytes.
func NewGrantIssuer(key []byte, issuer string, ttl time.Duration) (*GrantIssuer, error) {
	if len(key) < minGrantKeyLen {
		return nil, types.NewValidationError("grant signing key must be at least %d bytes", minGrantKeyLen)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &GrantIssuer{
		key:    append([]byte(nil), key...),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// NewGrantIssuerFromConfig returns nil without error when no signing key is
// configured.
func NewGrantIssuerFromConfig(cfg config.AuthConfig) (*GrantIssuer, error) {
	if cfg.GrantSigningKey == "" {
		return nil, nil
	}
	return NewGrantIssuer([]byte(cfg.GrantSigningKey), cfg.Issuer, cfg.GrantTTL)
}

// Issue signs a token binding principalID to level.
func (g *GrantIssuer) Issue(principalID string, level AccessLevel) (string, error) {
	if principalID == "" {
		return "", types.NewValidationError("principal id must not be empty")
	}
	if !level.Valid() {
		return "", types.NewValidationError("invalid access level %d", int(level))
	}
	now := g.now()
	claims := GrantClaims{
		Level: level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign grant token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. Invalid, expired or
// foreign tokens yield ACCESS_DENIED.
func (g *GrantIssuer) Verify(token string) (*GrantClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(g.now),
		jwt.WithExpirationRequired(),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, types.NewAccessDeniedError("invalid grant token").WithCause(err)
	}
	if !claims.Level.Valid() {
		return nil, types.NewAccessDeniedError("grant token carries invalid level %d", int(claims.Level))
	}
	return claims, nil
}
