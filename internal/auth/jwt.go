// Package auth verifies caller credentials and carries the resulting
// identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/real-rm/chatdesk/internal/domain"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
)

// Claim names
const (
	ClaimSubject   = "sub"
	ClaimTenant    = "tenant_id"
	ClaimRole      = "role"
	ClaimAgent     = "agent_id"
	ClaimSession   = "session_id"
	ClaimName      = "name"
	ClaimExpiresAt = "exp"
	ClaimIssuedAt  = "iat"
)

// JWTValidator verifies HS256 tokens and turns their claims into an Identity.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a new JWT validator with the given secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateToken verifies the signature and expiry of tokenString and
// extracts the caller identity. sub, tenant_id and role are required;
// agents must also carry agent_id.
func (v *JWTValidator) ValidateToken(tokenString string) (*domain.Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (*domain.Identity, error) {
	id := &domain.Identity{}

	var ok bool
	if id.UserID, ok = claims[ClaimSubject].(string); !ok || id.UserID == "" {
		return nil, fmt.Errorf("%w: sub claim missing or invalid", ErrMissingClaims)
	}
	if id.TenantID, ok = claims[ClaimTenant].(string); !ok || id.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id claim missing or invalid", ErrMissingClaims)
	}

	role, _ := claims[ClaimRole].(string)
	switch r := domain.Role(role); r {
	case domain.RoleUser, domain.RoleBot, domain.RoleAgent, domain.RoleAdmin:
		id.Role = r
	default:
		return nil, fmt.Errorf("%w: role claim missing or unknown: %q", ErrMissingClaims, role)
	}

	id.AgentID, _ = claims[ClaimAgent].(string)
	id.SessionID, _ = claims[ClaimSession].(string)
	id.Name, _ = claims[ClaimName].(string)

	if id.Role == domain.RoleAgent && id.AgentID == "" {
		return nil, fmt.Errorf("%w: agent tokens need agent_id", ErrMissingClaims)
	}
	if id.Name == "" {
		id.Name = id.UserID
	}
	return id, nil
}

// IssueToken signs an HS256 token for id that expires after ttl. Deployments
// normally receive tokens from their identity provider; this serves tooling
// and tests.
func IssueToken(secret string, id domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		ClaimSubject:   id.UserID,
		ClaimTenant:    id.TenantID,
		ClaimRole:      string(id.Role),
		ClaimIssuedAt:  now.Unix(),
		ClaimExpiresAt: now.Add(ttl).Unix(),
	}
	if id.AgentID != "" {
		claims[ClaimAgent] = id.AgentID
	}
	if id.SessionID != "" {
		claims[ClaimSession] = id.SessionID
	}
	if id.Name != "" {
		claims[ClaimName] = id.Name
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}
