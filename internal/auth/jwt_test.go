package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatdesk/internal/domain"
)

const testSecret = "test-secret-key-for-jwt-validation"

func signClaims(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-123",
		"tenant_id": "acme",
		"role":      "user",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

func TestValidateToken_Visitor(t *testing.T) {
	claims := baseClaims()
	claims["session_id"] = "s1"

	id, err := NewJWTValidator(testSecret).ValidateToken(signClaims(t, claims, testSecret))
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{
		TenantID:  "acme",
		Role:      domain.RoleUser,
		UserID:    "user-123",
		SessionID: "s1",
		Name:      "user-123",
	}, *id)
}

func TestValidateToken_RoundTrip(t *testing.T) {
	want := domain.Identity{TenantID: "acme", Role: domain.RoleAgent, UserID: "u7", AgentID: "a7", Name: "Dana"}

	token, err := IssueToken(testSecret, want, time.Minute)
	require.NoError(t, err)

	got, err := NewJWTValidator(testSecret).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestValidateToken_Rejections(t *testing.T) {
	without := func(key string) jwt.MapClaims {
		c := baseClaims()
		delete(c, key)
		return c
	}
	with := func(key string, v interface{}) jwt.MapClaims {
		c := baseClaims()
		c[key] = v
		return c
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  error
	}{
		{"empty", func(t *testing.T) string { return "" }, ErrInvalidToken},
		{"malformed", func(t *testing.T) string { return "not.a.jwt" }, ErrInvalidToken},
		{"wrong secret", func(t *testing.T) string { return signClaims(t, baseClaims(), "wrong-secret") }, ErrInvalidSignature},
		{"expired", func(t *testing.T) string {
			return signClaims(t, with("exp", time.Now().Add(-time.Hour).Unix()), testSecret)
		}, ErrExpiredToken},
		{"missing sub", func(t *testing.T) string { return signClaims(t, without("sub"), testSecret) }, ErrMissingClaims},
		{"missing tenant", func(t *testing.T) string { return signClaims(t, without("tenant_id"), testSecret) }, ErrMissingClaims},
		{"unknown role", func(t *testing.T) string { return signClaims(t, with("role", "root"), testSecret) }, ErrMissingClaims},
		{"role not a string", func(t *testing.T) string { return signClaims(t, with("role", []string{"admin"}), testSecret) }, ErrMissingClaims},
		{"agent without agent_id", func(t *testing.T) string { return signClaims(t, with("role", "agent"), testSecret) }, ErrMissingClaims},
		{"none algorithm", func(t *testing.T) string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return token
		}, ErrInvalidToken},
	}

	v := NewJWTValidator(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(tt.token(t))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	id := domain.Identity{TenantID: "acme", Role: domain.RoleAdmin, UserID: "boss"}
	got, ok := FromContext(WithIdentity(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, id, got)
}
