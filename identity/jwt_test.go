package identity_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/bastion/identity"
)

var signingKey = []byte("test-signing-key")

func signToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(signingKey)
	require.NoError(t, err)
	return s
}

func TestParseHMAC(t *testing.T) {
	t.Parallel()

	tokenString := signToken(t, &identity.Claims{
		Roles:  []string{"editor"},
		Tenant: "org-a",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	id, err := identity.ParseHMAC(tokenString, signingKey)
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.Subject)
	assert.Equal(t, "org-a", id.Tenant)
	assert.True(t, id.HasRole("editor"))
}

func TestParseHMACExpired(t *testing.T) {
	t.Parallel()

	tokenString := signToken(t, &identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := identity.ParseHMAC(tokenString, signingKey)
	assert.Error(t, err)
}

func TestParseHMACWrongKey(t *testing.T) {
	t.Parallel()

	tokenString := signToken(t, &identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
	})

	_, err := identity.ParseHMAC(tokenString, []byte("other-key"))
	assert.Error(t, err)
}

func TestFromMapClaims(t *testing.T) {
	t.Parallel()

	id := identity.FromMapClaims(jwt.MapClaims{
		"sub":    "user-9",
		"tenant": "org-b",
		"roles":  []any{"admin", "member"},
		"plan":   "enterprise",
	})
	require.NotNil(t, id)
	assert.Equal(t, "user-9", id.Subject)
	assert.Equal(t, "org-b", id.Tenant)
	assert.Equal(t, []string{"admin", "member"}, id.Roles)

	v, ok := id.Claim("plan")
	require.True(t, ok)
	assert.Equal(t, "enterprise", v)

	assert.Nil(t, identity.FromMapClaims(nil))
}

func TestFromClaims(t *testing.T) {
	t.Parallel()

	assert.Nil(t, identity.FromClaims(nil))

	id := identity.FromClaims(&identity.Claims{
		Tenant:           "org-c",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	assert.Equal(t, "user-1", id.Subject)
	assert.Equal(t, "org-c", id.Tenant)
	assert.Empty(t, id.Roles)
}
