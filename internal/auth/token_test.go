// ABOUTME: Tests for cluster token generation and verification.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T, secret string) *ClusterAuth {
	t.Helper()
	ca, err := NewClusterAuth([]byte(secret))
	require.NoError(t, err)
	return ca
}

func TestNewClusterAuthRequiresSecret(t *testing.T) {
	_, err := NewClusterAuth(nil)
	assert.Error(t, err)
}

func TestGenerateAndVerify(t *testing.T) {
	ca := newTestAuth(t, "test-cluster-secret")

	token, err := ca.Generate("ward-7", "analysis-agent", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	identity, err := ca.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ward-7", identity.Principal)
	assert.Equal(t, "analysis-agent", identity.AgentID)
}

func TestVerifyWrongSecret(t *testing.T) {
	ca := newTestAuth(t, "right-secret")
	other := newTestAuth(t, "wrong-secret")

	token, err := ca.Generate("ward-7", "analysis-agent", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	ca := newTestAuth(t, "test-secret")

	token, err := ca.Generate("ward-7", "analysis-agent", -time.Minute)
	require.NoError(t, err)

	_, err = ca.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyGarbage(t *testing.T) {
	ca := newTestAuth(t, "test-secret")

	_, err := ca.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)

	ca := newTestAuth(t, "test-secret")
	_, err = ca.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "ward-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	ca := newTestAuth(t, "test-secret")
	_, err = ca.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenOmitsAgentBinding(t *testing.T) {
	ca := newTestAuth(t, "test-secret")

	token, err := ca.Generate("ward-7", "", time.Hour)
	require.NoError(t, err)

	identity, err := ca.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ward-7", identity.Principal)
	assert.Empty(t, identity.AgentID)
}
