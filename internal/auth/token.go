// ABOUTME: JWT token mint/verify for authenticating agents during the handshake.
// ABOUTME: Uses HS256 signing with the shared cluster secret.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is what a verified handshake token asserts: which principal the
// connecting process is, and which agent id it is allowed to register as.
// Principal is stable across reconnects and drives the recovery path; two
// connections with the same agent id but different principals conflict.
type Identity struct {
	Principal string
	AgentID   string
}

// TokenVerifier verifies handshake tokens into identities.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// ClusterAuth mints and verifies HS256 tokens signed with the cluster secret.
type ClusterAuth struct {
	secret []byte
}

// NewClusterAuth creates an authenticator for the given shared secret.
func NewClusterAuth(secret []byte) (*ClusterAuth, error) {
	if len(secret) == 0 {
		return nil, errors.New("cluster secret must not be empty")
	}
	return &ClusterAuth{secret: secret}, nil
}

// Secret returns the raw cluster secret for frame key derivation.
func (a *ClusterAuth) Secret() []byte {
	return a.secret
}

// Verify validates the token and extracts the identity claims.
func (a *ClusterAuth) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	agentID, _ := claims["agent"].(string)

	return &Identity{Principal: sub, AgentID: agentID}, nil
}

// Generate creates a token asserting the given principal and agent id.
func (a *ClusterAuth) Generate(principal, agentID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   principal,
		"agent": agentID,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
