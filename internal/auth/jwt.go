package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTManager signs and validates HS256 access tokens. Refresh tokens are
// opaque random strings; only their hash is handed to the caller for
// storage.
type JWTManager struct {
	signingKey         []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	issuer             string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey string, accessExpiry, refreshExpiry time.Duration) *JWTManager {
	return &JWTManager{
		signingKey:         []byte(signingKey),
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
		issuer:             "candor-conductor",
	}
}

// CustomClaims carries the conductor's identity claims on top of the
// registered set.
type CustomClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
}

// GenerateTokenPair returns the pair plus the refresh token's hash
func (j *JWTManager) GenerateTokenPair(user *User) (*TokenPair, string, error) {
	accessToken, err := j.generateAccessToken(user)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, refreshHash, err := generateRefreshToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(j.accessTokenExpiry.Seconds()),
	}, refreshHash, nil
}

func (j *JWTManager) generateAccessToken(user *User) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		TenantID: user.TenantID.String(),
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		Scopes:   ScopesForRole(user.Role),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.signingKey)
}

// ValidateAccessToken parses and verifies a token and rebuilds the user
// context from its claims. The signing method is pinned to HMAC so a
// token claiming alg=none or an asymmetric scheme is rejected outright.
func (j *JWTManager) ValidateAccessToken(tokenString string) (*UserContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Issuer != j.issuer {
		return nil, fmt.Errorf("invalid token issuer")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid user ID in token: %w", err)
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant ID in token: %w", err)
	}

	return &UserContext{
		UserID:    userID,
		TenantID:  tenantID,
		Username:  claims.Username,
		Email:     claims.Email,
		Role:      claims.Role,
		Scopes:    claims.Scopes,
		TokenType: "jwt",
	}, nil
}

// RefreshAccessToken issues a fresh access token for an already verified
// refresh-token holder
func (j *JWTManager) RefreshAccessToken(user *User) (string, error) {
	return j.generateAccessToken(user)
}

var roleScopes = map[string][]string{
	RoleOwner: {
		ScopeGuardrailsRead, ScopeGuardrailsManage,
		ScopeWorkflowsRun,
		ScopeConversationsRead, ScopeConversationsWrite,
		ScopeProfilingRun,
		ScopeAPIKeysManage,
		ScopeUsersManage,
		ScopeTenantManage,
	},
	RoleAdmin: {
		ScopeGuardrailsRead, ScopeGuardrailsManage,
		ScopeWorkflowsRun,
		ScopeConversationsRead, ScopeConversationsWrite,
		ScopeProfilingRun,
		ScopeAPIKeysManage,
		ScopeUsersManage,
	},
	RoleUser: {
		ScopeGuardrailsRead,
		ScopeWorkflowsRun,
		ScopeConversationsRead, ScopeConversationsWrite,
		ScopeProfilingRun,
	},
}

// ScopesForRole returns the scope grant for a role; unknown roles get the
// plain user grant.
func ScopesForRole(role string) []string {
	scopes, ok := roleScopes[role]
	if !ok {
		scopes = roleScopes[RoleUser]
	}
	return append([]string(nil), scopes...)
}

func generateRefreshToken() (token string, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	token = base64.URLEncoding.EncodeToString(b)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func compareTokenHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractBearerToken pulls the token out of an Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[len(prefix):], nil
}
