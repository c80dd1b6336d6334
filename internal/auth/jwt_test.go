package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUser() *User {
	return &User{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Email:    "casey@example.com",
		Username: "casey",
		Role:     RoleAdmin,
	}
}

func TestGenerateAndValidateTokenPair(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute, time.Hour)
	user := testUser()

	pair, refreshHash, err := mgr.GenerateTokenPair(user)
	require.NoError(t, err)
	require.NotNil(t, pair)

	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 60, pair.ExpiresIn)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, hashToken(pair.RefreshToken), refreshHash)

	userCtx, err := mgr.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userCtx.UserID)
	assert.Equal(t, user.TenantID, userCtx.TenantID)
	assert.Equal(t, user.Username, userCtx.Username)
	assert.Equal(t, user.Email, userCtx.Email)
	assert.Equal(t, RoleAdmin, userCtx.Role)
	assert.False(t, userCtx.IsAPIKey)
	assert.Equal(t, "jwt", userCtx.TokenType)
	assert.ElementsMatch(t, ScopesForRole(RoleAdmin), userCtx.Scopes)
}

func TestValidateRejectsForgedSignature(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute, time.Hour)
	other := NewJWTManager("other-secret", time.Minute, time.Hour)

	pair, _, err := mgr.GenerateTokenPair(testUser())
	require.NoError(t, err)

	_, err = other.ValidateAccessToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	mgr := NewJWTManager("test-secret", -time.Minute, time.Hour)

	pair, _, err := mgr.GenerateTokenPair(testUser())
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Minute, time.Hour)
	user := testUser()

	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    "someone-else",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		TenantID: user.TenantID.String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(mgr.signingKey)
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer")
}

func TestScopesPerRole(t *testing.T) {
	owner := ScopesForRole(RoleOwner)
	admin := ScopesForRole(RoleAdmin)
	user := ScopesForRole(RoleUser)

	assert.Contains(t, owner, ScopeTenantManage)
	assert.NotContains(t, admin, ScopeTenantManage)
	assert.Contains(t, admin, ScopeUsersManage)

	assert.NotContains(t, user, ScopeGuardrailsManage)
	assert.NotContains(t, user, ScopeAPIKeysManage)
	for _, s := range []string{ScopeGuardrailsRead, ScopeWorkflowsRun, ScopeConversationsRead, ScopeConversationsWrite, ScopeProfilingRun} {
		assert.Contains(t, user, s)
		assert.Contains(t, admin, s)
		assert.Contains(t, owner, s)
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, err := ExtractBearerToken("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	_, err = ExtractBearerToken("abc123")
	assert.Error(t, err)

	_, err = ExtractBearerToken("")
	assert.Error(t, err)
}

func TestTokenHashing(t *testing.T) {
	h1 := hashToken("ck_deadbeef")
	h2 := hashToken("ck_deadbeef")
	h3 := hashToken("ck_livebeef")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.True(t, compareTokenHash(h1, h2))
	assert.False(t, compareTokenHash(h1, h3))
}
