package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// newTestService wires the auth service to a sqlmock-backed sqlx.DB.
// Expectations are unordered because ValidateAPIKey updates last_used
// from a goroutine.
func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewService(sqlxDB, zap.NewNop(), "test-secret"), mock
}

func userRows(user *User, passwordHash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "username", "password_hash", "full_name",
		"tenant_id", "role", "is_active", "is_verified", "created_at", "updated_at",
	}).AddRow(
		user.ID.String(), user.Email, user.Username, passwordHash, "Casey Tester",
		user.TenantID.String(), user.Role, true, true, time.Now(), time.Now(),
	)
}

func TestValidateAPIKeyHappyPath(t *testing.T) {
	svc, mock := newTestService(t)
	user := testUser()

	apiKey := "ck_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	keyID := uuid.New()

	keyRows := sqlmock.NewRows([]string{
		"id", "key_hash", "key_prefix", "user_id", "tenant_id",
		"name", "description", "scopes", "rate_limit_per_hour",
		"expires_at", "is_active", "created_at",
	}).AddRow(
		keyID.String(), hashToken(apiKey), apiKey[:8], user.ID.String(), user.TenantID.String(),
		"ci", "", []byte("{guardrails:read,workflows:run}"), 1000,
		nil, true, time.Now(),
	)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.api_keys")).
		WithArgs(apiKey[:8]).
		WillReturnRows(keyRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.users WHERE id = $1")).
		WithArgs(user.ID.String()).
		WillReturnRows(userRows(user, ""))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth.audit_logs")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth.api_keys SET last_used")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	userCtx, err := svc.ValidateAPIKey(context.Background(), apiKey)
	require.NoError(t, err)

	assert.Equal(t, user.ID, userCtx.UserID)
	assert.Equal(t, user.TenantID, userCtx.TenantID)
	assert.True(t, userCtx.IsAPIKey)
	assert.Equal(t, "api_key", userCtx.TokenType)
	assert.Equal(t, keyID, userCtx.APIKeyID)
	assert.Equal(t, []string{ScopeGuardrailsRead, ScopeWorkflowsRun}, userCtx.Scopes)
}

func TestValidateAPIKeyRejectsUnknownKey(t *testing.T) {
	svc, mock := newTestService(t)

	apiKey := "ck_ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.api_keys")).
		WithArgs(apiKey[:8]).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key_hash", "key_prefix", "user_id", "tenant_id", "name", "description", "scopes", "rate_limit_per_hour", "expires_at", "is_active", "created_at"}))

	_, err := svc.ValidateAPIKey(context.Background(), apiKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
}

func TestValidateAPIKeyRejectsExpired(t *testing.T) {
	svc, mock := newTestService(t)
	user := testUser()

	apiKey := "ck_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	expired := time.Now().Add(-time.Hour)

	keyRows := sqlmock.NewRows([]string{
		"id", "key_hash", "key_prefix", "user_id", "tenant_id",
		"name", "description", "scopes", "rate_limit_per_hour",
		"expires_at", "is_active", "created_at",
	}).AddRow(
		uuid.New().String(), hashToken(apiKey), apiKey[:8], user.ID.String(), user.TenantID.String(),
		"ci", "", []byte("{guardrails:read}"), 1000,
		expired, true, time.Now(),
	)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.api_keys")).
		WithArgs(apiKey[:8]).
		WillReturnRows(keyRows)

	_, err := svc.ValidateAPIKey(context.Background(), apiKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateAPIKeyRejectsMalformed(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ValidateAPIKey(context.Background(), "short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key format")
}

func TestLoginSucceedsAndIssuesTokens(t *testing.T) {
	svc, mock := newTestService(t)
	user := testUser()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.users WHERE email = $1")).
		WithArgs(user.Email).
		WillReturnRows(userRows(user, string(hash)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth.refresh_tokens")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth.users SET last_login")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth.audit_logs")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pair, err := svc.Login(context.Background(), &LoginRequest{Email: user.Email, Password: "correct-horse"})
	require.NoError(t, err)

	userCtx, err := svc.jwtManager.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userCtx.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, mock := newTestService(t)
	user := testUser()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.users WHERE email = $1")).
		WithArgs(user.Email).
		WillReturnRows(userRows(user, string(hash)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth.audit_logs")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err = svc.Login(context.Background(), &LoginRequest{Email: user.Email, Password: "wrong"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid email or password")
}

func TestCreateAPIKeyUsesDefaultScopes(t *testing.T) {
	svc, mock := newTestService(t)
	user := testUser()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM auth.users WHERE id = $1")).
		WithArgs(user.ID.String()).
		WillReturnRows(userRows(user, ""))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth.api_keys")).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth.audit_logs")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	plaintext, key, err := svc.CreateAPIKey(context.Background(), user.ID, &CreateAPIKeyRequest{Name: "ci"})
	require.NoError(t, err)

	assert.True(t, len(plaintext) > 8)
	assert.Equal(t, "ck_", plaintext[:3])
	assert.Equal(t, plaintext[:8], key.KeyPrefix)
	assert.Equal(t, hashToken(plaintext), key.KeyHash)
	assert.Equal(t, pq.StringArray{
		ScopeGuardrailsRead,
		ScopeWorkflowsRun,
		ScopeConversationsRead, ScopeConversationsWrite,
		ScopeProfilingRun,
	}, key.Scopes)
}
