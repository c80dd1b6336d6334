package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 30 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

// Service implements registration, login, and API key issuance over the
// auth schema. Audit failures never fail the operation they describe.
type Service struct {
	db         *sqlx.DB
	logger     *zap.Logger
	jwtManager *JWTManager
}

// NewService creates a new authentication service
func NewService(db *sqlx.DB, logger *zap.Logger, jwtSecret string) *Service {
	return &Service{
		db:         db,
		logger:     logger,
		jwtManager: NewJWTManager(jwtSecret, accessTokenTTL, refreshTokenTTL),
	}
}

// JWTManager exposes the token manager for middleware wiring.
func (s *Service) JWTManager() *JWTManager {
	return s.jwtManager
}

// Register creates a user account. Without a tenant id in the request a
// personal tenant is created for the user.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	if taken, err := s.identityTaken(ctx, "email", req.Email); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("email already registered")
	}
	if taken, err := s.identityTaken(ctx, "username", req.Username); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("username already taken")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var tenantID uuid.UUID
	if req.TenantID != "" {
		tenantID, err = uuid.Parse(req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant ID: %w", err)
		}
	} else {
		tenantID, err = s.createTenant(ctx, req.Username)
		if err != nil {
			return nil, fmt.Errorf("failed to create tenant: %w", err)
		}
	}

	now := time.Now()
	user := &User{
		ID:           uuid.New(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hashed),
		FullName:     req.FullName,
		TenantID:     tenantID,
		Role:         RoleUser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO auth.users (id, email, username, password_hash, full_name, tenant_id, role, is_active, is_verified)
		VALUES (:id, :email, :username, :password_hash, :full_name, :tenant_id, :role, :is_active, :is_verified)
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logAuditEvent(ctx, AuditEventAccountCreated, user.ID, tenantID, nil)
	s.logger.Info("Registered user",
		zap.String("user_id", user.ID.String()),
		zap.String("tenant_id", tenantID.String()))

	return user, nil
}

func (s *Service) identityTaken(ctx context.Context, column, value string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM auth.users WHERE %s = $1)", column), value)
	if err != nil {
		return false, fmt.Errorf("failed to check %s existence: %w", column, err)
	}
	return exists, nil
}

// Login verifies credentials and returns an access/refresh token pair.
// Wrong email and wrong password produce the same error.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*TokenPair, error) {
	var user User
	err := s.db.GetContext(ctx, &user,
		`SELECT * FROM auth.users WHERE email = $1 AND is_active = true`, req.Email)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logAuditEvent(ctx, AuditEventLoginFailed, uuid.Nil, uuid.Nil,
				map[string]interface{}{"email": req.Email})
			return nil, fmt.Errorf("invalid email or password")
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.logAuditEvent(ctx, AuditEventLoginFailed, user.ID, user.TenantID, nil)
		return nil, fmt.Errorf("invalid email or password")
	}

	tokens, refreshHash, err := s.jwtManager.GenerateTokenPair(&user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}
	if err := s.storeRefreshToken(ctx, &user, refreshHash); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE auth.users SET last_login = NOW() WHERE id = $1", user.ID); err != nil {
		s.logger.Warn("Failed to update last login", zap.Error(err))
	}

	s.logAuditEvent(ctx, AuditEventLogin, user.ID, user.TenantID, nil)
	s.logger.Info("User logged in", zap.String("user_id", user.ID.String()))

	return tokens, nil
}

// ValidateAPIKey resolves an API key to the user context it grants. Keys
// are located by their stored prefix, then matched hash-against-hash in
// constant time so prefix collisions leak nothing.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error) {
	if len(apiKey) < 8 {
		return nil, fmt.Errorf("invalid API key format")
	}
	keyHash := hashToken(apiKey)

	var candidates []APIKey
	err := s.db.SelectContext(ctx, &candidates, `
		SELECT * FROM auth.api_keys
		WHERE key_prefix = $1 AND is_active = true
	`, apiKey[:8])
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	var key *APIKey
	for i := range candidates {
		if compareTokenHash(candidates[i].KeyHash, keyHash) {
			key = &candidates[i]
			break
		}
	}
	if key == nil {
		return nil, fmt.Errorf("invalid API key")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired")
	}

	// last_used is advisory; do not hold the request for it
	go func() {
		if _, err := s.db.Exec(
			"UPDATE auth.api_keys SET last_used = NOW() WHERE id = $1", key.ID); err != nil {
			s.logger.Warn("Failed to update API key last used", zap.Error(err))
		}
	}()

	var user User
	if err := s.db.GetContext(ctx, &user,
		"SELECT * FROM auth.users WHERE id = $1", key.UserID); err != nil {
		return nil, fmt.Errorf("failed to get user for API key: %w", err)
	}

	s.logAuditEvent(ctx, AuditEventAPIKeyUsed, user.ID, user.TenantID,
		map[string]interface{}{"api_key_id": key.ID.String()})

	return &UserContext{
		UserID:    user.ID,
		TenantID:  user.TenantID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		Scopes:    key.Scopes,
		IsAPIKey:  true,
		TokenType: "api_key",
		APIKeyID:  key.ID,
	}, nil
}

// CreateAPIKey mints a key for the user. The plaintext key is returned
// exactly once; only its hash and prefix are stored.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, req *CreateAPIKeyRequest) (string, *APIKey, error) {
	var user User
	if err := s.db.GetContext(ctx, &user,
		"SELECT * FROM auth.users WHERE id = $1", userID); err != nil {
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}

	apiKey, keyHash, keyPrefix, err := generateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = defaultKeyScopes()
	}

	key := &APIKey{
		ID:               uuid.New(),
		KeyHash:          keyHash,
		KeyPrefix:        keyPrefix,
		UserID:           userID,
		TenantID:         user.TenantID,
		Name:             req.Name,
		Description:      req.Description,
		Scopes:           scopes,
		RateLimitPerHour: 1000,
		ExpiresAt:        req.ExpiresAt,
		IsActive:         true,
		CreatedAt:        time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth.api_keys
		(id, key_hash, key_prefix, user_id, tenant_id, name, description, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		key.ID, key.KeyHash, key.KeyPrefix, key.UserID, key.TenantID,
		key.Name, key.Description, key.Scopes, key.ExpiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	s.logAuditEvent(ctx, AuditEventAPIKeyCreated, userID, user.TenantID,
		map[string]interface{}{"api_key_id": key.ID.String(), "name": key.Name})
	s.logger.Info("API key created",
		zap.String("key_id", key.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("name", key.Name))

	return apiKey, key, nil
}

func defaultKeyScopes() []string {
	return []string{
		ScopeGuardrailsRead,
		ScopeWorkflowsRun,
		ScopeConversationsRead, ScopeConversationsWrite,
		ScopeProfilingRun,
	}
}

func (s *Service) createTenant(ctx context.Context, username string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth.tenants (id, name, slug, plan, token_limit, rate_limit_per_hour)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		id,
		fmt.Sprintf("%s's Workspace", username),
		fmt.Sprintf("%s-%s", username, generateRandomString(6)),
		PlanFree, 10000, 100)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *Service) storeRefreshToken(ctx context.Context, user *User, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth.refresh_tokens (user_id, tenant_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.TenantID, tokenHash, time.Now().Add(refreshTokenTTL))
	return err
}

// logAuditEvent records an auth event; uuid.Nil ids become NULLs
func (s *Service) logAuditEvent(ctx context.Context, eventType string, userID, tenantID uuid.UUID, details map[string]interface{}) {
	var userIDPtr, tenantIDPtr *uuid.UUID
	if userID != uuid.Nil {
		userIDPtr = &userID
	}
	if tenantID != uuid.Nil {
		tenantIDPtr = &tenantID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth.audit_logs (event_type, user_id, tenant_id, details)
		VALUES ($1, $2, $3, $4)
	`, eventType, userIDPtr, tenantIDPtr, JSONMap(details))
	if err != nil {
		s.logger.Warn("Failed to log audit event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func generateAPIKey() (key, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = "ck_" + hex.EncodeToString(b)
	return key, hashToken(key), key[:8], nil
}

func generateRandomString(length int) string {
	b := make([]byte, length)
	rand.Read(b)
	return hex.EncodeToString(b)[:length]
}
