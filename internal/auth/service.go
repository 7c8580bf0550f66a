package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/config"
	"github.com/opensupply/OpenSupplyCore/internal/storage"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

// ValidRole reports whether role names one of the three known roles.
func ValidRole(role string) bool {
	switch Permission(role) {
	case PermOperator, PermTechnician, PermAdmin:
		return true
	}
	return false
}

type AuthService struct {
	storage         *storage.PostgresClient
	jwtHandler      *JWTHandler
	passwordHasher  *PasswordHasher
	machineTokenGen *MachineTokenGenerator
	logger          *zap.Logger
	devMode         bool
}

func NewAuthService(store *storage.PostgresClient, cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	jwtSecret := cfg.GetJWTSecret()
	if !cfg.IsProductionReady() {
		logger.Warn("Auth running with development JWT secret")
	}

	return &AuthService{
		storage:         store,
		jwtHandler:      NewJWTHandler(jwtSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		passwordHasher:  NewPasswordHasher(),
		machineTokenGen: NewMachineTokenGenerator(),
		logger:          logger,
		devMode:         cfg.DevMode,
	}
}

// DevMode reports whether the auth bypass for commissioning benches is
// active.
func (a *AuthService) DevMode() bool { return a.devMode }

// LoginUser authenticates a user and returns tokens
func (a *AuthService) LoginUser(ctx context.Context, username, password string) (accessToken, refreshToken string, err error) {
	user, err := a.storage.GetUserByUsername(ctx, username)
	if err != nil {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "user not found"))
		return "", "", fmt.Errorf("invalid credentials")
	}

	// Check if account is locked
	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		return "", "", fmt.Errorf("account locked until %v", user.LockedUntil)
	}

	// Verify password
	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		a.storage.IncrementFailedLoginAttempts(ctx, user.ID)
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return "", "", fmt.Errorf("invalid credentials")
	}

	// Reset failed attempts
	a.storage.ResetFailedLoginAttempts(ctx, user.ID)

	// Generate tokens
	accessToken, err = a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err = a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	// Store refresh token
	tokenHash := a.hashRefreshToken(refreshToken)
	expiresAt := time.Now().Add(a.jwtHandler.refreshTokenTTL)
	if err := a.storage.StoreRefreshToken(ctx, user.ID, tokenHash, expiresAt); err != nil {
		return "", "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	// Update last login
	a.storage.UpdateLastLogin(ctx, user.ID)
	a.logger.Info("User logged in", zap.String("username", username), zap.String("role", user.Role))

	return accessToken, refreshToken, nil
}

// ValidateMachineToken validates a machine token and returns permissions
func (a *AuthService) ValidateMachineToken(ctx context.Context, token string) ([]Permission, error) {
	if !a.machineTokenGen.ValidateTokenFormat(token) {
		return nil, fmt.Errorf("invalid token format")
	}

	tokenHash := a.machineTokenGen.HashToken(token)
	machineToken, err := a.storage.GetMachineTokenByHash(ctx, tokenHash)
	if err != nil {
		a.logger.Warn("Machine token rejected")
		return nil, fmt.Errorf("invalid token")
	}

	// Update last used
	a.storage.UpdateMachineTokenLastUsed(ctx, machineToken.ID)

	permissions := make([]Permission, len(machineToken.Permissions))
	for i, p := range machineToken.Permissions {
		permissions[i] = Permission(p)
	}

	return permissions, nil
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *AuthService) ValidateToken(ctx context.Context, token string) ([]Permission, error) {
	// Try JWT first
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return RolePermissions(claims.Role), nil
	}

	// Try Machine Token
	return a.ValidateMachineToken(ctx, token)
}

// RolePermissions expands a role into the permissions it grants.
// Roles are cumulative: technician covers operator, admin covers both.
func RolePermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func (a *AuthService) hashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// RefreshAccessToken generates new access token from refresh token
func (a *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (string, string, error) {
	tokenHash := a.hashRefreshToken(refreshToken)

	userID, err := a.storage.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return "", "", fmt.Errorf("invalid refresh token: %w", err)
	}

	// Get user details
	user, err := a.storage.GetUserByID(ctx, *userID)
	if err != nil {
		return "", "", fmt.Errorf("user not found: %w", err)
	}

	// Revoke old refresh token
	a.storage.RevokeRefreshToken(ctx, tokenHash)

	// Generate new tokens
	accessToken, err := a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	newRefreshToken, err := a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	// Store new refresh token
	newTokenHash := a.hashRefreshToken(newRefreshToken)
	expiresAt := time.Now().Add(a.jwtHandler.refreshTokenTTL)
	if err := a.storage.StoreRefreshToken(ctx, user.ID, newTokenHash, expiresAt); err != nil {
		return "", "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	return accessToken, newRefreshToken, nil
}

// RevokeRefreshToken revokes a refresh token
func (a *AuthService) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	tokenHash := a.hashRefreshToken(refreshToken)
	return a.storage.RevokeRefreshToken(ctx, tokenHash)
}

// CreateMachineToken creates a new machine token
func (a *AuthService) CreateMachineToken(ctx context.Context, name string, permissions []string) (string, *storage.MachineToken, error) {
	for _, p := range permissions {
		if !ValidRole(p) {
			return "", nil, fmt.Errorf("unknown permission %q", p)
		}
	}

	token, tokenHash, err := a.machineTokenGen.GenerateMachineToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	machineToken, err := a.storage.CreateMachineToken(ctx, tokenHash, name, permissions)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store token: %w", err)
	}

	a.logger.Info("Machine token created", zap.String("name", name), zap.Strings("permissions", permissions))
	return token, machineToken, nil
}

// ListMachineTokens returns all machine tokens (without token values)
func (a *AuthService) ListMachineTokens(ctx context.Context) ([]*storage.MachineToken, error) {
	return a.storage.ListMachineTokens(ctx)
}

// DeleteMachineToken deletes a machine token
func (a *AuthService) DeleteMachineToken(ctx context.Context, tokenID uuid.UUID) error {
	return a.storage.DeleteMachineToken(ctx, tokenID)
}

// CreateUser creates a new user
func (a *AuthService) CreateUser(ctx context.Context, username, password, role string) (*storage.User, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	passwordHash, err := a.passwordHasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return a.storage.CreateUser(ctx, username, passwordHash, role)
}

// GetUserByID retrieves a user by ID
func (a *AuthService) GetUserByID(ctx context.Context, userID uuid.UUID) (*storage.User, error) {
	return a.storage.GetUserByID(ctx, userID)
}

// ListUsers returns all users
func (a *AuthService) ListUsers(ctx context.Context) ([]*storage.User, error) {
	return a.storage.ListUsers(ctx)
}

// UpdateUser updates user details
func (a *AuthService) UpdateUser(ctx context.Context, userID uuid.UUID, password *string, role *string) error {
	if password != nil {
		passwordHash, err := a.passwordHasher.HashPassword(*password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		if err := a.storage.UpdateUserPassword(ctx, userID, passwordHash); err != nil {
			return err
		}
	}

	if role != nil {
		if !ValidRole(*role) {
			return fmt.Errorf("unknown role %q", *role)
		}
		if err := a.storage.UpdateUserRole(ctx, userID, *role); err != nil {
			return err
		}
		// Role change invalidates outstanding sessions.
		if err := a.storage.RevokeAllUserRefreshTokens(ctx, userID); err != nil {
			return err
		}
	}

	return nil
}

// DeleteUser deletes a user
func (a *AuthService) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	return a.storage.DeleteUser(ctx, userID)
}

// EnsureAdminUser seeds the default admin account on an empty users
// table so a fresh installation can be logged into.
func (a *AuthService) EnsureAdminUser(ctx context.Context) error {
	n, err := a.storage.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if _, err := a.CreateUser(ctx, "admin", "admin", "admin"); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	a.logger.Warn("Default admin user created, change the password immediately")
	return nil
}
