package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid token")
)

// userNamespace derives stable user ids from configured usernames.
var userNamespace = uuid.MustParse("6f1c2a0e-8d7b-4e53-9a41-0b7d5c3e2f10")

type loginState struct {
	failures    int
	lockedUntil time.Time
}

type refreshEntry struct {
	username  string
	expiresAt time.Time
}

// Service authenticates operators from the configured user list and
// automation clients by machine token. Refresh tokens and lockouts live in
// memory and do not survive a restart.
type Service struct {
	enabled         bool
	jwtHandler      *JWTHandler
	passwordHasher  *PasswordHasher
	machineTokenGen *MachineTokenGenerator
	logger          *zap.Logger

	users         map[string]config.UserConfig
	machineTokens map[string]config.MachineTokenConfig
	maxFailed     int
	lockDuration  time.Duration

	mu      sync.Mutex
	logins  map[string]*loginState
	refresh map[string]refreshEntry
	now     func() time.Time
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	if !cfg.IsProductionReady() && cfg.Enabled {
		logger.Warn("JWT secret is not production ready", zap.String("env", cfg.JWTSecretEnv))
	}

	s := &Service{
		enabled:         cfg.Enabled,
		jwtHandler:      NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		passwordHasher:  NewPasswordHasher(),
		machineTokenGen: NewMachineTokenGenerator(),
		logger:          logger,
		users:           make(map[string]config.UserConfig, len(cfg.Users)),
		machineTokens:   make(map[string]config.MachineTokenConfig, len(cfg.MachineTokens)),
		maxFailed:       cfg.MaxFailedLoginAttempts,
		lockDuration:    cfg.AccountLockDuration,
		logins:          make(map[string]*loginState),
		refresh:         make(map[string]refreshEntry),
		now:             time.Now,
	}
	for _, u := range cfg.Users {
		s.users[u.Username] = u
	}
	for _, t := range cfg.MachineTokens {
		s.machineTokens[t.TokenHash] = t
	}
	return s
}

// Enabled is false when authentication is switched off; every caller is then
// treated as admin.
func (a *Service) Enabled() bool { return a.enabled }

func (a *Service) AccessTokenTTL() time.Duration { return a.jwtHandler.accessTokenTTL }

// LoginUser authenticates a user and returns tokens
func (a *Service) LoginUser(ctx context.Context, username, password, ipAddress, userAgent string) (accessToken, refreshToken string, err error) {
	user, ok := a.users[username]
	if !ok {
		a.logAuthEvent("user_login_failed", username, ipAddress, userAgent, false, "user not found")
		return "", "", ErrInvalidCredentials
	}

	if until, locked := a.lockedUntil(username); locked {
		a.logAuthEvent("user_login_failed", username, ipAddress, userAgent, false, "account locked")
		return "", "", fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		a.recordFailure(username)
		a.logAuthEvent("user_login_failed", username, ipAddress, userAgent, false, "invalid password")
		return "", "", ErrInvalidCredentials
	}
	a.resetFailures(username)

	accessToken, refreshToken, err = a.issueTokens(user)
	if err != nil {
		return "", "", err
	}

	a.logAuthEvent("user_login_success", username, ipAddress, userAgent, true, "")
	return accessToken, refreshToken, nil
}

func (a *Service) issueTokens(user config.UserConfig) (string, string, error) {
	accessToken, err := a.jwtHandler.GenerateAccessToken(userID(user.Username), user.Username, user.Role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	a.mu.Lock()
	a.refresh[hashRefreshToken(refreshToken)] = refreshEntry{
		username:  user.Username,
		expiresAt: a.now().Add(a.jwtHandler.RefreshTokenTTL()),
	}
	a.mu.Unlock()

	return accessToken, refreshToken, nil
}

// RefreshAccessToken rotates a refresh token: the old one is revoked and a
// new pair is issued.
func (a *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (string, string, error) {
	tokenHash := hashRefreshToken(refreshToken)

	a.mu.Lock()
	entry, ok := a.refresh[tokenHash]
	delete(a.refresh, tokenHash)
	a.mu.Unlock()

	if !ok || a.now().After(entry.expiresAt) {
		return "", "", fmt.Errorf("%w: refresh token unknown or expired", ErrInvalidToken)
	}

	user, ok := a.users[entry.username]
	if !ok {
		return "", "", fmt.Errorf("%w: user %s no longer configured", ErrInvalidToken, entry.username)
	}
	return a.issueTokens(user)
}

// RevokeRefreshToken revokes a refresh token
func (a *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	tokenHash := hashRefreshToken(refreshToken)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.refresh[tokenHash]; !ok {
		return fmt.Errorf("%w: refresh token unknown", ErrInvalidToken)
	}
	delete(a.refresh, tokenHash)
	return nil
}

// ValidateMachineToken validates a machine token and returns permissions
func (a *Service) ValidateMachineToken(ctx context.Context, token, ipAddress, userAgent string) ([]Permission, error) {
	if !a.machineTokenGen.ValidateTokenFormat(token) {
		return nil, fmt.Errorf("%w: malformed machine token", ErrInvalidToken)
	}

	machineToken, ok := a.machineTokens[a.machineTokenGen.HashToken(token)]
	if !ok {
		a.logAuthEvent("machine_token_failed", "", ipAddress, userAgent, false, "token not found")
		return nil, ErrInvalidToken
	}
	a.logAuthEvent("machine_token_success", machineToken.Name, ipAddress, userAgent, true, "")

	permissions := make([]Permission, len(machineToken.Permissions))
	for i, p := range machineToken.Permissions {
		permissions[i] = Permission(p)
	}
	return permissions, nil
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *Service) ValidateToken(ctx context.Context, token, ipAddress, userAgent string) ([]Permission, error) {
	if !a.enabled {
		return RolePermissions("admin"), nil
	}
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return RolePermissions(claims.Role), nil
	}
	return a.ValidateMachineToken(ctx, token, ipAddress, userAgent)
}

// RolePermissions expands a role into the permissions it grants.
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

func (a *Service) lockedUntil(username string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.logins[username]
	if !ok || !a.now().Before(st.lockedUntil) {
		return time.Time{}, false
	}
	return st.lockedUntil, true
}

func (a *Service) recordFailure(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.logins[username]
	if !ok {
		st = &loginState{}
		a.logins[username] = st
	}
	st.failures++
	if a.maxFailed > 0 && st.failures >= a.maxFailed {
		st.lockedUntil = a.now().Add(a.lockDuration)
		st.failures = 0
		a.logger.Warn("Account locked", zap.String("username", username), zap.Duration("for", a.lockDuration))
	}
}

func (a *Service) resetFailures(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.logins, username)
}

func (a *Service) logAuthEvent(eventType, subject, ip, userAgent string, success bool, reason string) {
	fields := []zap.Field{
		zap.String("event", eventType),
		zap.String("subject", subject),
		zap.String("ip", ip),
		zap.String("user_agent", userAgent),
		zap.Bool("success", success),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if success {
		a.logger.Info("Auth event", fields...)
		return
	}
	a.logger.Warn("Auth event", fields...)
}

func hashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func userID(username string) uuid.UUID {
	return uuid.NewSHA1(userNamespace, []byte(username))
}
