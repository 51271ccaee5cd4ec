package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/repository"
)

// User management errors
var (
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrPasswordTooShort = errors.New("password too short")
	ErrEmailTaken       = errors.New("email already registered")
	ErrUserNotFound     = errors.New("user not found")
)

// CreateUserRequest is an operator request to provision an account
type CreateUserRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      model.Role
	ZoneID    *string
}

type userSessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string, reason model.RevocationReason, client ClientInfo) (int, error)
}

// UserService provisions and deactivates accounts
type UserService struct {
	users     UserStore
	sessions  userSessionRevoker
	audit     auditor
	params    auth.Argon2Params
	minLength int
	log       *logger.Logger
	now       func() time.Time
}

// NewUserService creates a new UserService
func NewUserService(users UserStore, sessions userSessionRevoker, audit AuditRecorder, cfg config.PasswordConfig, log *logger.Logger) *UserService {
	l := log.WithComponent("user_service")
	return &UserService{
		users:     users,
		sessions:  sessions,
		audit:     auditor{repo: audit, log: l},
		params:    auth.NewArgon2Params(cfg),
		minLength: cfg.MinLength,
		log:       l,
		now:       time.Now,
	}
}

// Create stores a new active user with an argon2id password hash
func (s *UserService) Create(ctx context.Context, req CreateUserRequest) (*model.User, error) {
	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if len(req.Password) < s.minLength {
		return nil, ErrPasswordTooShort
	}

	hash, err := auth.HashPassword(req.Password, s.params)
	if err != nil {
		return nil, internalError("hash password", err)
	}

	now := s.now()
	user := &model.User{
		ID:           generateID("usr"),
		Email:        email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         req.Role,
		ZoneID:       req.ZoneID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if repository.IsDuplicate(err, repository.ConstraintUserEmail) {
			return nil, ErrEmailTaken
		}
		return nil, internalError("create user", err)
	}

	s.audit.record(ctx, user.ID, model.AuditActionUserCreated, model.ResourceTypeUser, user.ID, ClientInfo{},
		map[string]any{"role": user.Role}, now)
	s.log.Info().Str("user_id", user.ID).Str("role", string(user.Role)).Msg("user created")
	return user, nil
}

// Deactivate disables a user and revokes all of their device sessions. It
// returns how many sessions were revoked.
func (s *UserService) Deactivate(ctx context.Context, userID string, client ClientInfo) (int, error) {
	err := s.users.SetActive(ctx, userID, false, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, internalError("deactivate user", err)
	}

	n, err := s.sessions.RevokeAllForUser(ctx, userID, model.ReasonAccountDeactivated, client)
	if err != nil {
		return 0, fmt.Errorf("user deactivated but sessions not revoked: %w", err)
	}
	return n, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
