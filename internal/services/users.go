package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrPasswordMismatch   = errors.New("password confirmation does not match")
)

type RegistrationRequest struct {
	Username        string `json:"username" binding:"required,min=3,max=20"`
	Email           string `json:"email" binding:"required,email"`
	Password        string `json:"password" binding:"required,min=6"`
	ConfirmPassword string `json:"confirmPassword" binding:"required,min=6"`
	Role            string `json:"role" binding:"omitempty,oneof=admin user"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=6"`
	ConfirmPassword string `json:"confirmPassword" binding:"required,min=6"`
}

type LoginResult struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

type UserService interface {
	Register(ctx context.Context, req RegistrationRequest) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]models.User, error)
	Delete(ctx context.Context, id int64) error
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	ChangePassword(ctx context.Context, userID int64, req ChangePasswordRequest) error
}

// StatsInvalidator is told when the user count changes.
type StatsInvalidator interface {
	InvalidateStats(ctx context.Context)
}

type userService struct {
	users  repositories.UserRepository
	tokens *TokenService
	stats  StatsInvalidator
	log    *zap.Logger
}

// NewUserService wires the user operations. stats may be nil.
func NewUserService(users repositories.UserRepository, tokens *TokenService, stats StatsInvalidator, log *zap.Logger) UserService {
	if log == nil {
		log = zap.NewNop()
	}
	return &userService{users: users, tokens: tokens, stats: stats, log: log.Named("users")}
}

func (s *userService) countChanged(ctx context.Context) {
	if s.stats != nil {
		s.stats.InvalidateStats(ctx)
	}
}

func (s *userService) Register(ctx context.Context, req RegistrationRequest) (*models.User, error) {
	if req.Password != req.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}

	user, err := s.users.Create(ctx, repositories.CreateUserInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		return nil, err
	}

	s.countChanged(ctx)
	s.log.Info("user registered", zap.Int64("user_id", user.ID), zap.String("role", user.Role))
	return user, nil
}

func (s *userService) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return s.users.FindByID(ctx, id)
}

func (s *userService) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	return s.users.GetAll(ctx, limit, offset)
}

func (s *userService) Delete(ctx context.Context, id int64) error {
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.countChanged(ctx)
	s.log.Info("user deleted", zap.Int64("user_id", id))
	return nil
}

// Login checks the password and issues an access token. Unknown users and
// wrong passwords produce the same error.
func (s *userService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.users.VerifyPassword(user, password) {
		s.log.Info("login rejected", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

func (s *userService) ChangePassword(ctx context.Context, userID int64, req ChangePasswordRequest) error {
	if req.NewPassword != req.ConfirmPassword {
		return ErrPasswordMismatch
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.users.VerifyPassword(user, req.CurrentPassword) {
		return ErrInvalidCredentials
	}
	return s.users.UpdatePassword(ctx, userID, req.NewPassword)
}
