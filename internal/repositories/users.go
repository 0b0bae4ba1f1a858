package repositories

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"task-scheduler/backend/internal/database"
	"task-scheduler/backend/internal/models"
)

var (
	ErrUserExists   = errors.New("username or email already exists")
	ErrUserNotFound = errors.New("user not found")
)

const userColumns = "id, username, email, password_hash, role, created_at, updated_at"

type CreateUserInput struct {
	Username string
	Email    string
	Password string
	Role     string
}

type UserRepository interface {
	Create(ctx context.Context, input CreateUserInput) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	VerifyPassword(user *models.User, password string) bool
	UpdatePassword(ctx context.Context, id int64, password string) error
	GetAll(ctx context.Context, limit, offset int) ([]models.User, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
}

type userRepository struct {
	store      *database.Store
	bcryptCost int
}

func NewUserRepository(store *database.Store, bcryptCost int) UserRepository {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &userRepository{store: store, bcryptCost: bcryptCost}
}

func (r *userRepository) Create(ctx context.Context, input CreateUserInput) (*models.User, error) {
	role := input.Role
	if role == "" {
		role = models.RoleUser
	}
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	var existing []models.User
	if err := r.store.Select(ctx, &existing,
		"SELECT id FROM users WHERE username = ? OR email = ? LIMIT 1", input.Username, input.Email); err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := r.store.Insert(ctx, "users", map[string]interface{}{
		"username":      input.Username,
		"email":         input.Email,
		"password_hash": string(hash),
		"role":          role,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}

	return r.FindByID(ctx, id)
}

func (r *userRepository) findOne(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	var user models.User
	found, err := r.store.Get(ctx, &user, "SELECT "+userColumns+" FROM users WHERE "+where+" LIMIT 1", arg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (r *userRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.findOne(ctx, "username = ?", username)
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "email = ?", email)
}

func (r *userRepository) VerifyPassword(user *models.User, password string) bool {
	if user == nil || user.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func (r *userRepository) UpdatePassword(ctx context.Context, id int64, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	n, err := r.store.Update(ctx, "users", map[string]interface{}{"password_hash": string(hash)}, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetAll lists users newest first. The password hash is never selected.
func (r *userRepository) GetAll(ctx context.Context, limit, offset int) ([]models.User, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	users := make([]models.User, 0)
	err := r.store.Select(ctx, &users,
		`SELECT id, username, email, role, created_at, updated_at
		 FROM users ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if _, err := r.store.Get(ctx, &count, "SELECT COUNT(*) FROM users"); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *userRepository) Delete(ctx context.Context, id int64) error {
	n, err := r.store.Delete(ctx, "users", "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
