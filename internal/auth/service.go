package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/duetapp/duet/internal/domain"
)

// UserRepository interface for auth operations
type UserRepository interface {
	Create(ctx context.Context, user *domain.User, passwordHash string) error
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	SetPartner(ctx context.Context, userID, partnerID uuid.UUID) error
}

// Service handles authentication and account linking
type Service struct {
	users  UserRepository
	tokens *TokenService
}

// NewService creates an auth service
func NewService(users UserRepository, tokens *TokenService) *Service {
	return &Service{
		users:  users,
		tokens: tokens,
	}
}

// Token is an issued access token with its expiry
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RegisterInput for user registration
type RegisterInput struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, *Token, error) {
	if err := validateEmail(input.Email); err != nil {
		return nil, nil, err
	}
	if err := validateUsername(input.Username); err != nil {
		return nil, nil, err
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, nil, err
	}

	exists, err := s.users.EmailExists(ctx, input.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, nil, domain.ErrEmailTaken
	}

	exists, err = s.users.UsernameExists(ctx, input.Username)
	if err != nil {
		return nil, nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, nil, domain.ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:          uuid.New(),
		Email:       strings.ToLower(input.Email),
		Username:    strings.ToLower(input.Username),
		DisplayName: strings.TrimSpace(input.DisplayName),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := s.users.Create(ctx, user, string(hash)); err != nil {
		return nil, nil, fmt.Errorf("create user: %w", err)
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, nil, err
	}
	return user, token, nil
}

// LoginInput for user login
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates a user
func (s *Service) Login(ctx context.Context, input LoginInput) (*domain.User, *Token, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(input.Email))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, nil, domain.ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("find user: %w", err)
	}

	hash, err := s.users.GetPasswordHash(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("get password: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(input.Password)); err != nil {
		return nil, nil, domain.ErrInvalidCredentials
	}

	token, err := s.issueToken(user)
	if err != nil {
		return nil, nil, err
	}
	return user, token, nil
}

// LinkPartner symmetrically links the user with the account named by
// partnerUsername. Calls may then be placed between the two.
func (s *Service) LinkPartner(ctx context.Context, userID uuid.UUID, partnerUsername string) (*domain.User, error) {
	partner, err := s.users.GetByUsername(ctx, strings.ToLower(partnerUsername))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrPartnerNotFound
		}
		return nil, fmt.Errorf("find partner: %w", err)
	}
	if partner.ID == userID {
		return nil, domain.ErrSelfPartner
	}

	if err := s.users.SetPartner(ctx, userID, partner.ID); err != nil {
		return nil, fmt.Errorf("link partner: %w", err)
	}
	return partner, nil
}

// ValidateToken validates an access token and returns claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return s.tokens.ValidateToken(tokenString)
}

// TokenTTL returns the access token duration
func (s *Service) TokenTTL() time.Duration {
	return s.tokens.TokenTTL()
}

func (s *Service) issueToken(user *domain.User) (*Token, error) {
	accessToken, expiresAt, err := s.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	return &Token{AccessToken: accessToken, ExpiresAt: expiresAt}, nil
}

// ============================================================================
// Validation helpers
// ============================================================================

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,31}$`)

func validateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return errors.New("invalid email format")
	}
	return nil
}

func validateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return errors.New("username must be 3-32 characters, start with letter, contain only letters, numbers, underscore")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	var hasUpper, hasLower, hasNumber bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsNumber(c):
			hasNumber = true
		}
	}

	if !hasUpper || !hasLower || !hasNumber {
		return errors.New("password must contain uppercase, lowercase, and number")
	}

	return nil
}
