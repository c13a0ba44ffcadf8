package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/types"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

var (
	// ErrInvalidCredentials is returned by Login for unknown emails and
	// wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrEmailTaken is returned by Signup when the email is registered.
	ErrEmailTaken = errors.New("an account with this email already exists")

	// ErrUserNotFound is returned for unknown user ids.
	ErrUserNotFound = errors.New("user not found")
)

var platforms = []string{"ios", "android", "web"}

// Store is the persistence the service needs.
type Store interface {
	CreateUser(ctx context.Context, u *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]types.User, error)
	RegisterDevice(ctx context.Context, d types.DeviceToken) error
}

// Service implements account operations.
type Service struct {
	store  Store
	tokens *Tokens
	cost   int
	logger *slog.Logger
	dummy  []byte
}

// NewService creates an account service. cost is the bcrypt cost; values
// outside bcrypt's range select the default.
func NewService(st Store, tokens *Tokens, cost int, logger *slog.Logger) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("nexlevel-dummy-password"), cost)
	return &Service{store: st, tokens: tokens, cost: cost, logger: logger.With("component", "auth"), dummy: dummy}
}

// Tokens returns the token issuer used by the service.
func (s *Service) Tokens() *Tokens {
	return s.tokens
}

// Signup creates an account and signs the user in.
func (s *Service) Signup(ctx context.Context, req types.SignupRequest) (*types.TokenResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	var c validation.Collector
	c.AddAll(validation.ValidateSignup(req))
	if err := c.Err(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &types.User{Email: req.Email, DisplayName: req.DisplayName, PasswordHash: string(hash)}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	s.logger.Info("user signed up", "action", "signup", "user_id", u.ID)
	return s.issue(u)
}

// Login exchanges credentials for a token.
func (s *Service) Login(ctx context.Context, req types.LoginRequest) (*types.TokenResponse, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(req.Password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Info("login rejected", "action", "login", "user_id", u.ID)
		return nil, ErrInvalidCredentials
	}
	return s.issue(u)
}

func (s *Service) issue(u *types.User) (*types.TokenResponse, error) {
	token, exp, err := s.tokens.Issue(u.ID)
	if err != nil {
		return nil, err
	}
	return &types.TokenResponse{Token: token, ExpiresAt: exp, User: *u}, nil
}

// Authenticate verifies a bearer token and returns its user id.
func (s *Service) Authenticate(token string) (string, error) {
	return s.tokens.Verify(token)
}

// Me returns the account of userID.
func (s *Service) Me(ctx context.Context, userID string) (*types.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// GetUser resolves a user id.
func (s *Service) GetUser(ctx context.Context, id string) (*types.User, error) {
	return s.store.GetUser(ctx, id)
}

// SearchUsers finds users by display name or email prefix.
func (s *Service) SearchUsers(ctx context.Context, query string, limit int) ([]types.User, error) {
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return nil, &validation.Error{Errors: []validation.ValidationError{{Field: "query", Message: "must be at least 2 characters"}}}
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.store.SearchUsers(ctx, query, limit)
}

// RegisterDevice stores a push token for userID.
func (s *Service) RegisterDevice(ctx context.Context, userID string, req types.RegisterDeviceRequest) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("token", req.Token))
	validation.ValidateText(&c, "token", req.Token, 4096)
	c.Add(validation.ValidateEnum("platform", req.Platform, platforms))
	if err := c.Err(); err != nil {
		return err
	}
	return s.store.RegisterDevice(ctx, types.DeviceToken{UserID: userID, Token: req.Token, Platform: req.Platform})
}
