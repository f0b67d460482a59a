package identity

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Service provides registration, login and request-identity resolution.
type Service struct {
	store  Store
	tokens *TokenService
}

func NewService(store Store, tokenSecret string) *Service {
	return &Service{
		store:  store,
		tokens: NewTokenService(tokenSecret),
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	if err := validateRegisterRequest(req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         RoleUser,
	})
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Generate(user)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{User: user, Token: token}, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.UserByEmail(ctx, req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Generate(user)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{User: user, Token: token}, nil
}

// Resolve turns an Authorization header into the caller's identity,
// re-reading the account so bans applied after token issuance stick.
func (s *Service) Resolve(ctx context.Context, authHeader string) (Identity, error) {
	token, err := s.tokens.FromHeader(authHeader)
	if err != nil {
		return Identity{}, err
	}

	claims, err := s.tokens.Validate(token)
	if err != nil {
		return Identity{}, err
	}

	user, err := s.store.UserByID(ctx, claims.UserID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID: user.ID,
		Name:   user.Name,
		Role:   user.Role,
		TeamID: user.TeamID,
		Banned: user.Banned,
	}, nil
}

func validateRegisterRequest(req RegisterRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(req.Email) == "" || !strings.Contains(req.Email, "@") {
		return errors.New("valid email is required")
	}
	if len(req.Password) < 12 {
		return errors.New("password must be at least 12 characters long")
	}
	return nil
}
