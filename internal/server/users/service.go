package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mkaverin/tether/internal/common"
	"github.com/mkaverin/tether/internal/cryptox"
)

// Service implements account registration and password checks on top of a
// Repository. Passwords are stored as salted argon2id hashes.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) newSalt() ([]byte, error) {
	salt := make([]byte, cryptox.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("error generating salt: %w", err)
	}
	return salt, nil
}

// Register creates a new account. Returns common.ErrorAlreadyExists when the
// username is taken.
func (s *Service) Register(ctx context.Context, username string, password []byte) (*User, error) {

	salt, err := s.newSalt()
	if err != nil {
		return nil, common.ErrorInternal
	}

	user := &User{
		Username:     username,
		Salt:         salt,
		PasswordHash: cryptox.HashPassword(password, salt),
	}

	user, err = s.repo.Create(ctx, user)
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, common.ErrorAlreadyExists
		}
		return nil, common.ErrorInternal
	}

	return user, nil
}

// Login checks a username/password pair. Returns common.ErrorNotFound for an
// unknown username and common.ErrorUnauthorized for a wrong password.
func (s *Service) Login(ctx context.Context, username string, password []byte) (*User, error) {

	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, common.ErrorInternal
	}

	if !cryptox.VerifyPassword(password, user.Salt, user.PasswordHash) {
		return nil, common.ErrorUnauthorized
	}

	return user, nil
}
