package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
)

var ErrTokenInvalid = errors.New("invalid token")

// Role values carried in the identity provider's tokens.
const (
	RoleStudent   = "student"
	RoleProfessor = "professor"
	RoleTeacher   = "teacher"
	RoleAdmin     = "admin"
)

// Claims are the fields the identity provider puts in its HS256 tokens.
type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// StudentID is the identifier responses are filed under: the e-mail when the
// token carries one, the subject otherwise.
func (c *Claims) StudentID() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

func (c *Claims) IsStudent() bool { return c.Role == RoleStudent }

// CanProctor reports whether the holder may watch live sessions.
func (c *Claims) CanProctor() bool {
	switch c.Role {
	case RoleProfessor, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// AuthService verifies tokens minted by the identity provider. This service
// keeps no accounts of its own.
type AuthService struct {
	secret []byte
	issuer string
}

func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer}
}

// ValidateToken parses and verifies a token string.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// IssueToken signs a token in the provider's format. It is used by local
// tooling and tests; production tokens come from the provider.
func (s *AuthService) IssueToken(subject, role, name, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  role,
		Name:  name,
		Email: email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
