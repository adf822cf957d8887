package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ringnet/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type AuthService interface {
	GenerateToken(profile domain.Profile) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims carries the caller's display identity so invitations can be built
// without a directory lookup.
type Claims struct {
	UserID    domain.UserID `json:"user_id"`
	Name      string        `json:"name"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Profile converts the claims back to the domain identity.
func (c *Claims) Profile() domain.Profile {
	return domain.Profile{
		ID:        c.UserID,
		Name:      c.Name,
		AvatarURL: c.AvatarURL,
	}
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(profile domain.Profile) (string, error) {
	claims := &Claims{
		UserID:    profile.ID,
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
