package auth

import (
	"context"
	"errors"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenExpiry = 24 * time.Hour

	// Verified tokens are memoized so a quick reconnect (page reload)
	// skips re-parsing. The cache TTL is deliberately short relative to
	// token expiry; the exp claim is checked on every cache miss.
	verifiedCacheTTL = 5 * time.Minute
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service verifies bearer tokens presented at connection time and mints
// tokens for the provisioning CLI and tests. A token is presented once per
// handshake, never per message.
type Service struct {
	Config
	verified geche.Geche[string, models.Identity]
	now      func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:   config,
		verified: geche.NewMapTTLCache[string, models.Identity](ctx, verifiedCacheTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// Verify validates a signed token and returns the identity it carries.
// Absent, malformed, expired and badly signed tokens all fail with
// ErrInvalidToken; the caller must refuse the connection before any other
// component observes it.
func (s *Service) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrInvalidToken
	}

	if id, err := s.verified.Get(token); err == nil {
		return id, nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return models.Identity{}, ErrInvalidToken
	}

	if claims.Subject == "" || claims.Username == "" {
		return models.Identity{}, ErrInvalidToken
	}

	id := models.Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
	}
	s.verified.Set(token, id)

	return id, nil
}

// Issue mints a signed token for a user.
func (s *Service) Issue(userID, username string) (string, error) {
	now := s.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.Secret))
}
