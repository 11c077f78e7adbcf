package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenderguard/failure"
)

// ErrInvalidToken signals a token that is malformed, expired or signed with
// another key. It wraps failure.ErrUnauthorized.
var ErrInvalidToken = fmt.Errorf("auth: invalid token: %w", failure.ErrUnauthorized)

type claims struct {
	Role Role   `json:"role"`
	Org  string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 bearer tokens carrying an actor.
type Service struct {
	jwtSecret []byte
	issuer    string
	now       func() time.Time
}

func NewService(jwtSecret, issuer string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		now:       time.Now,
	}
}

// Issue signs a token for actor valid for ttl. Used by operator tooling and
// tests; interactive login belongs to the session collaborator.
func (s *Service) Issue(actor Actor, ttl time.Duration) (string, error) {
	if actor.ID == "" || !isValidRole(actor.Role) {
		return "", fmt.Errorf("auth: issue token for %q with role %q: %w", actor.ID, actor.Role, failure.ErrInvalidInput)
	}
	now := s.now()
	c := claims{
		Role: actor.Role,
		Org:  actor.Org,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a bearer token and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !isValidRole(c.Role) {
		return Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, c.Role)
	}
	return Actor{ID: c.Subject, Role: c.Role, Org: c.Org}, nil
}

// Allowed reports whether role is among roles. An empty list allows all.
func Allowed(role Role, roles ...Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

var errNoBearer = errors.New("auth: missing bearer token")

// BearerToken extracts the token of an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", fmt.Errorf("%w: %w", errNoBearer, failure.ErrUnauthorized)
	}
	return header[len(prefix):], nil
}
