package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kfalifecycle/internal/sentinel"
)

// Claims are issued by the identity service. Caps replaces the free-form
// permissions array that used to live on the user row.
type Claims struct {
	Name string   `json:"name,omitempty"`
	Caps []string `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses a token and returns the actor it describes.
func (v *TokenVerifier) Verify(raw string) (Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Actor{}, sentinel.Wrap(sentinel.ErrUnauthorized, err, "token expired")
		}
		return Actor{}, sentinel.Wrap(sentinel.ErrUnauthorized, err, "invalid token")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Actor{}, sentinel.Wrap(sentinel.ErrUnauthorized, err, "token subject is not a user id")
	}

	caps := make([]Capability, 0, len(claims.Caps))
	for _, c := range claims.Caps {
		caps = append(caps, Capability(c))
	}
	return Actor{ID: id, Name: claims.Name, Capabilities: caps}, nil
}

// Issue signs a token for a. The identity service owns issuance in
// production; this is used by tooling and tests.
func (v *TokenVerifier) Issue(a Actor, ttl time.Duration) (string, error) {
	caps := make([]string, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps = append(caps, string(c))
	}
	now := time.Now()
	claims := Claims{
		Name: a.Name,
		Caps: caps,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID.String(),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
