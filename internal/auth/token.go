// ABOUTME: Access token verification for authenticating websocket upgrades
// ABOUTME: Verifies asymmetric signatures against the KeyCache and checks exp/aud

package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrMissingToken     = errors.New("missing token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrMissingClaim     = errors.New("missing required claim")
)

// IsAuthError reports whether err is an authentication failure, as opposed to
// a server-side problem.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrAudienceMismatch) ||
		errors.Is(err, ErrMissingClaim) ||
		errors.Is(err, ErrKeyUnavailable)
}

// DefaultAlgorithms are the signing methods accepted when none are configured.
var DefaultAlgorithms = []string{"RS256"}

// Claims is the verified identity carried by an access token.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// TokenValidator validates a raw token into Claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// KeySource resolves a key ID to a verification key.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// VerifierConfig configures an AccessVerifier.
type VerifierConfig struct {
	Audience   string
	Issuer     string
	Algorithms []string
	Leeway     time.Duration
}

// AccessVerifier validates tokens issued by the access gateway.
type AccessVerifier struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewAccessVerifier creates a verifier. Audience is required.
func NewAccessVerifier(keys KeySource, cfg VerifierConfig) (*AccessVerifier, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	for _, a := range algs {
		switch jwt.GetSigningMethod(a).(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		default:
			return nil, fmt.Errorf("unsupported signing algorithm %q", a)
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(cfg.Audience),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}

	return &AccessVerifier{
		keys:   keys,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Validate verifies the token signature and registered claims and returns the
// identity it carries.
func (v *AccessVerifier) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	var ac accessClaims
	_, err := v.parser.ParseWithClaims(tokenString, &ac, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}

	if ac.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if ac.Email == "" {
		return nil, fmt.Errorf("%w: email", ErrMissingClaim)
	}

	claims := &Claims{
		Subject:   ac.Subject,
		Email:     ac.Email,
		Name:      ac.Name,
		ExpiresAt: ac.ExpiresAt.Time,
	}
	if ac.IssuedAt != nil {
		claims.IssuedAt = ac.IssuedAt.Time
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, ErrKeyUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMissingClaim, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
