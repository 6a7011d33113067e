// Package auth verifies Telegram Mini-App identity assertions and issues and
// verifies the session credential that replaces them on later requests.
//
// SESSION FLOW OVERVIEW:
//  1. The Mini-App posts its initData to /api/auth/telegram
//  2. InitDataValidator checks the two-stage HMAC signature and auth_date
//  3. The service resolves (or creates, exactly once) the internal account
//  4. TokenService signs a JWT whose "sub" is the account ID
//  5. The JWT travels in an HttpOnly cookie; SessionVerifier checks it on
//     every request and puts the account in the request context
//
// JWT STRUCTURE:
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header:  {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"<account id>","iat":..., "exp":..., "iss":"storefront","role":"authenticated"}
//	- Signature: HMAC-SHA256(header+"."+payload, sessionSecret)
//
// Validity is purely a function of the signature and exp. Nothing about a
// session is stored server-side.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/storefront/internal/apperror"
)

// DefaultSessionLifetime is the single session policy: 7 days.
const DefaultSessionLifetime = 7 * 24 * time.Hour

// DefaultIssuer is written to and required in the "iss" claim.
const DefaultIssuer = "storefront"

// TokenService handles session JWT creation and validation.
//
// It holds the HMAC secret used to sign and verify tokens. The secret is
// loaded once at startup and never changes for the life of the process;
// rotating it invalidates every outstanding session.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
	issuer   string
	now      func() time.Time
}

// NewTokenService creates a TokenService with the given secret and lifetime.
// The secret should be at least 32 bytes of random data in production.
// Example: SESSION_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, lifetime time.Duration, issuer string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 characters")
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("auth: session lifetime must be positive, got %s", lifetime)
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &TokenService{
		secret:   []byte(secret),
		lifetime: lifetime,
		issuer:   issuer,
		now:      time.Now,
	}, nil
}

// WithClock returns a copy of the service that reads time from now. Signing
// and validation both use it, so tests can move a token past its expiry.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

// Lifetime is the configured session lifetime. The cookie Max-Age uses it.
func (s *TokenService) Lifetime() time.Duration {
	return s.lifetime
}

// Claims is the JWT payload. "sub" is the internal account ID.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Credential is a signed session token together with the claims it encodes.
type Credential struct {
	Token     string
	AccountID string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issue signs a new session token for accountID with the configured lifetime.
func (s *TokenService) Issue(accountID, role string) (*Credential, error) {
	return s.IssueWithLifetime(accountID, role, s.lifetime)
}

// IssueWithLifetime signs a token with a custom lifetime. A negative lifetime
// yields an already expired token, which tests use to exercise rejection.
func (s *TokenService) IssueWithLifetime(accountID, role string, d time.Duration) (*Credential, error) {
	if accountID == "" {
		return nil, errors.New("auth: account ID must not be empty")
	}

	// JWT NumericDate has second precision; truncate so the returned
	// Credential matches what Validate will later decode.
	now := s.now().Truncate(time.Second)
	exp := now.Add(d)

	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    s.issuer,
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: signing token: %w", err)
	}

	return &Credential{
		Token:     signed,
		AccountID: accountID,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// Validate parses and verifies a session token and returns its claims.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid and the algorithm is HS256 (no "none", no RS/HS confusion)
//   - exp is present and in the future, with no leeway
//   - iss matches this service
//
// Expired tokens fail with apperror.ErrExpired; every other failure is
// apperror.ErrTokenMalformed.
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperror.Expired("session")
		}
		return nil, apperror.TokenMalformed(err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperror.TokenMalformed(errors.New("invalid token claims"))
	}
	if c.Subject == "" {
		return nil, apperror.TokenMalformed(errors.New("token has no subject"))
	}

	return c, nil
}
