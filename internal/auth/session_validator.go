// Package auth validates the TAuth sessions that front every kura request.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "tauth"
	defaultClockSkew     = 30 * time.Second
	defaultLoginProvider = "default"

	bearerScheme = "bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims carries the part of the TAuth payload kura maps onto a user.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// Login returns the provider and provider-local subject of the session.
// TAuth user ids of the form "provider:subject" name the provider; otherwise
// the registered subject (or the email as a last resort) identifies the
// login under the default provider.
func (c SessionClaims) Login() (string, string) {
	provider := defaultLoginProvider
	subject := strings.TrimSpace(c.Subject)

	if raw := strings.TrimSpace(c.UserID); raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if strings.TrimSpace(prefix) != "" && strings.TrimSpace(rest) != "" {
				provider = strings.TrimSpace(prefix)
				subject = strings.TrimSpace(rest)
			}
		} else if subject == "" {
			subject = raw
		}
	}
	if subject == "" {
		subject = strings.TrimSpace(c.UserEmail)
	}
	return provider, subject
}

// SessionValidatorConfig describes how to validate TAuth-issued JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	ClockSkew     time.Duration
	Clock         func() time.Time
}

// SessionValidator validates HS256 JWTs issued by TAuth, read from the
// session cookie or an Authorization bearer header.
type SessionValidator struct {
	cookieName string
	parser     *jwt.Parser
	keyFunc    jwt.Keyfunc
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = defaultClockSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	secret := append([]byte(nil), cfg.SigningSecret...)
	return &SessionValidator{
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(skew),
			jwt.WithTimeFunc(clock),
		),
		keyFunc: func(*jwt.Token) (interface{}, error) {
			return secret, nil
		},
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case !parsed.Valid:
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if _, subject := claims.Login(); subject == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest validates the session cookie, falling back to a bearer
// Authorization header for clients that cannot carry cookies.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(v.requestToken(r))
}

func (v *SessionValidator) requestToken(r *http.Request) string {
	if cookie, err := r.Cookie(v.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if found && strings.EqualFold(scheme, bearerScheme) {
		return token
	}
	return ""
}
