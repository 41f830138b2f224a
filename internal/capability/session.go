package capability

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("capability: session signing key required")
	ErrMissingSessionIssuer     = errors.New("capability: session issuer required")
	ErrMissingSessionCookieName = errors.New("capability: session cookie name required")
	ErrMissingSessionToken      = errors.New("capability: session token required")
	ErrInvalidSessionToken      = errors.New("capability: invalid session token")
	ErrExpiredSessionToken      = errors.New("capability: session token expired")
	ErrMissingSessionSubject    = errors.New("capability: session subject required")
)

// SessionClaims mirrors the JWT payload emitted by the login service. The
// room coordinator only consumes the user id.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how owner session JWTs are validated.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session JWTs issued by the login service.
// Ownership of a room is the validated user id matching RoomMeta.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (validator *SessionValidator) CookieName() string {
	return validator.cookieName
}

// ValidateToken validates the supplied JWT string and returns the user id.
func (validator *SessionValidator) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return validator.signingSecret, nil
		},
		jwt.WithTimeFunc(validator.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSessionToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidSessionToken
	}
	if claims.Issuer != validator.issuer {
		return "", ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", ErrMissingSessionSubject
	}
	return claims.UserID, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (validator *SessionValidator) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	cookie, err := r.Cookie(validator.cookieName)
	if err != nil || cookie == nil {
		return "", ErrMissingSessionToken
	}
	return validator.ValidateToken(cookie.Value)
}
