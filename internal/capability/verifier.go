package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultCookieTTL = 24 * time.Hour
	cookieSeparator  = "."
)

var (
	// ErrMissingSigningSecret indicates the verifier was built without a secret.
	ErrMissingSigningSecret = errors.New("capability: signing secret required")
	// ErrTokenMismatch indicates the presented raw token does not match the recorded hash.
	ErrTokenMismatch = errors.New("capability: edit token mismatch")
	// ErrMalformedCookie indicates the cookie value is not payload.signature shaped.
	ErrMalformedCookie = errors.New("capability: malformed edit cookie")
	// ErrCookieSignature indicates the cookie signature does not verify.
	ErrCookieSignature = errors.New("capability: edit cookie signature invalid")
	// ErrCookieScope indicates the cookie was issued for a different document.
	ErrCookieScope = errors.New("capability: edit cookie bound to another document")
	// ErrCookieExpired indicates the cookie is past its expiry.
	ErrCookieExpired = errors.New("capability: edit cookie expired")
)

// cookiePayload is the signed body of an edit-capability cookie.
type cookiePayload struct {
	DocID     string `json:"docId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Grant is an issued edit-capability cookie value and its expiry.
type Grant struct {
	Value     string
	ExpiresAt time.Time
}

// VerifierConfig bundles configuration for a Verifier.
type VerifierConfig struct {
	SigningSecret []byte
	CookieTTL     time.Duration
	Clock         func() time.Time
}

// Verifier answers whether a connection may edit a given document. A claim
// exchanges the raw bearer token for a signed, document-scoped cookie;
// later connections present only the cookie.
type Verifier struct {
	signingSecret []byte
	cookieTTL     time.Duration
	clock         func() time.Time
}

// NewVerifier validates the configuration and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.CookieTTL
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieTTL:     ttl,
		clock:         clock,
	}, nil
}

// HashEditToken returns the hex-encoded SHA-256 digest recorded at room creation.
func HashEditToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Claim exchanges a raw edit token for a signed cookie bound to the document.
// The token comparison is constant time; the raw token is never stored.
func (verifier *Verifier) Claim(docID string, rawToken string, recordedHash string) (Grant, error) {
	presented := HashEditToken(rawToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(recordedHash)) != 1 {
		return Grant{}, ErrTokenMismatch
	}

	expiresAt := verifier.clock().UTC().Add(verifier.cookieTTL)
	payload, err := json.Marshal(cookiePayload{DocID: docID, ExpiresAt: expiresAt.Unix()})
	if err != nil {
		return Grant{}, err
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	signature := verifier.sign(payload)
	value := encodedPayload + cookieSeparator + base64.RawURLEncoding.EncodeToString(signature)
	return Grant{Value: value, ExpiresAt: expiresAt}, nil
}

// VerifyCookie checks signature, document binding and expiry of a cookie value.
func (verifier *Verifier) VerifyCookie(docID string, cookieValue string) error {
	parts := strings.Split(cookieValue, cookieSeparator)
	if len(parts) != 2 {
		return ErrMalformedCookie
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCookie, err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCookie, err)
	}
	if !hmac.Equal(signature, verifier.sign(payload)) {
		return ErrCookieSignature
	}

	var decoded cookiePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCookie, err)
	}
	if decoded.DocID != docID {
		return ErrCookieScope
	}
	if verifier.clock().UTC().Unix() >= decoded.ExpiresAt {
		return ErrCookieExpired
	}
	return nil
}

// CookieTTL exposes the configured cookie lifetime for HTTP attribute wiring.
func (verifier *Verifier) CookieTTL() time.Duration {
	return verifier.cookieTTL
}

func (verifier *Verifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, verifier.signingSecret)
	mac.Write(payload)
	return mac.Sum(nil)
}
