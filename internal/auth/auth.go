// Package auth implements the request signature codec and the credential
// checks the relay performs before forwarding a request upstream.
//
// The signature is an HMAC-SHA256 over "<t>:<m>" where t is the request
// timestamp in milliseconds and m the content of the latest message. The
// client needs the same secret to sign, so the signature deters casual abuse
// of the endpoint; it is not access control.
package auth

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"time"

	"gpt-relay/pkg/models"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultMaxAge is the default freshness window for signed requests.
const DefaultMaxAge = 5 * time.Minute

var (
	// ErrEmptySecret is returned when a signer is created without a secret.
	ErrEmptySecret = errors.New("signing secret must not be empty")
)

// Signer signs and verifies request payloads with a shared secret.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithMaxAge sets the freshness window. A zero or negative value disables the
// timestamp check.
func WithMaxAge(d time.Duration) Option {
	return func(s *Signer) {
		s.maxAge = d
	}
}

// WithClock replaces the time source used for the freshness check.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a Signer for the given shared secret.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	s := &Signer{
		secret: []byte(secret),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxAge returns the configured freshness window.
func (s *Signer) MaxAge() time.Duration {
	return s.maxAge
}

// signingString is the canonical text the HMAC is computed over.
func signingString(p models.SignaturePayload) string {
	return strconv.FormatInt(p.T, 10) + ":" + p.M
}

// Sign returns the 43-character base64url HMAC-SHA256 signature of the payload.
func (s *Signer) Sign(p models.SignaturePayload) (string, error) {
	return jwt.SigningMethodHS256.Sign(signingString(p), s.secret)
}

// Verify reports whether sig is a valid signature for the payload and the
// payload timestamp lies within the freshness window. The comparison is
// constant time.
func (s *Signer) Verify(p models.SignaturePayload, sig string) bool {
	if sig == "" {
		return false
	}
	if s.maxAge > 0 {
		// Compare instants; Sub saturates for extreme timestamps.
		now, ts := s.now(), time.UnixMilli(p.T)
		if ts.Before(now.Add(-s.maxAge)) || ts.After(now.Add(s.maxAge)) {
			return false
		}
	}
	return jwt.SigningMethodHS256.Verify(signingString(p), sig, s.secret) == nil
}

// CheckPassword reports whether supplied matches the configured site password.
// An empty configured password disables the check.
func CheckPassword(configured, supplied string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}

// SelectAPIKey picks the credential used for the upstream call.
//
// The caller's key wins unless it is empty or equals the privileged super key,
// in which case the server's own key is used.
func SelectAPIKey(callerKey, superKey, serverKey string) string {
	if callerKey != "" && callerKey != superKey {
		return callerKey
	}
	return serverKey
}
