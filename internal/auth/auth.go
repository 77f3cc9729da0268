// Package auth supplies and verifies the admin token that gates the
// engine control endpoints. The token is either a static shared secret or,
// when a TOTP secret is configured, a time-based one-time code so the
// secret itself never travels over the wire.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// ErrNoCredentials means neither a static token nor a TOTP secret was
// configured.
var ErrNoCredentials = errors.New("no admin credentials configured")

// TokenProvider yields the admin token to attach to outgoing engine
// commands and verifies tokens on incoming dashboard requests.
type TokenProvider interface {
	Token() (string, error)
	Verify(token string) bool
}

// Static is a fixed shared-secret provider.
type Static struct {
	secret string
}

// NewStatic wraps a fixed token.
func NewStatic(secret string) *Static {
	return &Static{secret: secret}
}

func (s *Static) Token() (string, error) {
	if s.secret == "" {
		return "", ErrNoCredentials
	}
	return s.secret, nil
}

func (s *Static) Verify(token string) bool {
	if s.secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.secret), []byte(token)) == 1
}

// TOTP derives a fresh time-based code from a shared secret on every call.
type TOTP struct {
	secret string
	now    func() time.Time
}

// NewTOTP wraps a base32 TOTP secret.
func NewTOTP(secret string) *TOTP {
	return &TOTP{secret: secret, now: time.Now}
}

func (t *TOTP) Token() (string, error) {
	if t.secret == "" {
		return "", ErrNoCredentials
	}
	code, err := totp.GenerateCode(t.secret, t.now())
	if err != nil {
		return "", fmt.Errorf("totp generate: %w", err)
	}
	return code, nil
}

func (t *TOTP) Verify(token string) bool {
	if t.secret == "" || token == "" {
		return false
	}
	return totp.Validate(token, t.secret)
}

// FromConfig picks the provider: TOTP when a secret is set, else the
// static token.
func FromConfig(staticToken, totpSecret string) TokenProvider {
	if totpSecret != "" {
		return NewTOTP(totpSecret)
	}
	return NewStatic(staticToken)
}
