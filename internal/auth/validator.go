// ABOUTME: Credential validation that maps a presented token to a peer role
// ABOUTME: Agent shared secret (plain or bcrypt) first, then console JWT, otherwise rejected

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned when a token matches neither credential class.
var ErrUnauthorized = errors.New("not authorized")

// Role is the coarse permission class attached to a connection for its lifetime.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleConsole Role = "console"
)

// Identity is the result of a successful validation.
// Subject is empty for agents; the agent id is bound later by its register event.
type Identity struct {
	Role    Role
	Subject string
}

// Validator verifies a presented token.
type Validator interface {
	Validate(token string) (*Identity, error)
}

// SecretMatcher reports whether a token is the pre-shared agent secret.
type SecretMatcher interface {
	Match(token string) bool
}

// PlainSecret compares against a cleartext secret in constant time.
type PlainSecret []byte

// Match implements SecretMatcher.
func (s PlainSecret) Match(token string) bool {
	if len(s) == 0 || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare(s, []byte(token)) == 1
}

// HashedSecret compares against a bcrypt hash of the agent secret.
type HashedSecret []byte

// Match implements SecretMatcher.
func (h HashedSecret) Match(token string) bool {
	if len(h) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(h, []byte(token)) == nil
}

// HashSecret returns the bcrypt hash to put in auth.agent_secret_hash.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// CredentialValidator checks the agent secret first, then a console JWT.
type CredentialValidator struct {
	agents   SecretMatcher
	consoles TokenVerifier
}

// NewCredentialValidator builds a validator from an agent secret matcher and
// a console token verifier. Either may be nil, which disables that role.
func NewCredentialValidator(agents SecretMatcher, consoles TokenVerifier) *CredentialValidator {
	return &CredentialValidator{agents: agents, consoles: consoles}
}

// Validate implements Validator. Any failure wraps ErrUnauthorized.
func (v *CredentialValidator) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	if v.agents != nil && v.agents.Match(token) {
		return &Identity{Role: RoleAgent}, nil
	}

	if v.consoles == nil {
		return nil, ErrUnauthorized
	}

	sub, err := v.consoles.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return &Identity{Role: RoleConsole, Subject: sub}, nil
}
