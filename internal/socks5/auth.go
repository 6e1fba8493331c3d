// Package socks5 implements the SOCKS5 passive (server) and active
// (client) adapters.
package socks5

import (
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Auth status for username/password auth (RFC 1929).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Authenticator handles SOCKS5 authentication.
type Authenticator interface {
	// Authenticate performs authentication and returns the username if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// NoAuthAuthenticator allows connections without authentication. It is the
// only Authenticator this proxy wires by default; username/password
// (below) is an opt-in extension point a caller may add to
// ServerConfig.Authenticators, not something the selector ever turns on
// from a config profile.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method.
func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates username/password/combination.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials stores username to bcrypt hash mappings.
type HashedCredentials map[string]string

// Valid checks if the username/password combination is valid, using
// bcrypt comparison (inherently constant-time) and a dummy comparison
// against an unknown username so a missing entry takes the same time as a
// wrong password.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// dummyHash is compared against when the username doesn't exist, keeping
// HashedCredentials.Valid's timing independent of whether username is known.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// StaticCredentials is a plaintext credential store, kept for callers
// migrating away from it; HashedCredentials is the recommended store.
type StaticCredentials map[string]string

// Valid checks if the username/password combination is valid using a
// constant-time comparison.
func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword bcrypt-hashes password for a HashedCredentials entry.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
// Not wired by the selector (the config profile has no auth-mode field),
// but available to a caller constructing a socks5.Server directly.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator creates a new username/password authenticator.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs username/password authentication.
// Protocol (RFC 1929):
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// Response:
//
//	+----+--------+
//	|VER | STATUS |
//	+----+--------+
//	| 1  |   1    |
//	+----+--------+
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", err
	}
	if header[0] != 0x01 {
		return "", errors.New("unsupported auth version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("username is empty")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}
	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}
