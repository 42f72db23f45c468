// Package socks5 implements the user-facing SOCKS5 front end of zctun.
package socks5

import (
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
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
	// Authenticate performs authentication and returns the presented
	// username (the target clientKey) if successful.
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the authentication method code.
	GetMethod() byte
}

// SecretChecker validates the shared SOCKS5 password and confirms the
// presented username names a currently registered clientKey. Both a wrong
// password and an unknown clientKey are indistinguishable failures per the
// protocol (§7): either way the handshake is rejected with AuthStatusFailure.
type SecretChecker interface {
	Check(clientKey, password string) bool
}

// HashedSecretChecker validates against a single bcrypt-hashed shared
// secret plus a live-clientKey lookup.
type HashedSecretChecker struct {
	Hash       string
	HasControl func(clientKey string) bool
}

// Check reports whether password matches the shared secret and clientKey
// currently has a registered control channel.
func (h *HashedSecretChecker) Check(clientKey, password string) bool {
	// Compare the password unconditionally, even for an unknown clientKey,
	// so response timing does not leak which clientKeys are registered.
	validPassword := bcrypt.CompareHashAndPassword([]byte(h.Hash), []byte(password)) == nil
	if !validPassword {
		return false
	}
	if h.HasControl == nil {
		return false
	}
	return h.HasControl(clientKey)
}

// HashPassword creates a bcrypt hash of the shared SOCKS5 password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword creates a bcrypt hash and panics on error. For use in
// tests and startup code where a bad hash is already a fatal config error.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthenticator handles username/password authentication (RFC 1929).
// The username is the target clientKey; the password is the shared secret.
type UserPassAuthenticator struct {
	Checker SecretChecker
}

// NewUserPassAuthenticator creates a username/password authenticator.
func NewUserPassAuthenticator(checker SecretChecker) *UserPassAuthenticator {
	return &UserPassAuthenticator{Checker: checker}
}

// GetMethod returns the username/password method.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs username/password authentication.
//
// Request:
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
		return "", errors.New("clientKey is empty")
	}
	clientKey := make([]byte, uLen)
	if _, err := io.ReadFull(reader, clientKey); err != nil {
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

	if !a.Checker.Check(string(clientKey), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(clientKey), nil
}
