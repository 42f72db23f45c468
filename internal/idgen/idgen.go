// Package idgen generates the short identifiers used on the wire:
// client-chosen clientKeys and server-assigned userIds.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// alphabet is intentionally free of characters that are awkward in logs
// or that collide with the "ZC-" prefix / "@" and ":" URI separators used
// elsewhere in the protocol.
const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ClientKeyPrefix is prepended to server-exposed clientKeys per spec §3.
const ClientKeyPrefix = "ZC-"

// shortID returns a random printable string of n characters drawn from
// alphabet.
func shortID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: read random bytes: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// NewClientKey generates a client-side clientKey, e.g. "ZC-aB3xQ9kPm2".
// The client is free to pick any key (§9 open question); this is simply
// the default when none is configured.
func NewClientKey() (string, error) {
	suffix, err := shortID(10)
	if err != nil {
		return "", err
	}
	return ClientKeyPrefix + suffix, nil
}

// NewUserID generates a server-assigned userId, at most 12 printable
// characters per spec §4.2.
func NewUserID() (string, error) {
	return shortID(10)
}
