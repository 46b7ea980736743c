// Package auth provides tunnel access credential generation and hashing
// utilities used by the relay client and the CLI.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const userAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const accessUserLength = 8
const accessPasswordLength = 12

// GenerateAccessUser returns a random lowercase username for a tunnel's
// proxy credentials.
func GenerateAccessUser() (string, error) {
	return randomString(accessUserLength, userAlphabet)
}

// GenerateAccessPassword returns a random alphanumeric password for a
// tunnel's proxy credentials. The plaintext is handed to the relay and
// returned to the caller once; only the hash is stored.
func GenerateAccessPassword() (string, error) {
	return randomString(accessPasswordLength, passwordAlphabet)
}

// HashAccessPassword returns the bcrypt hash of a tunnel access password.
func HashAccessPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyAccessPassword reports whether password matches the stored hash.
func VerifyAccessPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ConstantTimeEquals compares two token strings in constant time.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomString(length int, alphabet string) (string, error) {
	n := byte(len(alphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	maxFair := 256 - (256 % int(n))
	out := make([]byte, length)
	buf := make([]byte, length+16) // over-read to reduce rand calls
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			out[filled] = alphabet[b%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(out), nil
}
