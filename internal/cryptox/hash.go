package cryptox

import (
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of password salts in bytes.
const SaltSize = 16

// HashPassword derives a 32-byte argon2id hash of password with the given
// salt, using the same cost parameters on every call so hashes stay
// comparable.
func HashPassword(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

// VerifyPassword reports whether password hashes to expected under salt.
// Comparison is constant-time.
func VerifyPassword(password, salt, expected []byte) bool {
	candidate := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(candidate, expected) == 1
}
