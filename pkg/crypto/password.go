package crypto

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashToken hashes a static API token using bcrypt.
func HashToken(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// CompareToken reports whether plain matches the stored bcrypt hash.
func CompareToken(hash, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(hash)), []byte(plain))
}
