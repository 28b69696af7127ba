package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for file password hashes.
const BcryptCost = 10

// HashPassword hashes a file password. An empty password yields an empty hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks password against a bcrypt hash.
// A file without a hash accepts any password.
func VerifyPassword(hashedPassword, password string) bool {
	if hashedPassword == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}
