package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns n characters drawn uniformly from [a-zA-Z0-9].
func RandomString(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		buf[i] = alphanumeric[idx.Int64()]
	}
	return string(buf), nil
}
