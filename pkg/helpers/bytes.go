// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"crypto/rand"
	"crypto/subtle"
)

// IsZeroBytes checks if all bytes in the slice are zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// GenerateSecureRandom generates n cryptographically secure random bytes.
func GenerateSecureRandom(n int) ([]byte, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
