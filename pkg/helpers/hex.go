// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexToBytes32 decodes a hex string that must hold exactly 32 bytes.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// NormalizeHex32 lower-cases a 32-byte hex value and gives it a 0x prefix.
func NormalizeHex32(s string) (string, error) {
	b, err := HexToBytes32(s)
	if err != nil {
		return "", err
	}
	return BytesToHex(b[:]), nil
}
