// Package keystore stores the scheduler's signing keys encrypted at rest.
// Keys are sealed with AES-256-GCM under an Argon2id-derived key.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/klingon-htlcd/pkg/helpers"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

// ErrDecrypt is returned when a key file cannot be opened with the password.
var ErrDecrypt = errors.New("failed to decrypt key (wrong password?)")

// EncryptedKey is an encrypted secp256k1 private key as stored on disk.
type EncryptedKey struct {
	Version     int    `json:"version"`
	Address     string `json:"address"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// params holds the Argon2 cost used for one encryption.
type params struct {
	time        uint32
	memory      uint32
	parallelism uint8
}

var defaultParams = params{argon2Time, argon2Memory, argon2Parallelism}

// EncryptKey encrypts a private key using Argon2id + AES-256-GCM.
func EncryptKey(key *ecdsa.PrivateKey, password string) (*EncryptedKey, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	return encryptKey(key, password, defaultParams)
}

func encryptKey(key *ecdsa.PrivateKey, password string, p params) (*EncryptedKey, error) {
	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, p)
	if err != nil {
		return nil, err
	}

	nonce, err := helpers.GenerateSecureRandom(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	plaintext := crypto.FromECDSA(key)
	defer helpers.SecureClear(plaintext)

	return &EncryptedKey{
		Version:     1,
		Address:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        p.time,
		Memory:      p.memory,
		Parallelism: p.parallelism,
	}, nil
}

// DecryptKey opens an encrypted key.
func DecryptKey(encrypted *EncryptedKey, password string) (*ecdsa.PrivateKey, error) {
	p := params{encrypted.Time, encrypted.Memory, encrypted.Parallelism}
	if p.time == 0 {
		p.time = argon2Time
	}
	if p.memory == 0 {
		p.memory = argon2Memory
	}
	if p.parallelism == 0 {
		p.parallelism = argon2Parallelism
	}

	gcm, err := newGCM(password, encrypted.Salt, p)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	defer helpers.SecureClear(plaintext)

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("invalid key material: %w", err)
	}
	if encrypted.Address != "" && crypto.PubkeyToAddress(key.PublicKey).Hex() != encrypted.Address {
		return nil, fmt.Errorf("key does not match address %s", encrypted.Address)
	}
	return key, nil
}

func newGCM(password string, salt []byte, p params) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Save writes an encrypted key to a file readable only by the owner.
func Save(encrypted *EncryptedKey, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(encrypted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Load reads an encrypted key from a file.
func Load(path string) (*EncryptedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var encrypted EncryptedKey
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &encrypted, nil
}

// LoadKey reads and decrypts a key file.
func LoadKey(path, password string) (*ecdsa.PrivateKey, error) {
	encrypted, err := Load(path)
	if err != nil {
		return nil, err
	}
	return DecryptKey(encrypted, password)
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, has := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if has {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}

	return nil
}

// ValidateFilePath rejects empty, relative traversal and non-UTF-8 paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	clean := filepath.Clean(path)
	if clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}

	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}

	return nil
}
