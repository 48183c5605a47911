package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const cacheKeyInfo = "tokenctl/v1/token-cache"

// DeriveKey stretches a passphrase into a 32-byte cache encryption key.
func DeriveKey(passphrase string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(cacheKeyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptSecret encrypts a token key using AES-256-GCM.
// The encryptionKey must be exactly 32 bytes.
// Returns hex-encoded nonce+ciphertext concatenated.
func EncryptSecret(secret string, encryptionKey []byte) ([]byte, error) {
	if len(encryptionKey) != 32 {
		return nil, ErrInvalidKey
	}

	// Create cipher (safe because key size is already validated)
	block, _ := aes.NewCipher(encryptionKey) //nolint:errcheck
	gcm, _ := cipher.NewGCM(block)           //nolint:errcheck

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(secret), nil)

	return []byte(hex.EncodeToString(ciphertext)), nil
}

// DecryptSecret decrypts a value encrypted with EncryptSecret.
// The encrypted data should be hex-encoded nonce+ciphertext.
func DecryptSecret(encrypted []byte, encryptionKey []byte) (string, error) {
	if len(encryptionKey) != 32 {
		return "", ErrInvalidKey
	}

	ciphertext := make([]byte, hex.DecodedLen(len(encrypted)))
	n, err := hex.Decode(ciphertext, encrypted)
	if err != nil {
		return "", ErrDecryption
	}
	ciphertext = ciphertext[:n]

	// Create cipher (safe because key size is already validated)
	block, _ := aes.NewCipher(encryptionKey) //nolint:errcheck
	gcm, _ := cipher.NewGCM(block)           //nolint:errcheck

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrDecryption
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryption
	}

	return string(plaintext), nil
}
