package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every key the engine handles.
const KeySize = 32

// GenerateKey generates a 32-byte cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// HashKey returns the SHA-256 hex digest of a raw key. Only the hash is
// ever persisted in the key registry.
func HashKey(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// DeriveKEK derives the Key Encryption Key from the master key using
// HKDF-SHA256. Version keys are stored wrapped under the KEK.
func DeriveKEK(masterKey []byte, context string) ([]byte, error) {
	kek := make([]byte, KeySize)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// WrapKey wraps a raw version key with the KEK using AES-256-GCM.
func WrapKey(key, kek []byte) ([]byte, error) {
	ciphertext, nonce, err := EncryptAESGCM(key, kek)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	// Prepend nonce to ciphertext for storage
	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result, nonce)
	copy(result[len(nonce):], ciphertext)
	return result, nil
}

// UnwrapKey unwraps a wrapped version key using the KEK.
func UnwrapKey(wrapped, kek []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, errors.New("wrapped key too short")
	}
	nonce := wrapped[:nonceSize]
	ciphertext := wrapped[nonceSize:]
	key, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}
	return key, nil
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
