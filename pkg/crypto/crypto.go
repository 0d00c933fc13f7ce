package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jitension/portfolio-tracker/pkg/errors"
)

const (
	keyIterations = 10000
	keyLength     = 32
)

// Vault encrypts and decrypts secrets at rest (broker credentials and
// session tokens). Ciphertexts are hex-encoded AES-256-GCM with the nonce
// prefixed, so tampering fails authentication rather than yielding garbage.
type Vault struct {
	key []byte
}

// NewVault derives the AES key from the configured secret and salt via
// PBKDF2-SHA256.
func NewVault(secret, salt string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault secret must not be empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), keyIterations, keyLength, sha256.New)
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext and returns a hex ciphertext.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to create nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a hex ciphertext produced by Encrypt. Corrupt or tampered
// input fails with a DECRYPTION_FAILED error, never partial plaintext.
func (v *Vault) Decrypt(encryptedHex string) ([]byte, error) {
	ciphertext, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return nil, errors.DecryptionFailed(fmt.Errorf("failed to decode hex: %w", err))
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.DecryptionFailed(fmt.Errorf("ciphertext too short"))
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.DecryptionFailed(err)
	}

	return plaintext, nil
}
