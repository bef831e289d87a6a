package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// keyDerivationSalt binds derived keys to this application's credential file.
	keyDerivationSalt = "moodsync-credentials"

	// keyDerivationInfo versions the derivation so keys can be rotated later.
	keyDerivationInfo = "credential-encryption-v1"

	aesKeySize = 32

	// generatedKeyBytes is the size of a freshly generated key file secret.
	generatedKeyBytes = 32
)

var (
	// ErrDecryptionFailed is returned when the sealed blob fails authentication
	// (wrong key or tampered file).
	ErrDecryptionFailed = errors.New("credstore: decryption failed: wrong key or tampered file")

	// ErrInvalidCiphertext is returned for malformed sealed data.
	ErrInvalidCiphertext = errors.New("credstore: invalid ciphertext format")
)

// sealer wraps an AES-256-GCM AEAD whose key is derived from a secret with
// HKDF-SHA256.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(secret []byte) (*sealer, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("credstore: deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating GCM: %w", err)
	}

	return &sealer{aead: aead}, nil
}

// seal returns nonce || ciphertext || tag.
func (s *sealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: generating nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *sealer) open(blob []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns+s.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plain, err := s.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plain, nil
}

func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(keyDerivationSalt), []byte(keyDerivationInfo))

	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadOrCreateKey returns the secret stored in keyPath, generating a random
// one (hex-encoded, 0600) if the file does not exist yet.
func LoadOrCreateKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, fmt.Errorf("credstore: key file %s is empty", keyPath)
		}

		return []byte(secret), nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("credstore: reading key file %s: %w", keyPath, err)
	}

	raw := make([]byte, generatedKeyBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("credstore: generating key: %w", err)
	}

	secret := hex.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(keyPath), DirPerms); err != nil {
		return nil, fmt.Errorf("credstore: creating key directory: %w", err)
	}

	if err := writeAtomic(keyPath, []byte(secret+"\n")); err != nil {
		return nil, err
	}

	return []byte(secret), nil
}
