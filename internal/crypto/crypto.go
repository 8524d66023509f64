package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of AES-256 keys.
const KeySize = 32

// SaltSize is the size of generated blind-index salts.
const SaltSize = 16

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// DeriveKey derives a purpose-bound 32-byte key from the root key using HKDF-SHA256.
func DeriveKey(rootKey []byte, context string) ([]byte, error) {
	if len(rootKey) != KeySize {
		return nil, fmt.Errorf("root key must be %d bytes, got %d", KeySize, len(rootKey))
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
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
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Argon2Params tunes the Argon2id blind-index hash.
type Argon2Params struct {
	Time      uint32 `yaml:"time" env:"TIME"`
	MemoryKiB uint32 `yaml:"memory_kib" env:"MEMORY_KIB"`
	Threads   uint8  `yaml:"threads" env:"THREADS"`
}

// DefaultArgon2Params matches the parameters blind indexes have always been computed with.
var DefaultArgon2Params = Argon2Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 1}

const blindIndexLen = 32

// BlindIndex hashes a secret name with the workspace salt. The result is
// deterministic for a given name, salt and parameter set, and is base64 encoded.
func BlindIndex(name string, salt []byte, p Argon2Params) (string, error) {
	if len(salt) == 0 {
		return "", errors.New("blind index salt is empty")
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return "", errors.New("invalid argon2 parameters")
	}
	sum := argon2.IDKey([]byte(name), salt, p.Time, p.MemoryKiB, p.Threads, blindIndexLen)
	return base64.StdEncoding.EncodeToString(sum), nil
}
