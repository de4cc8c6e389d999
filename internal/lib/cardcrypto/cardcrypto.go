// Package cardcrypto шифрует номера карт и сырые ответы сервиса баланса.
// Формат шифротекста: base64([12 байт nonce][AES-256-GCM]).
package cardcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
)

const (
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4

	cachePrefix = "cardcrypto:"
)

var (
	// ErrMissingSecret не задан секрет шифрования.
	ErrMissingSecret = errors.New("crypto secret is not set")
	// ErrMalformed шифротекст повреждён или слишком короткий.
	ErrMalformed = errors.New("malformed ciphertext")
)

// Cache кэш расшифрованных значений.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
}

// Cipher шифрует и расшифровывает строки ключом, полученным из секрета через Argon2id.
type Cipher struct {
	aead  cipher.AEAD
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// DeriveKey получает 32-байтовый ключ AES-256 из секрета и соли.
func DeriveKey(secret, salt string) []byte {
	return argon2.IDKey([]byte(secret), []byte(salt), argonTime, argonMem, argonPar, keySize)
}

// New создаёт Cipher. cache может быть nil, тогда расшифровка не кэшируется.
func New(secret, salt string, cache Cache, ttl time.Duration, log *slog.Logger) (*Cipher, error) {
	const op = "cardcrypto.New"

	if secret == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingSecret)
	}
	block, err := aes.NewCipher(DeriveKey(secret, salt))
	if err != nil {
		return nil, fmt.Errorf("%s: create cipher: %w", op, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%s: create gcm: %w", op, err)
	}
	return &Cipher{aead: aead, cache: cache, ttl: ttl, log: log}, nil
}

// Encrypt шифрует plaintext со случайным nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	const op = "cardcrypto.Encrypt"

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%s: generate nonce: %w", op, err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt расшифровывает значение. Результат кэшируется на ttl, ошибки кэша только логируются.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	const op = "cardcrypto.Decrypt"

	key := cacheKey(encoded)
	if c.cache != nil {
		var cached string
		found, err := c.cache.Get(key, &cached)
		if err != nil {
			c.log.Warn("failed to read decrypt cache", sl.Err(err))
		} else if found {
			return cached, nil
		}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%s: %w", op, ErrMalformed)
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if c.cache != nil {
		if err := c.cache.Set(key, string(plaintext), c.ttl); err != nil {
			c.log.Warn("failed to write decrypt cache", sl.Err(err))
		}
	}
	return string(plaintext), nil
}

// cacheKey не содержит самого шифротекста, только его хэш.
func cacheKey(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))
	return cachePrefix + hex.EncodeToString(sum[:])
}
