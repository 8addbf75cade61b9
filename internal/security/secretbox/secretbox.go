// Package secretbox cifra contenido con AES-256-GCM. Lo usa el backend fs
// para no dejar tokens en claro en disco.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	nonceSizeGCM      = 12  // AES-GCM nonce size recomendado (96 bits)
	requiredKeyLength = 32  // 32 bytes => AES-256
	sep               = "|" // nonce|ciphertext (ambos en base64)
)

// ErrInvalidFormat el texto cifrado no tiene la forma base64(nonce)|base64(ct).
var ErrInvalidFormat = errors.New("formato inválido: esperado base64(nonce)|base64(ciphertext)")

// Box cifra y descifra con una clave fija.
type Box struct {
	aead cipher.AEAD
}

// New crea un Box a partir de key (base64, base64 sin padding, hex o 32 bytes crudos).
func New(key string) (*Box, error) {
	kBytes, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(kBytes)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aesgcm}, nil
}

// GenerateKey devuelve una clave nueva en base64, lista para storage.encryption_key.
func GenerateKey() (string, error) {
	k := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// ParseKey decodifica una clave de 32 bytes.
func ParseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)

	// 1. Base64 (Std, luego Raw)
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(key); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	// 2. Hex (64 chars = 32 bytes)
	if len(key) == 2*requiredKeyLength {
		if h, err := hex.DecodeString(key); err == nil {
			return h, nil
		}
	}
	// 3. Raw
	if len(key) == requiredKeyLength {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("clave inválida: %d bytes (requiere %d); genere una con: openssl rand -base64 32", len(key), requiredKeyLength)
}

// Seal cifra plain y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Seal(plain []byte) (string, error) {
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open descifra lo producido por Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(sealed), sep)
	if len(parts) != 2 {
		return nil, ErrInvalidFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return nil, fmt.Errorf("nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}
