package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// RefreshTokenBytes largo en bytes de los refresh tokens opacos.
const RefreshTokenBytes = 32

// GenerateOpaqueToken genera un token opaco aleatorio (base64url sin padding).
func GenerateOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewRefreshToken genera un refresh token y su hash. Solo el hash se guarda
// del lado del servidor.
func NewRefreshToken() (plain, hash string, err error) {
	plain, err = GenerateOpaqueToken(RefreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	return plain, SHA256Base64URL(plain), nil
}

// SHA256Base64URL devuelve sha256(input) en base64url sin padding.
func SHA256Base64URL(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
