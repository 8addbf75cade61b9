package secretbox

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return raw
}

func TestSealOpen_RoundTrip(t *testing.T) {
	b, err := New(base64.StdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)

	msg := `{"campus_access_token":"tok1"}`
	ct, err := b.Seal([]byte(msg))
	require.NoError(t, err)
	require.NotContains(t, ct, "tok1")

	pt, err := b.Open(ct)
	require.NoError(t, err)
	require.Equal(t, msg, string(pt))
}

func TestOpen_DetectsTamper(t *testing.T) {
	b, err := New(hex.EncodeToString(testKey()))
	require.NoError(t, err)
	ct, err := b.Seal([]byte("secreto"))
	require.NoError(t, err)

	parts := strings.Split(ct, "|")
	raw, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	raw[0] ^= 0xFF
	_, err = b.Open(parts[0] + "|" + base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = b.Open("no-separator")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestOpen_WrongKey(t *testing.T) {
	a, err := New("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	b, err := New(base64.RawStdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)

	ct, err := a.Seal([]byte("x"))
	require.NoError(t, err)
	_, err = b.Open(ct)
	require.Error(t, err)
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New("short")
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	b, err := New(k1)
	require.NoError(t, err)
	sealed, err := b.Seal([]byte("x"))
	require.NoError(t, err)
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "x", string(plain))
}
