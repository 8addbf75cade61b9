package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRefreshToken(t *testing.T) {
	a, ha, err := NewRefreshToken()
	require.NoError(t, err)
	b, hb, err := NewRefreshToken()
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Len(t, a, 43)
	require.Equal(t, SHA256Base64URL(a), ha)
	require.NotEqual(t, ha, hb)
}
