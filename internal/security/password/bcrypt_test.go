package password

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashVerify(t *testing.T) {
	h, err := HashWithCost("secret", bcrypt.MinCost)
	require.NoError(t, err)
	require.True(t, Verify("secret", h))
	require.False(t, Verify("Secret", h))

	_, err = Hash("")
	require.Error(t, err)
}
