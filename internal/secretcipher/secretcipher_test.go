package secretcipher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("test-secret-value")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEqual(t, "hunter2", ciphertext)

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plaintext)
}

func TestEmptyPasswordRoundTrip(t *testing.T) {
	c, err := New("test-secret-value")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("")
	require.NoError(t, err)
	require.Empty(t, ciphertext)

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Empty(t, plaintext)
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	c, err := New("test-secret-value")
	require.NoError(t, err)

	_, err = c.Decrypt("not-valid-base64!!")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptWrongKey(t *testing.T) {
	c1, err := New("secret-one")
	require.NoError(t, err)
	c2, err := New("secret-two")
	require.NoError(t, err)

	ciphertext, err := c1.Encrypt("hunter2")
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestIsRetainSentinel(t *testing.T) {
	require.True(t, IsRetainSentinel("********"))
	require.False(t, IsRetainSentinel("hunter2"))
	require.False(t, IsRetainSentinel(""))
}
