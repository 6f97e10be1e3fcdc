package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	plaintext := []byte("model delta payload")
	ciphertext, err := Encrypt(kp.PublicKeyBytes(), plaintext)
	require.NoError(t, err)
	require.NotContains(t, string(ciphertext), string(plaintext))

	decrypted, err := kp.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	kp1, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	ciphertext, err := Encrypt(kp1.PublicKeyBytes(), []byte("secret"))
	require.NoError(t, err)

	_, err = kp2.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	kp, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)
	ciphertext, err := Encrypt(kp.PublicKeyBytes(), []byte("secret"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = kp.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	kp, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)
	_, err = kp.Decrypt([]byte{1, 2, 3})
	require.ErrorIs(t, err, errCiphertextTooShort)
}
