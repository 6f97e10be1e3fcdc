package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("share submission")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)
	require.True(t, sig.Verify(pub, msg))
	require.False(t, sig.Verify(pub, []byte("tampered")))

	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, sig.Verify(otherPub, msg))
}

func TestVerifyRejectsMalformedPublicKey(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	sig, err := Sign(priv, []byte("msg"))
	require.NoError(t, err)
	require.False(t, sig.Verify(PublicKey([]byte{1, 2, 3}), []byte("msg")))
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	parsed, err := NewPublicKeyFromString(pub.String())
	require.NoError(t, err)
	require.True(t, pub.Equal(parsed))
}

func TestPrivateKeyDerivesPublicKey(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	derived, err := priv.PublicKey()
	require.NoError(t, err)
	require.True(t, pub.Equal(derived))
}
