package protocol

import (
	"testing"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignedRoundTrip(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	vote := &ValidationVote{RoundNumber: 3, Digest: "abc", Accept: true}
	signed, err := NewSigned(priv, vote)
	require.NoError(t, err)

	// Re-serialize as it would cross the wire.
	data, err := SerializeMessage(signed)
	require.NoError(t, err)
	parsed, err := UnmarshalMessage[Signed[ValidationVote]](data)
	require.NoError(t, err)

	obj, signer, err := parsed.Recover()
	require.NoError(t, err)
	require.Equal(t, vote, obj)
	expectedPub, err := priv.PublicKey()
	require.NoError(t, err)
	require.True(t, signer.Equal(expectedPub))
}

func TestSignedRejectsTamperedObject(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(priv, &ValidationVote{RoundNumber: 3, Accept: true})
	require.NoError(t, err)

	signed.Object.Accept = false
	_, _, err = signed.Recover()
	require.Error(t, err)
}

func TestSignedRejectsSubstitutedSigner(t *testing.T) {
	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(priv, &ValidationVote{RoundNumber: 1})
	require.NoError(t, err)

	// Swapping in another public key must invalidate the signature even
	// though the object is untouched.
	signed.PublicKey = otherPub
	_, _, err = signed.Recover()
	require.Error(t, err)
}
