package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newMaster(t *testing.T) []byte {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	return master
}

func issueKeys(t *testing.T, master []byte, attrs ...string) map[string]AttributeKey {
	t.Helper()
	keys := make(map[string]AttributeKey, len(attrs))
	for _, attr := range attrs {
		k, err := DeriveAttributeKey(master, attr)
		require.NoError(t, err)
		keys[attr] = k
	}
	return keys
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("region:north AND certified OR admin")
	require.NoError(t, err)
	require.Equal(t, [][]string{{"region:north", "certified"}, {"admin"}}, policy.Clauses)
	require.Equal(t, "region:north AND certified OR admin", policy.String())

	_, err = ParsePolicy("a AND  OR b")
	require.Error(t, err)
}

func TestPolicySatisfaction(t *testing.T) {
	policy, err := ParsePolicy("facility AND certified OR admin")
	require.NoError(t, err)
	require.True(t, policy.SatisfiedBy([]string{"facility", "certified"}))
	require.True(t, policy.SatisfiedBy([]string{"admin"}))
	require.False(t, policy.SatisfiedBy([]string{"facility"}))
	require.False(t, policy.SatisfiedBy(nil))
}

func TestEncryptWithPolicyRoundTrip(t *testing.T) {
	master := newMaster(t)
	policy, err := ParsePolicy("facility AND region:north")
	require.NoError(t, err)

	plaintext := []byte("round 3 global model")
	ct, err := EncryptWithPolicy(master, policy, plaintext)
	require.NoError(t, err)
	require.Len(t, ct.WrappedKeys, 1)

	keys := issueKeys(t, master, "facility", "region:north")
	decrypted, err := DecryptWithAttributes(ct, keys)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptFailsWithoutFullClause(t *testing.T) {
	master := newMaster(t)
	policy, err := ParsePolicy("facility AND certified")
	require.NoError(t, err)
	ct, err := EncryptWithPolicy(master, policy, []byte("model"))
	require.NoError(t, err)

	// Holding only one of the two clause attributes is not enough.
	keys := issueKeys(t, master, "facility")
	_, err = DecryptWithAttributes(ct, keys)
	require.ErrorIs(t, err, ErrPolicyNotSatisfied)
}

func TestAnySatisfiedClauseDecrypts(t *testing.T) {
	master := newMaster(t)
	policy, err := ParsePolicy("facility AND certified OR admin")
	require.NoError(t, err)
	ct, err := EncryptWithPolicy(master, policy, []byte("model"))
	require.NoError(t, err)
	require.Len(t, ct.WrappedKeys, 2)

	// The second clause alone suffices.
	keys := issueKeys(t, master, "admin")
	decrypted, err := DecryptWithAttributes(ct, keys)
	require.NoError(t, err)
	require.Equal(t, []byte("model"), decrypted)
}

func TestPolicyEncryptionKeyMatchesMasterEncryption(t *testing.T) {
	master := newMaster(t)
	policy, err := ParsePolicy("facility AND certified OR admin")
	require.NoError(t, err)

	// Encrypting with the derived policy key alone must produce ciphertexts
	// the attribute holders can open, without the encryptor touching the
	// master secret.
	pek, err := DerivePolicyEncryptionKey(master, policy)
	require.NoError(t, err)
	require.Len(t, pek.ClauseKEKs, 2)

	ct, err := EncryptWithPolicyKey(pek, []byte("model"))
	require.NoError(t, err)

	keys := issueKeys(t, master, "facility", "certified")
	decrypted, err := DecryptWithAttributes(ct, keys)
	require.NoError(t, err)
	require.Equal(t, []byte("model"), decrypted)
}

func TestKeysFromRotatedMasterFail(t *testing.T) {
	master := newMaster(t)
	policy, err := ParsePolicy("facility")
	require.NoError(t, err)
	ct, err := EncryptWithPolicy(master, policy, []byte("model"))
	require.NoError(t, err)

	// Keys derived from a different master (e.g. after revocation-driven
	// rotation) must not decrypt old or new ciphertexts interchangeably.
	rotated := newMaster(t)
	keys := issueKeys(t, rotated, "facility")
	_, err = DecryptWithAttributes(ct, keys)
	require.ErrorIs(t, err, ErrPolicyNotSatisfied)
}
