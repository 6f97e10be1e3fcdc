package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestVoteQuorum(t *testing.T) {
	// (2V)/3 + 1 equals ceil((2V+1)/3) for every committee size.
	for v := 1; v <= 13; v++ {
		c := &FedNetConfig{CommitteeSize: v}
		expected := (2*v + 1 + 2) / 3 // ceil((2V+1)/3)
		require.Equal(t, expected, c.VoteQuorum(), "committee size %d", v)
	}
}

func TestConfigValidateRejectsBadThreshold(t *testing.T) {
	c := DefaultConfig()
	c.ShareThreshold = c.NumFogNodes + 1
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.ShareThreshold = 0
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsBadPrivacyParams(t *testing.T) {
	c := DefaultConfig()
	c.Epsilon = 0
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.Delta = 1
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsExcessivePowDifficulty(t *testing.T) {
	c := DefaultConfig()
	c.PowDifficulty = 256
	require.Error(t, c.Validate())
}

func TestFogEvalPointSkipsZero(t *testing.T) {
	// x=0 holds the secret; fog 0 must evaluate at x=1.
	require.EqualValues(t, 1, FogEvalPoint(0))
	require.EqualValues(t, 3, FogEvalPoint(2))
}
