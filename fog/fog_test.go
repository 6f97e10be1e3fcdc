package fog

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

func testConfig() *protocol.FedNetConfig {
	cfg := protocol.DefaultConfig()
	cfg.ModelDimension = 3
	cfg.MinParticipants = 2
	return cfg
}

func signedShare(t *testing.T, key crypto.PrivateKey, share *protocol.ShareSubmission) *protocol.Signed[protocol.ShareSubmission] {
	t.Helper()
	signed, err := protocol.NewSigned(key, share)
	require.NoError(t, err)
	return signed
}

func fieldVector(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func announce(t *testing.T, svc *Service, round int, deadline time.Duration, participants ...string) {
	t.Helper()
	require.NoError(t, svc.ProcessAnnouncement(&protocol.RoundAnnouncement{
		RoundNumber:  round,
		Participants: participants,
		Deadline:     time.Now().Add(deadline),
	}))
}

func TestPartialSumOverCollectedShares(t *testing.T) {
	cfg := testConfig()
	svc, err := NewService(cfg, 1)
	require.NoError(t, err)
	announce(t, svc, 1, time.Minute, "f1", "f2")

	_, k1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, k2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 1, ShareID: "s1", FacilityID: "f1", FogIndex: 1, Vector: fieldVector(1, 2, 3),
	}), nil))
	require.NoError(t, svc.ProcessShare(signedShare(t, k2, &protocol.ShareSubmission{
		RoundNumber: 1, ShareID: "s2", FacilityID: "f2", FogIndex: 1, Vector: fieldVector(10, 20, 30),
	}), nil))
	require.Equal(t, 2, svc.CollectedShares())

	partial, err := svc.PartialSum(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, partial.RoundNumber)
	require.Equal(t, 1, partial.FogIndex)
	require.EqualValues(t, 2, partial.EvalPoint)
	require.Equal(t, []string{"f1", "f2"}, partial.Facilities)
	require.Equal(t, fieldVector(11, 22, 33), partial.Vector)
}

func TestPartialSumAbortsBelowMinimum(t *testing.T) {
	cfg := testConfig()
	svc, err := NewService(cfg, 0)
	require.NoError(t, err)
	announce(t, svc, 1, 30*time.Millisecond, "f1", "f2", "f3")

	_, k1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 1, FacilityID: "f1", FogIndex: 0, Vector: fieldVector(1, 2, 3),
	}), nil))

	_, err = svc.PartialSum(context.Background())
	require.ErrorIs(t, err, protocol.ErrRoundAborted)
}

func TestStaleAndMisaddressedSharesRejected(t *testing.T) {
	cfg := testConfig()
	svc, err := NewService(cfg, 1)
	require.NoError(t, err)
	announce(t, svc, 2, time.Minute, "f1")

	_, k1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// Stale round.
	err = svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 1, FacilityID: "f1", FogIndex: 1, Vector: fieldVector(1, 2, 3),
	}), nil)
	require.ErrorIs(t, err, protocol.ErrStaleMessage)

	// Wrong fog index.
	err = svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 2, FacilityID: "f1", FogIndex: 0, Vector: fieldVector(1, 2, 3),
	}), nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, protocol.ErrStaleMessage)

	// Unknown participant.
	err = svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 2, FacilityID: "f9", FogIndex: 1, Vector: fieldVector(1, 2, 3),
	}), nil)
	require.Error(t, err)

	// Wrong dimension.
	err = svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 2, FacilityID: "f1", FogIndex: 1, Vector: fieldVector(1, 2),
	}), nil)
	require.Error(t, err)
}

func TestDuplicateSharesIdempotent(t *testing.T) {
	cfg := testConfig()
	svc, err := NewService(cfg, 0)
	require.NoError(t, err)
	announce(t, svc, 1, time.Minute, "f1", "f2")

	_, k1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	share := signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 1, FacilityID: "f1", FogIndex: 0, Vector: fieldVector(1, 2, 3),
	})
	require.NoError(t, svc.ProcessShare(share, nil))
	require.NoError(t, svc.ProcessShare(share, nil))
	require.Equal(t, 1, svc.CollectedShares())
}

func TestShareSignerMustMatchEnrolledKey(t *testing.T) {
	cfg := testConfig()
	svc, err := NewService(cfg, 0)
	require.NoError(t, err)
	announce(t, svc, 1, time.Minute, "f1")

	enrolledPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, impostorKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = svc.ProcessShare(signedShare(t, impostorKey, &protocol.ShareSubmission{
		RoundNumber: 1, FacilityID: "f1", FogIndex: 0, Vector: fieldVector(1, 2, 3),
	}), enrolledPub)
	require.Error(t, err)
}

func TestPartialSumWaitsForAllParticipants(t *testing.T) {
	cfg := testConfig()
	svc, err := NewService(cfg, 0)
	require.NoError(t, err)
	announce(t, svc, 1, 5*time.Second, "f1", "f2")

	_, k1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, k2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, svc.ProcessShare(signedShare(t, k1, &protocol.ShareSubmission{
		RoundNumber: 1, FacilityID: "f1", FogIndex: 0, Vector: fieldVector(1, 0, 0),
	}), nil))

	lateShare := signedShare(t, k2, &protocol.ShareSubmission{
		RoundNumber: 1, FacilityID: "f2", FogIndex: 0, Vector: fieldVector(0, 1, 0),
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = svc.ProcessShare(lateShare, nil)
	}()

	start := time.Now()
	partial, err := svc.PartialSum(context.Background())
	require.NoError(t, err)
	require.Len(t, partial.Facilities, 2)
	require.Less(t, time.Since(start), 4*time.Second)
}
