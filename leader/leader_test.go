package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/fog"
	"github.com/saicha124/fedshareM3/protocol"
	"github.com/saicha124/fedshareM3/validator"
)

func testConfig() *protocol.FedNetConfig {
	cfg := protocol.DefaultConfig()
	cfg.ModelDimension = 4
	cfg.MinParticipants = 2
	cfg.Epsilon = 1e9 // negligible noise keeps aggregate assertions exact
	cfg.CollectDeadline = 2 * time.Second
	cfg.ReconstructDeadline = 200 * time.Millisecond
	cfg.ValidateDeadline = 200 * time.Millisecond
	return cfg
}

type testNet struct {
	cfg        *protocol.FedNetConfig
	leader     *Service
	fogs       []*fog.Service
	facilities []*facility.Service
	validators []*validator.Service
	fogKeys    []crypto.PrivateKey
	master     []byte
}

func constantTrainer(update []float64) facility.Trainer {
	return func(_ context.Context, _ int, _ []float64) ([]float64, error) {
		return append([]float64(nil), update...), nil
	}
}

func newTestNet(t *testing.T, cfg *protocol.FedNetConfig, updates map[string][]float64) *testNet {
	t.Helper()
	net := &testNet{cfg: cfg, master: []byte("0123456789abcdef0123456789abcdef")}

	var err error
	net.leader, err = NewService(cfg)
	require.NoError(t, err)
	policy, err := crypto.ParsePolicy(cfg.AccessPolicy)
	require.NoError(t, err)
	pek, err := crypto.DerivePolicyEncryptionKey(net.master, policy)
	require.NoError(t, err)
	net.leader.SetPolicyEncryptionKey(pek)

	for i := 0; i < cfg.NumFogNodes; i++ {
		f, err := fog.NewService(cfg, i)
		require.NoError(t, err)
		net.fogs = append(net.fogs, f)
		_, key, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		net.fogKeys = append(net.fogKeys, key)
	}
	for id, update := range updates {
		f, err := facility.NewService(cfg, id, constantTrainer(update))
		require.NoError(t, err)
		net.facilities = append(net.facilities, f)
	}
	for v := 0; v < cfg.CommitteeSize; v++ {
		val, err := validator.NewService(cfg)
		require.NoError(t, err)
		net.validators = append(net.validators, val)
		pub, err := val.PublicKey()
		require.NoError(t, err)
		net.leader.RegisterValidator(pub)
	}
	return net
}

// runCollection walks one round from announcement through fog partials.
func (net *testNet) runCollection(t *testing.T, ann *protocol.RoundAnnouncement) {
	t.Helper()
	for _, f := range net.fogs {
		require.NoError(t, f.ProcessAnnouncement(ann))
	}
	for _, fac := range net.facilities {
		shares, err := fac.PrepareShares(context.Background(), ann)
		require.NoError(t, err)
		for i, share := range shares {
			require.NoError(t, net.fogs[i].ProcessShare(share, nil))
		}
	}
	for i, f := range net.fogs {
		partial, err := f.PartialSum(context.Background())
		require.NoError(t, err)
		signed, err := protocol.NewSigned(net.fogKeys[i], partial)
		require.NoError(t, err)
		require.NoError(t, net.leader.ProcessFogPartial(signed))
	}
}

func TestFullRound(t *testing.T) {
	cfg := testConfig()
	net := newTestNet(t, cfg, map[string][]float64{
		"f1": {0.2, 0, -0.2, 0},
		"f2": {0.4, 0.2, 0.2, 0},
	})

	signedAnn, err := net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	ann := signedAnn.UnsafeObject()
	require.Equal(t, 1, ann.RoundNumber)

	net.runCollection(t, ann)

	candidate, err := net.leader.Reconstruct(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, candidate.ParticipantCount)
	// The candidate is the participant average of the (barely noised) updates.
	require.InDelta(t, 0.3, candidate.Parameters[0], 1e-3)
	require.InDelta(t, 0.1, candidate.Parameters[1], 1e-3)
	require.InDelta(t, 0.0, candidate.Parameters[2], 1e-3)

	for _, val := range net.validators {
		vote, err := val.ProcessCandidate(candidate)
		require.NoError(t, err)
		require.NoError(t, net.leader.ProcessVote(vote))
	}
	require.NoError(t, net.leader.TallyVotes(context.Background()))

	modelAnn, err := net.leader.Finalize()
	require.NoError(t, err)
	require.Equal(t, 1, modelAnn.ModelVersion)

	// The broadcast decrypts for holders of the policy attributes.
	keys := make(map[string]crypto.AttributeKey)
	for _, attr := range []string{"facility", "certified"} {
		k, err := crypto.DeriveAttributeKey(net.master, attr)
		require.NoError(t, err)
		keys[attr] = k
	}
	plaintext, err := crypto.DecryptWithAttributes(modelAnn.Ciphertext, keys)
	require.NoError(t, err)
	payload, err := protocol.UnmarshalMessage[protocol.ModelPayload](plaintext)
	require.NoError(t, err)
	require.Equal(t, 1, payload.ModelVersion)
	require.InDelta(t, 0.3, payload.Parameters[0], 1e-3)

	net.leader.CompleteRound()
	require.Equal(t, protocol.PhaseIdle, net.leader.Status().Phase)

	// Version lookups serve the stored announcement.
	stored, ok := net.leader.ModelAnnouncement(1)
	require.True(t, ok)
	require.Equal(t, modelAnn, stored)
}

func TestRoundAbortsWithoutEnoughPartials(t *testing.T) {
	cfg := testConfig()
	net := newTestNet(t, cfg, map[string][]float64{
		"f1": {0.1, 0, 0, 0},
		"f2": {0.1, 0, 0, 0},
	})

	signedAnn, err := net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	ann := signedAnn.UnsafeObject()

	// Only one fog delivers a partial; threshold is two.
	require.NoError(t, net.fogs[0].ProcessAnnouncement(ann))
	for _, fac := range net.facilities {
		shares, err := fac.PrepareShares(context.Background(), ann)
		require.NoError(t, err)
		require.NoError(t, net.fogs[0].ProcessShare(shares[0], nil))
	}
	partial, err := net.fogs[0].PartialSum(context.Background())
	require.NoError(t, err)
	signed, err := protocol.NewSigned(net.fogKeys[0], partial)
	require.NoError(t, err)
	require.NoError(t, net.leader.ProcessFogPartial(signed))

	_, err = net.leader.Reconstruct(context.Background())
	require.ErrorIs(t, err, protocol.ErrRoundAborted)
	status := net.leader.Status()
	require.Equal(t, protocol.PhaseIdle, status.Phase)
	require.True(t, status.Aborted)
}

func TestRoundAbortsOnVoteShortfall(t *testing.T) {
	cfg := testConfig()
	net := newTestNet(t, cfg, map[string][]float64{
		"f1": {0.1, 0, 0, 0},
		"f2": {0.1, 0, 0, 0},
	})

	signedAnn, err := net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	net.runCollection(t, signedAnn.UnsafeObject())
	candidate, err := net.leader.Reconstruct(context.Background())
	require.NoError(t, err)

	// Only one of three validators votes; quorum is three.
	vote, err := net.validators[0].ProcessCandidate(candidate)
	require.NoError(t, err)
	require.NoError(t, net.leader.ProcessVote(vote))

	err = net.leader.TallyVotes(context.Background())
	require.ErrorIs(t, err, protocol.ErrRoundAborted)
	require.Equal(t, protocol.PhaseIdle, net.leader.Status().Phase)
}

func TestVoteFromOutsideCommitteeRejected(t *testing.T) {
	cfg := testConfig()
	net := newTestNet(t, cfg, map[string][]float64{
		"f1": {0.1, 0, 0, 0},
		"f2": {0.1, 0, 0, 0},
	})

	signedAnn, err := net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	net.runCollection(t, signedAnn.UnsafeObject())
	candidate, err := net.leader.Reconstruct(context.Background())
	require.NoError(t, err)

	outsider, err := validator.NewService(cfg)
	require.NoError(t, err)
	vote, err := outsider.ProcessCandidate(candidate)
	require.NoError(t, err)
	require.Error(t, net.leader.ProcessVote(vote))
}

func TestStalePartialRejected(t *testing.T) {
	cfg := testConfig()
	net := newTestNet(t, cfg, map[string][]float64{
		"f1": {0.1, 0, 0, 0},
		"f2": {0.1, 0, 0, 0},
	})

	// Complete round one.
	signedAnn, err := net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	net.runCollection(t, signedAnn.UnsafeObject())
	candidate, err := net.leader.Reconstruct(context.Background())
	require.NoError(t, err)
	for _, val := range net.validators {
		vote, err := val.ProcessCandidate(candidate)
		require.NoError(t, err)
		require.NoError(t, net.leader.ProcessVote(vote))
	}
	require.NoError(t, net.leader.TallyVotes(context.Background()))
	_, err = net.leader.Finalize()
	require.NoError(t, err)
	net.leader.CompleteRound()

	// Start round two, then replay a round-one partial.
	_, err = net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	stale, err := protocol.NewSigned(net.fogKeys[0], &protocol.FogPartialSum{
		RoundNumber: 1,
		FogIndex:    0,
		EvalPoint:   protocol.FogEvalPoint(0),
		Facilities:  []string{"f1", "f2"},
		Vector:      crypto.EncodeVector(make([]float64, cfg.ModelDimension), crypto.ShareFieldOrder),
	})
	require.NoError(t, err)
	require.ErrorIs(t, net.leader.ProcessFogPartial(stale), protocol.ErrStaleMessage)
}

func TestAbortDuringReconstructWaitLeavesLeaderIdle(t *testing.T) {
	cfg := testConfig()
	cfg.CollectDeadline = 500 * time.Millisecond
	cfg.ReconstructDeadline = 2 * time.Second
	net := newTestNet(t, cfg, map[string][]float64{
		"f1": {0.1, 0, 0, 0},
		"f2": {0.1, 0, 0, 0},
	})

	signedAnn, err := net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
	ann := signedAnn.UnsafeObject()

	// Two of three fogs deliver partials: enough to interpolate, but short
	// of the full set, so the reconstruction wait stays blocked.
	for _, f := range net.fogs[:2] {
		require.NoError(t, f.ProcessAnnouncement(ann))
	}
	for _, fac := range net.facilities {
		shares, err := fac.PrepareShares(context.Background(), ann)
		require.NoError(t, err)
		require.NoError(t, net.fogs[0].ProcessShare(shares[0], nil))
		require.NoError(t, net.fogs[1].ProcessShare(shares[1], nil))
	}
	for i := 0; i < 2; i++ {
		partial, err := net.fogs[i].PartialSum(context.Background())
		require.NoError(t, err)
		signed, err := protocol.NewSigned(net.fogKeys[i], partial)
		require.NoError(t, err)
		require.NoError(t, net.leader.ProcessFogPartial(signed))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := net.leader.Reconstruct(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return net.leader.Status().Phase == protocol.PhaseFogReconstructing
	}, time.Second, 10*time.Millisecond)

	// An abort while Reconstruct waits must not leave a half-validated
	// round behind.
	net.leader.Abort("operator cancelled")
	cancel()

	require.ErrorIs(t, <-errCh, protocol.ErrRoundAborted)
	require.Equal(t, protocol.PhaseIdle, net.leader.Status().Phase)

	// The leader accepts the next round immediately.
	_, err = net.leader.StartRound([]string{"f1", "f2"})
	require.NoError(t, err)
}

func TestStartRoundRequiresMinimumParticipants(t *testing.T) {
	cfg := testConfig()
	net := newTestNet(t, cfg, map[string][]float64{})

	_, err := net.leader.StartRound([]string{"f1"})
	require.ErrorIs(t, err, protocol.ErrRoundAborted)
}
