package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseOrdering(t *testing.T) {
	order := []RoundPhase{
		PhaseIdle, PhaseCollecting, PhaseFogReconstructing,
		PhaseValidating, PhaseFinalizing, PhaseBroadcasting,
	}
	for i := 0; i < len(order)-1; i++ {
		require.Equal(t, order[i+1], order[i].Next())
		require.True(t, order[i].CanTransition(order[i+1]))
	}
	// Broadcasting wraps back to Idle.
	require.Equal(t, PhaseIdle, PhaseBroadcasting.Next())
}

func TestAnyPhaseCanAbortToIdle(t *testing.T) {
	for p := PhaseIdle; p <= PhaseBroadcasting; p++ {
		require.True(t, p.CanTransition(PhaseIdle), p.String())
	}
}

func TestSkippingPhasesIsIllegal(t *testing.T) {
	require.False(t, PhaseCollecting.CanTransition(PhaseValidating))
	require.False(t, PhaseIdle.CanTransition(PhaseBroadcasting))
	require.False(t, PhaseValidating.CanTransition(PhaseCollecting))
}

func TestParticipantSetDigestOrderIndependent(t *testing.T) {
	a := ParticipantSetDigest([]string{"f1", "f2", "f3"})
	b := ParticipantSetDigest([]string{"f3", "f1", "f2"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, ParticipantSetDigest([]string{"f1", "f2"}))
}

func TestAggregateDigestBindsRoundAndContents(t *testing.T) {
	d1 := AggregateDigest(1, []float64{0.5, -0.25})
	require.Equal(t, d1, AggregateDigest(1, []float64{0.5, -0.25}))
	require.NotEqual(t, d1, AggregateDigest(2, []float64{0.5, -0.25}))
	require.NotEqual(t, d1, AggregateDigest(1, []float64{0.5, -0.26}))
}
