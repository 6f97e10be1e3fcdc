package protocol

import (
	"fmt"
	"time"
)

// RoundPhase is the leader's position in the round state machine.
type RoundPhase int

const (
	PhaseIdle RoundPhase = iota
	PhaseCollecting
	PhaseFogReconstructing
	PhaseValidating
	PhaseFinalizing
	PhaseBroadcasting
)

var phaseNames = map[RoundPhase]string{
	PhaseIdle:              "idle",
	PhaseCollecting:        "collecting",
	PhaseFogReconstructing: "fog_reconstructing",
	PhaseValidating:        "validating",
	PhaseFinalizing:        "finalizing",
	PhaseBroadcasting:      "broadcasting",
}

func (p RoundPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

// Next returns the phase that follows p in a successful round.
// Broadcasting wraps back to Idle.
func (p RoundPhase) Next() RoundPhase {
	if p == PhaseBroadcasting {
		return PhaseIdle
	}
	return p + 1
}

// CanTransition reports whether moving from p to next is legal. Any phase
// may abort back to Idle; otherwise only the forward step is allowed.
func (p RoundPhase) CanTransition(next RoundPhase) bool {
	if next == PhaseIdle {
		return true
	}
	return next == p.Next()
}

// RoundStatus is the leader's externally visible round state, served on
// the status endpoint.
type RoundStatus struct {
	RoundNumber  int        `json:"round_number"`
	Phase        RoundPhase `json:"phase"`
	PhaseName    string     `json:"phase_name"`
	ModelVersion int        `json:"model_version"`
	Participants []string   `json:"participants,omitempty"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	Deadline     time.Time  `json:"deadline,omitempty"`
	PartialSums  int        `json:"partial_sums"`
	Votes        int        `json:"votes"`
	Aborted      bool       `json:"aborted"`
	AbortReason  string     `json:"abort_reason,omitempty"`
}
