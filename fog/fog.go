// Package fog implements a fog aggregation node: it collects Shamir share
// vectors from facilities during a round and emits their coordinate-wise
// sum, which is itself a share of the summed update at this node's
// evaluation point.
package fog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

// Service is the fog node core, independent of any transport.
type Service struct {
	config   *protocol.FedNetConfig
	fogIndex int

	roundMutex   sync.Mutex
	currentRound int
	roundData    *roundData
}

type roundData struct {
	round        int
	announcement *protocol.RoundAnnouncement
	participants map[string]bool
	shares       *protocol.Collector[*protocol.ShareSubmission]
}

// NewService creates a fog node for the given index. The index fixes the
// Shamir evaluation point this node receives shares for.
func NewService(config *protocol.FedNetConfig, fogIndex int) (*Service, error) {
	if fogIndex < 0 || fogIndex >= config.NumFogNodes {
		return nil, fmt.Errorf("fog index %d out of range for %d fog nodes", fogIndex, config.NumFogNodes)
	}
	return &Service{config: config, fogIndex: fogIndex}, nil
}

// FogIndex returns this node's index.
func (s *Service) FogIndex() int {
	return s.fogIndex
}

// EvalPoint returns the Shamir evaluation point this node owns.
func (s *Service) EvalPoint() int64 {
	return protocol.FogEvalPoint(s.fogIndex)
}

// ProcessAnnouncement opens a new round, discarding any previous round
// state. Announcements for earlier rounds are stale.
func (s *Service) ProcessAnnouncement(ann *protocol.RoundAnnouncement) error {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if ann.RoundNumber < s.currentRound {
		return fmt.Errorf("%w: round %d, already at %d", protocol.ErrStaleMessage, ann.RoundNumber, s.currentRound)
	}
	participants := make(map[string]bool, len(ann.Participants))
	for _, p := range ann.Participants {
		participants[p] = true
	}
	s.currentRound = ann.RoundNumber
	s.roundData = &roundData{
		round:        ann.RoundNumber,
		announcement: ann,
		participants: participants,
		shares:       protocol.NewCollector[*protocol.ShareSubmission](len(participants)),
	}
	return nil
}

// ProcessShare verifies and records one facility's share. Duplicates are
// idempotent; shares from facilities outside the participant set, for the
// wrong fog index, or with the wrong dimension are rejected.
func (s *Service) ProcessShare(signed *protocol.Signed[protocol.ShareSubmission], expectedKey crypto.PublicKey) error {
	share, signer, err := signed.Recover()
	if err != nil {
		return fmt.Errorf("invalid share signature: %w", err)
	}
	if expectedKey != nil && !signer.Equal(expectedKey) {
		return fmt.Errorf("share for %q signed by an unenrolled key", share.FacilityID)
	}

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil || share.RoundNumber < s.currentRound {
		return fmt.Errorf("%w: share for round %d", protocol.ErrStaleMessage, share.RoundNumber)
	}
	if share.RoundNumber != s.roundData.round {
		return fmt.Errorf("share for future round %d, current is %d", share.RoundNumber, s.roundData.round)
	}
	if share.FogIndex != s.fogIndex {
		return fmt.Errorf("share addressed to fog %d, this is fog %d", share.FogIndex, s.fogIndex)
	}
	if !s.roundData.participants[share.FacilityID] {
		return fmt.Errorf("facility %q is not a participant of round %d", share.FacilityID, share.RoundNumber)
	}
	if len(share.Vector) != s.config.ModelDimension {
		return fmt.Errorf("share has %d coordinates, expected %d", len(share.Vector), s.config.ModelDimension)
	}

	s.roundData.shares.Add(share.FacilityID, share)
	return nil
}

// PartialSum waits until every participant delivered a share or the round
// deadline passes, then sums whatever arrived. Fewer shares than the
// minimum participant count abort this node's contribution.
func (s *Service) PartialSum(ctx context.Context) (*protocol.FogPartialSum, error) {
	s.roundMutex.Lock()
	data := s.roundData
	s.roundMutex.Unlock()
	if data == nil {
		return nil, fmt.Errorf("%w: no active round", protocol.ErrRoundAborted)
	}

	data.shares.Wait(ctx, time.Until(data.announcement.Deadline))
	shares := data.shares.Items()
	if len(shares) < s.config.MinParticipants {
		return nil, fmt.Errorf("%w: only %d of %d minimum shares arrived", protocol.ErrRoundAborted, len(shares), s.config.MinParticipants)
	}

	sum := crypto.EncodeVector(make([]float64, s.config.ModelDimension), crypto.ShareFieldOrder)
	facilities := make([]string, 0, len(shares))
	for facilityID, share := range shares {
		crypto.VectorAddInplace(sum, share.Vector, crypto.ShareFieldOrder)
		facilities = append(facilities, facilityID)
	}
	sort.Strings(facilities)

	return &protocol.FogPartialSum{
		RoundNumber: data.round,
		FogIndex:    s.fogIndex,
		EvalPoint:   s.EvalPoint(),
		Facilities:  facilities,
		Vector:      sum,
	}, nil
}

// CollectedShares reports how many shares arrived for the active round.
func (s *Service) CollectedShares() int {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	if s.roundData == nil {
		return 0
	}
	return s.roundData.shares.Len()
}

// CurrentRound returns the active round number.
func (s *Service) CurrentRound() int {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	return s.currentRound
}
