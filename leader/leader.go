// Package leader implements the round driver: it opens rounds, collects fog
// partial sums, reconstructs the aggregate by Lagrange interpolation,
// submits it to the validator committee, and finalizes the global model
// under the access policy.
package leader

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

// Service is the leader core, independent of any transport.
type Service struct {
	config     *protocol.FedNetConfig
	signingKey crypto.PrivateKey

	policyMutex sync.RWMutex
	policyKey   *crypto.PolicyEncryptionKey

	committeeMutex sync.RWMutex
	committee      map[string]bool

	roundMutex   sync.Mutex
	phase        protocol.RoundPhase
	roundNumber  int
	modelVersion int
	globalModel  []float64
	roundData    *roundData
	lastAbort    string

	modelsMutex sync.RWMutex
	models      map[int]*protocol.GlobalModelAnnouncement
}

type roundData struct {
	round        int
	participants []string
	startedAt    time.Time
	deadline     time.Time
	partials     *protocol.Collector[*protocol.FogPartialSum]
	votes        *protocol.Collector[*protocol.ValidationVote]
	rejections   map[string]string
	candidate    *protocol.CandidateAggregate
}

// NewService creates a leader with a fresh signing key.
func NewService(config *protocol.FedNetConfig) (*Service, error) {
	_, signingKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Service{
		config:      config,
		signingKey:  signingKey,
		committee:   make(map[string]bool),
		globalModel: make([]float64, config.ModelDimension),
		models:      make(map[int]*protocol.GlobalModelAnnouncement),
	}, nil
}

// PublicKey returns the leader's signing public key.
func (s *Service) PublicKey() (crypto.PublicKey, error) {
	return s.signingKey.PublicKey()
}

// SigningKey returns the leader's signing key. The transport layer uses it
// to wrap outbound candidates and model announcements.
func (s *Service) SigningKey() crypto.PrivateKey {
	return s.signingKey
}

// SetPolicyEncryptionKey installs the encryption-side policy key obtained
// from the trusted authority. Called at startup and after key rotations.
func (s *Service) SetPolicyEncryptionKey(pek *crypto.PolicyEncryptionKey) {
	s.policyMutex.Lock()
	s.policyKey = pek
	s.policyMutex.Unlock()
}

// RegisterValidator admits a validator's key to the committee. Votes from
// unknown keys are discarded.
func (s *Service) RegisterValidator(key crypto.PublicKey) {
	s.committeeMutex.Lock()
	s.committee[key.String()] = true
	s.committeeMutex.Unlock()
}

// StartRound transitions Idle -> Collecting and returns the announcement to
// fan out to fog nodes and facilities. The participant set is the outcome
// of the readiness handshake performed by the caller.
func (s *Service) StartRound(participants []string) (*protocol.Signed[protocol.RoundAnnouncement], error) {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.phase != protocol.PhaseIdle {
		return nil, fmt.Errorf("cannot start a round in phase %s", s.phase)
	}
	if len(participants) < s.config.MinParticipants {
		return nil, fmt.Errorf("%w: only %d ready participants, minimum is %d", protocol.ErrRoundAborted, len(participants), s.config.MinParticipants)
	}

	s.roundNumber++
	now := time.Now().UTC()
	s.roundData = &roundData{
		round:        s.roundNumber,
		participants: append([]string(nil), participants...),
		startedAt:    now,
		deadline:     now.Add(s.config.CollectDeadline),
		partials:     protocol.NewCollector[*protocol.FogPartialSum](s.config.NumFogNodes),
		votes:        protocol.NewCollector[*protocol.ValidationVote](s.config.VoteQuorum()),
		rejections:   make(map[string]string),
	}
	s.phase = protocol.PhaseCollecting
	s.lastAbort = ""

	ann := &protocol.RoundAnnouncement{
		RoundNumber:  s.roundNumber,
		ModelVersion: s.modelVersion,
		Participants: s.roundData.participants,
		Deadline:     s.roundData.deadline,
	}
	return protocol.NewSigned(s.signingKey, ann)
}

// ProcessFogPartial records one fog node's partial sum. Duplicates are
// idempotent; partials for past rounds are stale.
func (s *Service) ProcessFogPartial(signed *protocol.Signed[protocol.FogPartialSum]) error {
	partial, _, err := signed.Recover()
	if err != nil {
		return fmt.Errorf("invalid partial sum signature: %w", err)
	}

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil || partial.RoundNumber < s.roundNumber {
		return fmt.Errorf("%w: partial sum for round %d", protocol.ErrStaleMessage, partial.RoundNumber)
	}
	if partial.RoundNumber != s.roundData.round {
		return fmt.Errorf("partial sum for future round %d", partial.RoundNumber)
	}
	if s.phase != protocol.PhaseCollecting && s.phase != protocol.PhaseFogReconstructing {
		return fmt.Errorf("partial sum arrived in phase %s", s.phase)
	}
	if partial.FogIndex < 0 || partial.FogIndex >= s.config.NumFogNodes {
		return fmt.Errorf("fog index %d out of range", partial.FogIndex)
	}
	if partial.EvalPoint != protocol.FogEvalPoint(partial.FogIndex) {
		return fmt.Errorf("fog %d claims evaluation point %d", partial.FogIndex, partial.EvalPoint)
	}
	if len(partial.Vector) != s.config.ModelDimension {
		return fmt.Errorf("partial sum has %d coordinates, expected %d", len(partial.Vector), s.config.ModelDimension)
	}

	s.roundData.partials.Add(fmt.Sprintf("fog-%d", partial.FogIndex), partial)
	return nil
}

// Reconstruct transitions Collecting -> FogReconstructing, waits for fog
// partial sums, and interpolates the aggregate from a compatible subset.
// Partials are only combinable when they cover the same facility set; the
// largest such group with at least threshold members wins.
func (s *Service) Reconstruct(ctx context.Context) (*protocol.CandidateAggregate, error) {
	s.roundMutex.Lock()
	if s.phase != protocol.PhaseCollecting {
		s.roundMutex.Unlock()
		return nil, fmt.Errorf("cannot reconstruct in phase %s", s.phase)
	}
	s.phase = protocol.PhaseFogReconstructing
	data := s.roundData
	s.roundMutex.Unlock()

	// Fog nodes may hold their partial sums until the collection deadline;
	// the reconstruction window starts after it.
	wait := time.Until(data.deadline) + s.config.ReconstructDeadline
	if wait < s.config.ReconstructDeadline {
		wait = s.config.ReconstructDeadline
	}
	data.partials.Wait(ctx, wait)
	partials := data.partials.Items()

	group, err := s.selectCompatibleGroup(partials)
	if err != nil {
		s.abort(err.Error())
		return nil, err
	}

	xs := make([]int64, 0, s.config.ShareThreshold)
	vectors := make([][]*big.Int, 0, s.config.ShareThreshold)
	for _, partial := range group[:s.config.ShareThreshold] {
		xs = append(xs, partial.EvalPoint)
		vectors = append(vectors, partial.Vector)
	}
	sum, err := crypto.ReconstructVector(xs, vectors, crypto.ShareFieldOrder)
	if err != nil {
		s.abort(err.Error())
		return nil, fmt.Errorf("%w: %v", protocol.ErrRoundAborted, err)
	}

	participants := group[0].Facilities
	update := crypto.DecodeVector(sum, crypto.ShareFieldOrder, len(participants))

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	// The round may have been aborted while the mutex was released for the
	// wait; the captured data no longer belongs to an active round then.
	if s.roundData != data {
		return nil, fmt.Errorf("%w: round %d ended during reconstruction", protocol.ErrRoundAborted, data.round)
	}
	candidate := &protocol.CandidateAggregate{
		RoundNumber:      data.round,
		ModelVersion:     s.modelVersion + 1,
		Parameters:       update,
		ParticipantCount: len(participants),
		Digest:           protocol.AggregateDigest(data.round, update),
	}
	data.candidate = candidate
	data.participants = participants
	s.phase = protocol.PhaseValidating
	return candidate, nil
}

// selectCompatibleGroup groups partial sums by the facility subset they
// cover and picks a group large enough to interpolate.
func (s *Service) selectCompatibleGroup(partials map[string]*protocol.FogPartialSum) ([]*protocol.FogPartialSum, error) {
	groups := make(map[string][]*protocol.FogPartialSum)
	for _, partial := range partials {
		digest := protocol.ParticipantSetDigest(partial.Facilities)
		groups[digest] = append(groups[digest], partial)
	}
	var best []*protocol.FogPartialSum
	for _, group := range groups {
		if len(group) >= s.config.ShareThreshold && len(group) > len(best) {
			if len(group[0].Facilities) >= s.config.MinParticipants {
				best = group
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no compatible set of %d partial sums among %d received", protocol.ErrRoundAborted, s.config.ShareThreshold, len(partials))
	}
	return best, nil
}

// Candidate returns the current round's candidate aggregate.
func (s *Service) Candidate() *protocol.CandidateAggregate {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	if s.roundData == nil {
		return nil
	}
	return s.roundData.candidate
}

// ProcessVote records one committee member's vote. Votes from keys outside
// the committee, for the wrong digest, or for past rounds are rejected;
// duplicates are idempotent.
func (s *Service) ProcessVote(signed *protocol.Signed[protocol.ValidationVote]) error {
	vote, signer, err := signed.Recover()
	if err != nil {
		return fmt.Errorf("invalid vote signature: %w", err)
	}

	s.committeeMutex.RLock()
	member := s.committee[signer.String()]
	s.committeeMutex.RUnlock()
	if !member {
		return fmt.Errorf("vote from a key outside the committee")
	}

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil || vote.RoundNumber < s.roundNumber {
		return fmt.Errorf("%w: vote for round %d", protocol.ErrStaleMessage, vote.RoundNumber)
	}
	if s.phase != protocol.PhaseValidating {
		return fmt.Errorf("vote arrived in phase %s", s.phase)
	}
	if s.roundData.candidate == nil || vote.Digest != s.roundData.candidate.Digest {
		return fmt.Errorf("%w: vote for unknown candidate digest", protocol.ErrValidationRejected)
	}

	if vote.Accept {
		s.roundData.votes.Add(signer.String(), vote)
	} else {
		s.roundData.rejections[signer.String()] = vote.Reason
	}
	return nil
}

// TallyVotes waits for the accept quorum and transitions to Finalizing, or
// aborts when the deadline passes short of quorum.
func (s *Service) TallyVotes(ctx context.Context) error {
	s.roundMutex.Lock()
	if s.phase != protocol.PhaseValidating {
		s.roundMutex.Unlock()
		return fmt.Errorf("cannot tally votes in phase %s", s.phase)
	}
	data := s.roundData
	s.roundMutex.Unlock()

	_, ok := data.votes.Wait(ctx, s.config.ValidateDeadline)
	if !ok {
		reason := fmt.Sprintf("only %d of %d required accepting votes", data.votes.Len(), s.config.VoteQuorum())
		if len(data.rejections) > 0 {
			reason = fmt.Sprintf("%s (%d rejections)", reason, len(data.rejections))
		}
		s.abort(reason)
		return fmt.Errorf("%w: %s", protocol.ErrRoundAborted, reason)
	}

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	if s.roundData != data {
		return fmt.Errorf("%w: round %d ended during validation", protocol.ErrRoundAborted, data.round)
	}
	s.phase = protocol.PhaseFinalizing
	return nil
}

// Finalize applies the accepted update to the global model and encrypts
// the new model under the access policy. The leader is then Broadcasting
// until CompleteRound.
func (s *Service) Finalize() (*protocol.GlobalModelAnnouncement, error) {
	s.policyMutex.RLock()
	policyKey := s.policyKey
	s.policyMutex.RUnlock()
	if policyKey == nil {
		return nil, fmt.Errorf("no policy encryption key installed")
	}

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.phase != protocol.PhaseFinalizing {
		return nil, fmt.Errorf("cannot finalize in phase %s", s.phase)
	}
	candidate := s.roundData.candidate

	for i := range s.globalModel {
		s.globalModel[i] += candidate.Parameters[i]
	}
	s.modelVersion = candidate.ModelVersion

	payload := &protocol.ModelPayload{
		ModelVersion: s.modelVersion,
		RoundNumber:  candidate.RoundNumber,
		Parameters:   append([]float64(nil), s.globalModel...),
	}
	plaintext, err := protocol.SerializeMessage(payload)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptWithPolicyKey(policyKey, plaintext)
	if err != nil {
		return nil, err
	}

	ann := &protocol.GlobalModelAnnouncement{
		RoundNumber:      candidate.RoundNumber,
		ModelVersion:     s.modelVersion,
		ParticipantCount: candidate.ParticipantCount,
		Ciphertext:       ciphertext,
	}
	s.modelsMutex.Lock()
	s.models[s.modelVersion] = ann
	s.modelsMutex.Unlock()

	s.phase = protocol.PhaseBroadcasting
	return ann, nil
}

// CompleteRound closes the Broadcasting phase and returns to Idle.
func (s *Service) CompleteRound() {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	if s.phase == protocol.PhaseBroadcasting {
		s.phase = protocol.PhaseIdle
		s.roundData = nil
	}
}

// Abort cancels the active round and returns to Idle.
func (s *Service) Abort(reason string) {
	s.abort(reason)
}

func (s *Service) abort(reason string) {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	s.phase = protocol.PhaseIdle
	s.roundData = nil
	s.lastAbort = reason
}

// ModelAnnouncement returns the encrypted model for a finalized version.
func (s *Service) ModelAnnouncement(version int) (*protocol.GlobalModelAnnouncement, bool) {
	s.modelsMutex.RLock()
	defer s.modelsMutex.RUnlock()
	ann, ok := s.models[version]
	return ann, ok
}

// ModelVersion returns the current finalized model version.
func (s *Service) ModelVersion() int {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	return s.modelVersion
}

// Status reports the externally visible round state.
func (s *Service) Status() protocol.RoundStatus {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	status := protocol.RoundStatus{
		RoundNumber:  s.roundNumber,
		Phase:        s.phase,
		PhaseName:    s.phase.String(),
		ModelVersion: s.modelVersion,
		Aborted:      s.lastAbort != "",
		AbortReason:  s.lastAbort,
	}
	if s.roundData != nil {
		status.Participants = s.roundData.participants
		status.StartedAt = s.roundData.startedAt
		status.Deadline = s.roundData.deadline
		status.PartialSums = s.roundData.partials.Len()
		status.Votes = s.roundData.votes.Len() + len(s.roundData.rejections)
	}
	return status
}
