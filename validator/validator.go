// Package validator implements one committee member: it checks candidate
// aggregates for structural sanity before the leader may release them, and
// casts a signed vote.
package validator

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

// Service is a validator core, independent of any transport.
type Service struct {
	config     *protocol.FedNetConfig
	signingKey crypto.PrivateKey

	roundMutex   sync.Mutex
	currentRound int
	votes        map[string]*protocol.Signed[protocol.ValidationVote]
}

// NewService creates a validator with its own signing key.
func NewService(config *protocol.FedNetConfig) (*Service, error) {
	_, signingKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewServiceWithKey(config, signingKey), nil
}

// NewServiceWithKey creates a validator using an existing key.
func NewServiceWithKey(config *protocol.FedNetConfig, signingKey crypto.PrivateKey) *Service {
	return &Service{
		config:     config,
		signingKey: signingKey,
		votes:      make(map[string]*protocol.Signed[protocol.ValidationVote]),
	}
}

// PublicKey returns the validator's signing public key.
func (s *Service) PublicKey() (crypto.PublicKey, error) {
	return s.signingKey.PublicKey()
}

// ProcessCandidate checks a candidate aggregate and returns a signed vote.
// Re-submitting the same candidate returns the cached vote; candidates for
// past rounds are stale.
func (s *Service) ProcessCandidate(c *protocol.CandidateAggregate) (*protocol.Signed[protocol.ValidationVote], error) {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if c.RoundNumber < s.currentRound {
		return nil, fmt.Errorf("%w: candidate for round %d, already at %d", protocol.ErrStaleMessage, c.RoundNumber, s.currentRound)
	}
	if c.RoundNumber > s.currentRound {
		s.currentRound = c.RoundNumber
		// Votes for finished rounds are never re-served; dropping them
		// keeps the cache bounded over long federations.
		clear(s.votes)
	}

	if vote, ok := s.votes[c.Digest]; ok {
		return vote, nil
	}

	accept, reason := s.check(c)
	vote, err := protocol.NewSigned(s.signingKey, &protocol.ValidationVote{
		RoundNumber: c.RoundNumber,
		Digest:      c.Digest,
		Accept:      accept,
		Reason:      reason,
	})
	if err != nil {
		return nil, err
	}
	s.votes[c.Digest] = vote
	if !accept {
		return vote, fmt.Errorf("%w: %s", protocol.ErrValidationRejected, reason)
	}
	return vote, nil
}

func (s *Service) check(c *protocol.CandidateAggregate) (bool, string) {
	if c.Digest != protocol.AggregateDigest(c.RoundNumber, c.Parameters) {
		return false, "digest does not match candidate contents"
	}
	if c.ParticipantCount < s.config.MinParticipants {
		return false, fmt.Sprintf("only %d participants, minimum is %d", c.ParticipantCount, s.config.MinParticipants)
	}
	if len(c.Parameters) != s.config.ModelDimension {
		return false, fmt.Sprintf("%d parameters, expected %d", len(c.Parameters), s.config.ModelDimension)
	}
	for i, v := range c.Parameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, fmt.Sprintf("non-finite parameter at index %d", i)
		}
	}
	if bound := s.normBound(c.ParticipantCount); floats.Norm(c.Parameters, 2) > bound {
		return false, fmt.Sprintf("aggregate norm exceeds bound %.4g", bound)
	}
	return true, ""
}

// normBound is the largest plausible L2 norm of an honest averaged
// aggregate: the clipping norm plus a generous tail allowance for the
// averaged Gaussian noise, whose norm concentrates around
// sigma*sqrt(dim/participants).
func (s *Service) normBound(participants int) float64 {
	sigma := crypto.GaussianSigma(s.config.Epsilon, s.config.Delta, s.config.ClipNorm)
	noise := sigma * math.Sqrt(float64(s.config.ModelDimension)/float64(participants))
	return s.config.ClipNorm + 6*noise
}

// CurrentRound returns the last round this validator has seen.
func (s *Service) CurrentRound() int {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	return s.currentRound
}
