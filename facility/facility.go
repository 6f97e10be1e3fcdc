// Package facility implements a training facility: registration with the
// trusted authority, the clip-noise-share pipeline for round updates, and
// decryption of broadcast global models.
package facility

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

// Trainer produces this facility's local update for a round given the
// current global model. Implementations run the actual training; tests and
// the demo orchestrator plug in synthetic ones.
type Trainer func(ctx context.Context, roundNumber int, globalModel []float64) ([]float64, error)

// Service is the facility core, independent of any transport.
type Service struct {
	config     *protocol.FedNetConfig
	facilityID string
	signingKey crypto.PrivateKey
	encryption *crypto.EncryptionKeyPair
	trainer    Trainer

	// noiseSource is nil in production (global source); tests seed it.
	noiseSource rand.Source

	identityMutex sync.RWMutex
	identity      *protocol.Signed[protocol.IssuedIdentity]
	attributeKeys map[string]crypto.AttributeKey

	roundMutex   sync.Mutex
	currentRound int
	modelVersion int
	globalModel  []float64

	dataMutex sync.RWMutex
	localData []byte
}

// NewService creates a facility with fresh signing and encryption keys.
func NewService(config *protocol.FedNetConfig, facilityID string, trainer Trainer) (*Service, error) {
	_, signingKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encryption, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, err
	}
	return &Service{
		config:      config,
		facilityID:  facilityID,
		signingKey:  signingKey,
		encryption:  encryption,
		trainer:     trainer,
		globalModel: make([]float64, config.ModelDimension),
	}, nil
}

// FacilityID returns this facility's identifier.
func (s *Service) FacilityID() string {
	return s.facilityID
}

// PublicKey returns the facility's signing public key.
func (s *Service) PublicKey() (crypto.PublicKey, error) {
	return s.signingKey.PublicKey()
}

// SetNoiseSource overrides the Gaussian noise source. Only used in tests.
func (s *Service) SetNoiseSource(src rand.Source) {
	s.noiseSource = src
}

// RegistrationRequest solves the challenge and builds the signed request.
func (s *Service) RegistrationRequest(challenge *protocol.RegistrationChallenge, attributes []string) (*protocol.Signed[protocol.RegistrationRequest], error) {
	nonce, err := crypto.SolvePow(s.facilityID, challenge.Challenge, challenge.Difficulty)
	if err != nil {
		return nil, err
	}
	pubkey, err := s.signingKey.PublicKey()
	if err != nil {
		return nil, err
	}
	return protocol.NewSigned(s.signingKey, &protocol.RegistrationRequest{
		FacilityID:          s.facilityID,
		ChallengeID:         challenge.ChallengeID,
		Nonce:               nonce,
		SigningKey:          pubkey,
		EncryptionKey:       s.encryption.PublicKeyBytes(),
		RequestedAttributes: attributes,
	})
}

// AdoptRegistration verifies the authority's signature on the issued
// identity and unseals the attribute key bundle.
func (s *Service) AdoptRegistration(resp *protocol.RegistrationResponse, authorityKey crypto.PublicKey) error {
	identity, signer, err := resp.Identity.Recover()
	if err != nil {
		return fmt.Errorf("invalid identity credential: %w", err)
	}
	if !signer.Equal(authorityKey) {
		return fmt.Errorf("identity not signed by the trusted authority")
	}
	if identity.FacilityID != s.facilityID {
		return fmt.Errorf("credential issued to %q, not %q", identity.FacilityID, s.facilityID)
	}
	keys, err := s.unsealAttributeKeys(resp.EncryptedAttributeKeys)
	if err != nil {
		return err
	}

	s.identityMutex.Lock()
	s.identity = resp.Identity
	s.attributeKeys = keys
	s.identityMutex.Unlock()
	return nil
}

// AdoptRefreshedKeys replaces the attribute keys after a master rotation.
func (s *Service) AdoptRefreshedKeys(sealedBundle []byte) error {
	keys, err := s.unsealAttributeKeys(sealedBundle)
	if err != nil {
		return err
	}
	s.identityMutex.Lock()
	s.attributeKeys = keys
	s.identityMutex.Unlock()
	return nil
}

func (s *Service) unsealAttributeKeys(sealed []byte) (map[string]crypto.AttributeKey, error) {
	plaintext, err := s.encryption.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("cannot unseal attribute keys: %w", err)
	}
	bundle, err := protocol.UnmarshalMessage[protocol.AttributeKeyBundle](plaintext)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]crypto.AttributeKey, len(bundle.Keys))
	for attr, key := range bundle.Keys {
		keys[attr] = crypto.AttributeKey(key)
	}
	return keys, nil
}

// Registered reports whether the facility holds a credential.
func (s *Service) Registered() bool {
	s.identityMutex.RLock()
	defer s.identityMutex.RUnlock()
	return s.identity != nil
}

// KeyRefreshRequest builds a signed request for a fresh attribute bundle.
func (s *Service) KeyRefreshRequest() (*protocol.Signed[protocol.ChallengeRequest], error) {
	return protocol.NewSigned(s.signingKey, &protocol.ChallengeRequest{FacilityID: s.facilityID})
}

// PrepareShares runs one round of the update pipeline: train, clip to the
// configured L2 norm, add calibrated Gaussian noise, fixed-point encode,
// and Shamir-split into one signed submission per fog node.
func (s *Service) PrepareShares(ctx context.Context, ann *protocol.RoundAnnouncement) ([]*protocol.Signed[protocol.ShareSubmission], error) {
	s.roundMutex.Lock()
	if ann.RoundNumber < s.currentRound {
		s.roundMutex.Unlock()
		return nil, fmt.Errorf("%w: announcement for round %d, already at %d", protocol.ErrStaleMessage, ann.RoundNumber, s.currentRound)
	}
	s.currentRound = ann.RoundNumber
	if !slices.Contains(ann.Participants, s.facilityID) {
		s.roundMutex.Unlock()
		return nil, fmt.Errorf("facility %q not in round %d participant set", s.facilityID, ann.RoundNumber)
	}
	model := append([]float64(nil), s.globalModel...)
	noiseSource := s.noiseSource
	s.roundMutex.Unlock()

	update, err := s.trainer(ctx, ann.RoundNumber, model)
	if err != nil {
		return nil, fmt.Errorf("trainer failed: %w", err)
	}
	if len(update) != s.config.ModelDimension {
		return nil, fmt.Errorf("trainer returned %d parameters, expected %d", len(update), s.config.ModelDimension)
	}

	crypto.ClipL2(update, s.config.ClipNorm)
	sigma := crypto.GaussianSigma(s.config.Epsilon, s.config.Delta, s.config.ClipNorm)
	crypto.AddGaussianNoise(update, sigma, noiseSource)

	encoded := crypto.EncodeVector(update, crypto.ShareFieldOrder)
	shareVectors, err := crypto.SplitVector(encoded, s.config.ShareThreshold, s.config.NumFogNodes, crypto.ShareFieldOrder)
	if err != nil {
		return nil, err
	}

	shareID := uuid.NewString()
	submissions := make([]*protocol.Signed[protocol.ShareSubmission], s.config.NumFogNodes)
	for i, vector := range shareVectors {
		signed, err := protocol.NewSigned(s.signingKey, &protocol.ShareSubmission{
			RoundNumber: ann.RoundNumber,
			ShareID:     shareID,
			FacilityID:  s.facilityID,
			FogIndex:    i,
			Vector:      vector,
		})
		if err != nil {
			return nil, err
		}
		submissions[i] = signed
	}
	return submissions, nil
}

// ProcessGlobalModel decrypts a broadcast model and adopts it if newer
// than the current version.
func (s *Service) ProcessGlobalModel(ann *protocol.GlobalModelAnnouncement) error {
	s.identityMutex.RLock()
	keys := s.attributeKeys
	s.identityMutex.RUnlock()
	if keys == nil {
		return fmt.Errorf("facility holds no attribute keys")
	}

	plaintext, err := crypto.DecryptWithAttributes(ann.Ciphertext, keys)
	if err != nil {
		return err
	}
	payload, err := protocol.UnmarshalMessage[protocol.ModelPayload](plaintext)
	if err != nil {
		return err
	}

	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	if payload.ModelVersion <= s.modelVersion && s.modelVersion > 0 {
		return fmt.Errorf("%w: model version %d, already at %d", protocol.ErrStaleMessage, payload.ModelVersion, s.modelVersion)
	}
	s.modelVersion = payload.ModelVersion
	s.globalModel = payload.Parameters
	if payload.RoundNumber > s.currentRound {
		s.currentRound = payload.RoundNumber
	}
	return nil
}

// SetLocalData replaces the facility's local training data blob. Trainers
// read it back with LocalData; the protocol never transmits it.
func (s *Service) SetLocalData(data []byte) {
	s.dataMutex.Lock()
	s.localData = data
	s.dataMutex.Unlock()
}

// LocalData returns the facility's local training data blob.
func (s *Service) LocalData() []byte {
	s.dataMutex.RLock()
	defer s.dataMutex.RUnlock()
	return s.localData
}

// GlobalModel returns the current model and its version.
func (s *Service) GlobalModel() ([]float64, int) {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	return append([]float64(nil), s.globalModel...), s.modelVersion
}
