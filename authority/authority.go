// Package authority implements the trusted authority: proof-of-work gated
// registration, identity issuance, attribute key distribution, and
// revocation with master key rotation.
package authority

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

// IdentityStore persists issued identities. The services package provides
// in-memory and Postgres implementations.
type IdentityStore interface {
	SaveIdentity(identity *protocol.IssuedIdentity, encryptionKey []byte) error
	GetIdentity(facilityID string) (*protocol.IssuedIdentity, []byte, error)
	ListIdentities() ([]*protocol.IssuedIdentity, error)
	MarkRevoked(facilityID string, reason string) error
	IsRevoked(facilityID string) (bool, error)
}

// Service is the trusted authority core, independent of any transport.
type Service struct {
	config            *protocol.FedNetConfig
	signingKey        crypto.PrivateKey
	attributeUniverse []string
	store             IdentityStore

	masterMutex sync.RWMutex
	master      []byte

	challengeMutex sync.Mutex
	challenges     map[string]*protocol.RegistrationChallenge
}

// NewService creates the authority with a fresh CP-ABE master secret.
func NewService(config *protocol.FedNetConfig, signingKey crypto.PrivateKey, attributeUniverse []string, store IdentityStore) (*Service, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, err
	}
	return &Service{
		config:            config,
		signingKey:        signingKey,
		attributeUniverse: attributeUniverse,
		store:             store,
		master:            master,
		challenges:        make(map[string]*protocol.RegistrationChallenge),
	}, nil
}

// PublicParams returns the bootstrap parameters served to new participants.
func (s *Service) PublicParams() (*protocol.PublicParams, error) {
	pubkey, err := s.signingKey.PublicKey()
	if err != nil {
		return nil, err
	}
	return &protocol.PublicParams{
		AuthorityKey:      pubkey,
		AttributeUniverse: append([]string(nil), s.attributeUniverse...),
		PowDifficulty:     s.config.PowDifficulty,
	}, nil
}

// IssueChallenge creates a one-time proof-of-work challenge for a facility.
func (s *Service) IssueChallenge(facilityID string) (*protocol.RegistrationChallenge, error) {
	if facilityID == "" {
		return nil, fmt.Errorf("%w: empty facility id", protocol.ErrRegistrationRejected)
	}
	puzzle, err := crypto.NewPowChallenge()
	if err != nil {
		return nil, err
	}
	challenge := &protocol.RegistrationChallenge{
		ChallengeID: uuid.NewString(),
		FacilityID:  facilityID,
		Challenge:   puzzle,
		Difficulty:  s.config.PowDifficulty,
		IssuedAt:    time.Now().UTC(),
	}

	s.challengeMutex.Lock()
	s.challenges[challenge.ChallengeID] = challenge
	s.challengeMutex.Unlock()

	return challenge, nil
}

// consumeChallenge removes and returns a pending challenge. A challenge can
// be consumed exactly once.
func (s *Service) consumeChallenge(challengeID string) (*protocol.RegistrationChallenge, bool) {
	s.challengeMutex.Lock()
	defer s.challengeMutex.Unlock()

	challenge, ok := s.challenges[challengeID]
	if ok {
		delete(s.challenges, challengeID)
	}
	return challenge, ok
}

// Register verifies a solved challenge and admits the facility: it stores
// the identity, signs the credential, and seals the facility's attribute
// keys to its encryption key.
func (s *Service) Register(signedReq *protocol.Signed[protocol.RegistrationRequest]) (*protocol.RegistrationResponse, error) {
	req, signer, err := signedReq.Recover()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrRegistrationRejected, err)
	}
	if !req.SigningKey.Equal(signer) {
		return nil, fmt.Errorf("%w: request signer does not match enrolled key", protocol.ErrRegistrationRejected)
	}

	challenge, ok := s.consumeChallenge(req.ChallengeID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown or already used challenge", protocol.ErrRegistrationRejected)
	}
	if challenge.FacilityID != req.FacilityID {
		return nil, fmt.Errorf("%w: challenge was issued to a different facility", protocol.ErrRegistrationRejected)
	}
	if !crypto.VerifyPow(req.FacilityID, challenge.Challenge, req.Nonce, challenge.Difficulty) {
		return nil, fmt.Errorf("%w: invalid proof of work", protocol.ErrRegistrationRejected)
	}

	revoked, err := s.store.IsRevoked(req.FacilityID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("%w: identity is revoked", protocol.ErrRegistrationRejected)
	}
	// Identities are immutable once issued. Without this check a second
	// enrollment under a known facility ID would replace the enrolled keys.
	if _, _, err := s.store.GetIdentity(req.FacilityID); err == nil {
		return nil, fmt.Errorf("%w: facility %q is already enrolled", protocol.ErrRegistrationRejected, req.FacilityID)
	} else if !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}

	attributes := s.grantedAttributes(req.RequestedAttributes)
	identity := &protocol.IssuedIdentity{
		FacilityID: req.FacilityID,
		SigningKey: req.SigningKey,
		Attributes: attributes,
		IssuedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveIdentity(identity, req.EncryptionKey); err != nil {
		return nil, err
	}

	signedIdentity, err := protocol.NewSigned(s.signingKey, identity)
	if err != nil {
		return nil, err
	}
	sealedKeys, err := s.sealAttributeKeys(attributes, req.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &protocol.RegistrationResponse{
		Identity:               signedIdentity,
		EncryptedAttributeKeys: sealedKeys,
	}, nil
}

// grantedAttributes filters the request against the configured universe.
// The facility attribute is always granted.
func (s *Service) grantedAttributes(requested []string) []string {
	allowed := make(map[string]bool, len(s.attributeUniverse))
	for _, attr := range s.attributeUniverse {
		allowed[attr] = true
	}
	granted := []string{"facility"}
	for _, attr := range requested {
		if attr != "facility" && allowed[attr] {
			granted = append(granted, attr)
		}
	}
	return granted
}

func (s *Service) sealAttributeKeys(attributes []string, encryptionKey []byte) ([]byte, error) {
	s.masterMutex.RLock()
	master := s.master
	s.masterMutex.RUnlock()

	bundle := &protocol.AttributeKeyBundle{Keys: make(map[string][]byte, len(attributes))}
	for _, attr := range attributes {
		key, err := crypto.DeriveAttributeKey(master, attr)
		if err != nil {
			return nil, err
		}
		bundle.Keys[attr] = key
	}
	plaintext, err := protocol.SerializeMessage(bundle)
	if err != nil {
		return nil, err
	}
	return crypto.Encrypt(encryptionKey, plaintext)
}

// RefreshKeys re-seals the facility's attribute keys under the current
// master. Facilities call this after a rotation makes their bundle stale.
// The request must be signed by the enrolled key.
func (s *Service) RefreshKeys(signedReq *protocol.Signed[protocol.ChallengeRequest]) ([]byte, error) {
	req, signer, err := signedReq.Recover()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrRegistrationRejected, err)
	}
	identity, encryptionKey, err := s.store.GetIdentity(req.FacilityID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown facility", protocol.ErrRegistrationRejected)
	}
	if !identity.SigningKey.Equal(signer) {
		return nil, fmt.Errorf("%w: signer is not the enrolled key", protocol.ErrRegistrationRejected)
	}
	revoked, err := s.store.IsRevoked(req.FacilityID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("%w: identity is revoked", protocol.ErrRegistrationRejected)
	}
	return s.sealAttributeKeys(identity.Attributes, encryptionKey)
}

// Revoke marks an identity revoked and rotates the master secret, so keys
// issued before revocation cannot open models encrypted afterwards.
// Remaining facilities refresh their bundles via RefreshKeys.
func (s *Service) Revoke(facilityID, reason string) error {
	if _, _, err := s.store.GetIdentity(facilityID); err != nil {
		return fmt.Errorf("%w: unknown facility", protocol.ErrRegistrationRejected)
	}
	if err := s.store.MarkRevoked(facilityID, reason); err != nil {
		return err
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return err
	}
	s.masterMutex.Lock()
	s.master = master
	s.masterMutex.Unlock()
	return nil
}

// PolicyEncryptionKey derives the encryption-side key for the configured
// access policy under the current master. The leader fetches this at
// startup and again whenever encryption starts failing for facilities
// (i.e. after a rotation).
func (s *Service) PolicyEncryptionKey() (*crypto.PolicyEncryptionKey, error) {
	policy, err := crypto.ParsePolicy(s.config.AccessPolicy)
	if err != nil {
		return nil, err
	}
	s.masterMutex.RLock()
	defer s.masterMutex.RUnlock()
	return crypto.DerivePolicyEncryptionKey(s.master, policy)
}

// ListIdentities returns all issued identities, for the admin endpoint.
func (s *Service) ListIdentities() ([]*protocol.IssuedIdentity, error) {
	return s.store.ListIdentities()
}

// PendingChallenges reports the number of outstanding challenges, for the
// status endpoint.
func (s *Service) PendingChallenges() int {
	s.challengeMutex.Lock()
	defer s.challengeMutex.Unlock()
	return len(s.challenges)
}
