package authority

import (
	"errors"
	"sync"

	"github.com/saicha124/fedshareM3/protocol"
)

// ErrIdentityNotFound is returned by stores for unknown facilities.
var ErrIdentityNotFound = errors.New("identity not found")

type storedIdentity struct {
	identity      *protocol.IssuedIdentity
	encryptionKey []byte
	revoked       bool
	revokedReason string
}

// MemoryIdentityStore is the default, process-local identity store.
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*storedIdentity
}

// NewMemoryIdentityStore creates an empty in-memory store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]*storedIdentity)}
}

func (s *MemoryIdentityStore) SaveIdentity(identity *protocol.IssuedIdentity, encryptionKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.FacilityID] = &storedIdentity{
		identity:      identity,
		encryptionKey: encryptionKey,
	}
	return nil
}

func (s *MemoryIdentityStore) GetIdentity(facilityID string) (*protocol.IssuedIdentity, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.identities[facilityID]
	if !ok {
		return nil, nil, ErrIdentityNotFound
	}
	return stored.identity, stored.encryptionKey, nil
}

func (s *MemoryIdentityStore) ListIdentities() ([]*protocol.IssuedIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.IssuedIdentity, 0, len(s.identities))
	for _, stored := range s.identities {
		out = append(out, stored.identity)
	}
	return out, nil
}

func (s *MemoryIdentityStore) MarkRevoked(facilityID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.identities[facilityID]
	if !ok {
		return ErrIdentityNotFound
	}
	stored.revoked = true
	stored.revokedReason = reason
	return nil
}

func (s *MemoryIdentityStore) IsRevoked(facilityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.identities[facilityID]
	if !ok {
		return false, nil
	}
	return stored.revoked, nil
}
