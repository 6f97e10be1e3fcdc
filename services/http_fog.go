package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/fog"
	"github.com/saicha124/fedshareM3/metrics"
	"github.com/saicha124/fedshareM3/protocol"
)

// FogServer exposes one fog node over HTTP. On each round announcement it
// refreshes the facility key directory from the authority, collects shares,
// and pushes its signed partial sum to the leader.
type FogServer struct {
	svc        *fog.Service
	signingKey crypto.PrivateKey
	topology   *Topology
	client     *Client
	log        *slog.Logger

	directoryMutex sync.RWMutex
	facilityKeys   map[string]crypto.PublicKey

	leaderKeyMutex sync.RWMutex
	leaderKey      crypto.PublicKey
}

// NewFogServer wraps a fog core with its own signing key.
func NewFogServer(svc *fog.Service, topology *Topology, log *slog.Logger) (*FogServer, error) {
	_, signingKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &FogServer{
		svc:          svc,
		signingKey:   signingKey,
		topology:     topology,
		client:       NewClient(log),
		log:          log,
		facilityKeys: make(map[string]crypto.PublicKey),
	}, nil
}

// Start pins the leader's signing key so round announcements can be
// authenticated. Safe to call before the leader is up; the pin is retried
// lazily on the first announcement.
func (s *FogServer) Start(ctx context.Context) error {
	s.pinLeaderKey(ctx)
	return nil
}

func (s *FogServer) pinLeaderKey(ctx context.Context) crypto.PublicKey {
	s.leaderKeyMutex.RLock()
	key := s.leaderKey
	s.leaderKeyMutex.RUnlock()
	if key != nil {
		return key
	}

	var status StatusResponse
	if err := s.client.GetJSON(ctx, s.topology.LeaderURL+"/status", &status); err != nil {
		s.log.Warn("could not pin leader key", "err", err)
		return nil
	}
	parsed, err := crypto.NewPublicKeyFromString(status.PublicKey)
	if err != nil {
		s.log.Warn("leader reported malformed key", "err", err)
		return nil
	}
	s.leaderKeyMutex.Lock()
	s.leaderKey = parsed
	s.leaderKeyMutex.Unlock()
	return parsed
}

// RegisterRoutes registers HTTP routes for the fog node.
func (s *FogServer) RegisterRoutes(r chi.Router) {
	r.Post("/round", s.handleRound)
	r.Post("/share", s.handleShare)
	r.Get("/status", s.handleStatus)
}

func (s *FogServer) handleRound(w http.ResponseWriter, r *http.Request) {
	signedAnn, err := protocol.DecodeMessage[protocol.Signed[protocol.RoundAnnouncement]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ann, signer, err := signedAnn.Recover()
	if err != nil {
		http.Error(w, "invalid announcement signature", http.StatusForbidden)
		return
	}
	if leaderKey := s.pinLeaderKey(r.Context()); leaderKey != nil && !signer.Equal(leaderKey) {
		http.Error(w, "announcement not signed by the leader", http.StatusForbidden)
		return
	}

	if err := s.svc.ProcessAnnouncement(ann); err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	s.log.Info("round opened", "round", ann.RoundNumber, "participants", len(ann.Participants))

	s.refreshFacilityDirectory(r.Context())
	go s.runRound(context.Background())

	w.WriteHeader(http.StatusOK)
}

// runRound waits out the collection window and delivers the partial sum.
func (s *FogServer) runRound(ctx context.Context) {
	partial, err := s.svc.PartialSum(ctx)
	if err != nil {
		s.log.Warn("no partial sum for this round", "err", err)
		return
	}
	signed, err := protocol.NewSigned(s.signingKey, partial)
	if err != nil {
		s.log.Error("could not sign partial sum", "err", err)
		return
	}
	if err := s.client.PostJSON(ctx, s.topology.LeaderURL+"/fog_partial", signed, nil); err != nil {
		s.log.Error("could not deliver partial sum", "err", err)
		return
	}
	s.log.Info("partial sum delivered", "round", partial.RoundNumber, "facilities", len(partial.Facilities))
}

func (s *FogServer) handleShare(w http.ResponseWriter, r *http.Request) {
	signedShare, err := protocol.DecodeMessage[protocol.Signed[protocol.ShareSubmission]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	share := signedShare.UnsafeObject()
	s.directoryMutex.RLock()
	expectedKey := s.facilityKeys[share.FacilityID]
	s.directoryMutex.RUnlock()

	if err := s.svc.ProcessShare(signedShare, expectedKey); err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	metrics.SharesReceived.Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *FogServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	pubkey, _ := s.signingKey.PublicKey()
	json.NewEncoder(w).Encode(&StatusResponse{
		Service:      "fog",
		PublicKey:    pubkey.String(),
		FogIndex:     s.svc.FogIndex(),
		CurrentRound: s.svc.CurrentRound(),
		QueueDepth:   s.svc.CollectedShares(),
	})
}

// refreshFacilityDirectory pulls the enrolled signing keys so share
// signatures can be pinned to registered facilities.
func (s *FogServer) refreshFacilityDirectory(ctx context.Context) {
	var identities []*protocol.IssuedIdentity
	if err := s.client.GetJSON(ctx, s.topology.AuthorityURL+"/facilities", &identities); err != nil {
		s.log.Warn("could not refresh facility directory", "err", err)
		return
	}

	keys := make(map[string]crypto.PublicKey, len(identities))
	for _, identity := range identities {
		keys[identity.FacilityID] = identity.SigningKey
	}
	s.directoryMutex.Lock()
	s.facilityKeys = keys
	s.directoryMutex.Unlock()
}
