package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/protocol"
)

// FacilityServer exposes one facility over HTTP: registration bootstrap
// against the authority, round participation, and model intake.
type FacilityServer struct {
	svc        *facility.Service
	topology   *Topology
	client     *Client
	log        *slog.Logger
	attributes []string
}

// NewFacilityServer wraps a facility core. attributes is the set requested
// at registration.
func NewFacilityServer(svc *facility.Service, topology *Topology, log *slog.Logger, attributes []string) *FacilityServer {
	return &FacilityServer{
		svc:        svc,
		topology:   topology,
		client:     NewClient(log),
		log:        log,
		attributes: attributes,
	}
}

// RegisterRoutes registers HTTP routes for the facility.
func (s *FacilityServer) RegisterRoutes(r chi.Router) {
	r.Post("/register", s.handleRegister)
	r.Post("/round", s.handleRound)
	r.Post("/start_round", s.handleStartRound)
	r.Post("/global_model", s.handleGlobalModel)
	r.Get("/status", s.handleStatus)
}

// Register runs the registration handshake with the trusted authority:
// challenge, proof of work, key exchange.
func (s *FacilityServer) Register(ctx context.Context) error {
	var params protocol.PublicParams
	if err := s.client.GetJSON(ctx, s.topology.AuthorityURL+"/public-params", &params); err != nil {
		return fmt.Errorf("fetch public params: %w", err)
	}

	var challenge protocol.RegistrationChallenge
	err := s.client.PostJSON(ctx, s.topology.AuthorityURL+"/challenge",
		&protocol.ChallengeRequest{FacilityID: s.svc.FacilityID()}, &challenge)
	if err != nil {
		return fmt.Errorf("fetch challenge: %w", err)
	}

	req, err := s.svc.RegistrationRequest(&challenge, s.attributes)
	if err != nil {
		return err
	}

	var resp protocol.RegistrationResponse
	if err := s.client.PostJSON(ctx, s.topology.AuthorityURL+"/register", req, &resp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := s.svc.AdoptRegistration(&resp, params.AuthorityKey); err != nil {
		return err
	}
	s.log.Info("registered with authority", "facility", s.svc.FacilityID())
	return nil
}

func (s *FacilityServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := s.Register(r.Context()); err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *FacilityServer) handleRound(w http.ResponseWriter, r *http.Request) {
	signedAnn, err := protocol.DecodeMessage[protocol.Signed[protocol.RoundAnnouncement]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ann, _, err := signedAnn.Recover()
	if err != nil {
		http.Error(w, "invalid announcement signature", http.StatusForbidden)
		return
	}

	go s.participate(context.Background(), ann)
	w.WriteHeader(http.StatusOK)
}

// participate runs the train-noise-share pipeline and fans the shares out
// to the fog tier.
func (s *FacilityServer) participate(ctx context.Context, ann *protocol.RoundAnnouncement) {
	shares, err := s.svc.PrepareShares(ctx, ann)
	if err != nil {
		s.log.Warn("sitting out round", "round", ann.RoundNumber, "err", err)
		return
	}
	for i, share := range shares {
		if err := s.client.PostJSON(ctx, s.topology.FogURLs[i]+"/share", share, nil); err != nil {
			s.log.Error("could not deliver share", "fog", i, "err", err)
		}
	}
	s.log.Info("shares delivered", "round", ann.RoundNumber, "fogs", len(shares))
}

// handleStartRound ingests the facility's local training data as an opaque
// binary blob. The data never leaves this process.
func (s *FacilityServer) handleStartRound(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.svc.SetLocalData(data)
	w.WriteHeader(http.StatusOK)
}

func (s *FacilityServer) handleGlobalModel(w http.ResponseWriter, r *http.Request) {
	signedAnn, err := protocol.DecodeMessage[protocol.Signed[protocol.GlobalModelAnnouncement]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ann, _, err := signedAnn.Recover()
	if err != nil {
		http.Error(w, "invalid model signature", http.StatusForbidden)
		return
	}

	processErr := s.svc.ProcessGlobalModel(ann)
	if errors.Is(processErr, crypto.ErrPolicyNotSatisfied) {
		// Keys may be stale after a master rotation; refresh and retry once.
		if err := s.refreshKeys(r.Context()); err == nil {
			processErr = s.svc.ProcessGlobalModel(ann)
		}
	}
	if processErr != nil {
		http.Error(w, processErr.Error(), protocol.ErrorStatusCode(processErr))
		return
	}
	s.log.Info("global model adopted", "version", ann.ModelVersion)
	w.WriteHeader(http.StatusOK)
}

func (s *FacilityServer) refreshKeys(ctx context.Context) error {
	req, err := s.svc.KeyRefreshRequest()
	if err != nil {
		return err
	}
	var resp SealedKeysResponse
	if err := s.client.PostJSON(ctx, s.topology.AuthorityURL+"/refresh_keys", req, &resp); err != nil {
		return err
	}
	return s.svc.AdoptRefreshedKeys(resp.EncryptedAttributeKeys)
}

func (s *FacilityServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	pubkey, err := s.svc.PublicKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, version := s.svc.GlobalModel()
	json.NewEncoder(w).Encode(&StatusResponse{
		Service:      "facility",
		PublicKey:    pubkey.String(),
		FacilityID:   s.svc.FacilityID(),
		Registered:   s.svc.Registered(),
		ModelVersion: version,
	})
}
