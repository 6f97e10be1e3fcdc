package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/leader"
	"github.com/saicha124/fedshareM3/metrics"
	"github.com/saicha124/fedshareM3/protocol"
)

// LeaderServer exposes the round driver over HTTP. It owns the fan-out to
// fog nodes, facilities, and the validator committee.
type LeaderServer struct {
	svc        *leader.Service
	topology   *Topology
	client     *Client
	log        *slog.Logger
	adminToken string
}

// NewLeaderServer wraps a leader core. adminToken authenticates the policy
// key fetch against the authority's admin endpoints.
func NewLeaderServer(svc *leader.Service, topology *Topology, log *slog.Logger, adminToken string) *LeaderServer {
	return &LeaderServer{
		svc:        svc,
		topology:   topology,
		client:     NewClient(log),
		log:        log,
		adminToken: adminToken,
	}
}

// Start fetches the policy encryption key from the authority and pins the
// committee's signing keys from each validator's status endpoint.
func (s *LeaderServer) Start(ctx context.Context) error {
	if err := s.fetchPolicyKey(ctx); err != nil {
		return err
	}
	for _, url := range s.topology.ValidatorURLs {
		var status StatusResponse
		if err := s.client.GetJSON(ctx, url+"/status", &status); err != nil {
			s.log.Warn("validator unreachable at startup", "url", url, "err", err)
			continue
		}
		key, err := crypto.NewPublicKeyFromString(status.PublicKey)
		if err != nil {
			s.log.Warn("validator reported malformed key", "url", url, "err", err)
			continue
		}
		s.svc.RegisterValidator(key)
	}
	return nil
}

func (s *LeaderServer) fetchPolicyKey(ctx context.Context) error {
	var pek crypto.PolicyEncryptionKey
	err := s.client.GetJSONWithAuth(ctx, s.topology.AuthorityURL+"/policy-key", &pek, s.adminToken)
	if err != nil {
		return err
	}
	s.svc.SetPolicyEncryptionKey(&pek)
	return nil
}

// RegisterRoutes registers HTTP routes for the leader.
func (s *LeaderServer) RegisterRoutes(r chi.Router) {
	r.Post("/start_round", s.handleStartRound)
	r.Post("/fog_partial", s.handleFogPartial)
	r.Post("/vote", s.handleVote)
	r.Get("/global_model/{version}", s.handleGlobalModel)
	r.Get("/status", s.handleStatus)
}

func (s *LeaderServer) handleStartRound(w http.ResponseWriter, r *http.Request) {
	var req StartRoundRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	participants := req.Participants
	if len(participants) == 0 {
		participants = s.readyFacilities(r.Context())
	}

	signedAnn, err := s.svc.StartRound(participants)
	if err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	ann := signedAnn.UnsafeObject()
	s.log.Info("round started", "round", ann.RoundNumber, "participants", len(ann.Participants))

	for i, url := range s.topology.FogURLs {
		if err := s.client.PostJSON(r.Context(), url+"/round", signedAnn, nil); err != nil {
			s.log.Error("could not announce round to fog", "fog", i, "err", err)
		}
	}
	for _, facility := range s.topology.Facilities {
		if err := s.client.PostJSON(r.Context(), facility.URL+"/round", signedAnn, nil); err != nil {
			s.log.Error("could not announce round to facility", "facility", facility.ID, "err", err)
		}
	}
	go s.driveRound(context.Background(), ann.RoundNumber)

	json.NewEncoder(w).Encode(ann)
}

// readyFacilities probes each facility's readiness endpoint and returns the
// IDs that answered. This is the participant set for the round.
func (s *LeaderServer) readyFacilities(ctx context.Context) []string {
	var ready []string
	for _, facility := range s.topology.Facilities {
		if s.client.CheckReady(ctx, facility.URL) {
			ready = append(ready, facility.ID)
		}
	}
	return ready
}

// driveRound takes a started round through reconstruction, validation,
// finalization, and broadcast. Any failure aborts back to Idle.
func (s *LeaderServer) driveRound(ctx context.Context, round int) {
	started := time.Now()

	candidate, err := s.svc.Reconstruct(ctx)
	if err != nil {
		s.recordAbort(round, "reconstruct", err)
		return
	}
	signedCandidate, err := protocol.NewSigned(s.svc.SigningKey(), candidate)
	if err != nil {
		s.svc.Abort(err.Error())
		s.recordAbort(round, "sign_candidate", err)
		return
	}
	for _, url := range s.topology.ValidatorURLs {
		if err := s.client.PostJSON(ctx, url+"/validate", signedCandidate, nil); err != nil {
			s.log.Warn("could not submit candidate to validator", "url", url, "err", err)
		}
	}

	if err := s.svc.TallyVotes(ctx); err != nil {
		s.recordAbort(round, "votes", err)
		return
	}

	ann, err := s.svc.Finalize()
	if err != nil {
		s.svc.Abort(err.Error())
		s.recordAbort(round, "finalize", err)
		return
	}
	signedModel, err := protocol.NewSigned(s.svc.SigningKey(), ann)
	if err != nil {
		s.svc.Abort(err.Error())
		s.recordAbort(round, "sign_model", err)
		return
	}
	for _, facility := range s.topology.Facilities {
		if err := s.client.PostJSON(ctx, facility.URL+"/global_model", signedModel, nil); err != nil {
			s.log.Warn("could not broadcast model to facility", "facility", facility.ID, "err", err)
		}
	}
	s.svc.CompleteRound()

	metrics.RoundsCompleted.Inc()
	metrics.RoundDuration.Observe(time.Since(started).Seconds())
	s.log.Info("round completed", "round", round, "version", ann.ModelVersion, "participants", ann.ParticipantCount)
}

func (s *LeaderServer) recordAbort(round int, stage string, err error) {
	metrics.RoundsAborted.WithLabelValues(stage).Inc()
	if errors.Is(err, protocol.ErrRoundAborted) {
		s.log.Warn("round aborted", "round", round, "stage", stage, "err", err)
	} else {
		s.log.Error("round failed", "round", round, "stage", stage, "err", err)
	}
}

func (s *LeaderServer) handleFogPartial(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.FogPartialSum]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.ProcessFogPartial(signed); err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	metrics.PartialSumsReceived.Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *LeaderServer) handleVote(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.ValidationVote]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.ProcessVote(signed); err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	verdict := "accept"
	if !signed.UnsafeObject().Accept {
		verdict = "reject"
	}
	metrics.VotesReceived.WithLabelValues(verdict).Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *LeaderServer) handleGlobalModel(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		http.Error(w, "malformed model version", http.StatusBadRequest)
		return
	}
	ann, ok := s.svc.ModelAnnouncement(version)
	if !ok {
		http.Error(w, "no model at that version", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(ann)
}

func (s *LeaderServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	pubkey, err := s.svc.PublicKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := s.svc.Status()
	json.NewEncoder(w).Encode(&StatusResponse{
		Service:      "leader",
		PublicKey:    pubkey.String(),
		CurrentRound: status.RoundNumber,
		ModelVersion: status.ModelVersion,
		Round:        &status,
	})
}
