package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/saicha124/fedshareM3/protocol"
	"github.com/saicha124/fedshareM3/validator"
)

// ValidatorServer exposes one committee member over HTTP. Votes are pushed
// back to the leader asynchronously and also returned in the response.
type ValidatorServer struct {
	svc      *validator.Service
	topology *Topology
	client   *Client
	log      *slog.Logger
}

// NewValidatorServer wraps a validator core.
func NewValidatorServer(svc *validator.Service, topology *Topology, log *slog.Logger) *ValidatorServer {
	return &ValidatorServer{
		svc:      svc,
		topology: topology,
		client:   NewClient(log),
		log:      log,
	}
}

// RegisterRoutes registers HTTP routes for the validator.
func (s *ValidatorServer) RegisterRoutes(r chi.Router) {
	r.Post("/validate", s.handleValidate)
	r.Get("/status", s.handleStatus)
}

func (s *ValidatorServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	signedCandidate, err := protocol.DecodeMessage[protocol.Signed[protocol.CandidateAggregate]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	candidate, _, err := signedCandidate.Recover()
	if err != nil {
		http.Error(w, "invalid candidate signature", http.StatusForbidden)
		return
	}

	vote, err := s.svc.ProcessCandidate(candidate)
	if err != nil && vote == nil {
		// Stale or unprocessable; nothing to vote on.
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	if err != nil {
		s.log.Warn("candidate rejected", "round", candidate.RoundNumber, "err", err)
	}

	go s.deliverVote(vote)
	json.NewEncoder(w).Encode(vote)
}

func (s *ValidatorServer) deliverVote(vote *protocol.Signed[protocol.ValidationVote]) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.http.Timeout)
	defer cancel()
	if err := s.client.PostJSON(ctx, s.topology.LeaderURL+"/vote", vote, nil); err != nil {
		s.log.Error("could not deliver vote", "err", err)
	}
}

func (s *ValidatorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	pubkey, err := s.svc.PublicKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(&StatusResponse{
		Service:      "validator",
		PublicKey:    pubkey.String(),
		CurrentRound: s.svc.CurrentRound(),
	})
}
