package services

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/saicha124/fedshareM3/authority"
	"github.com/saicha124/fedshareM3/metrics"
	"github.com/saicha124/fedshareM3/protocol"
)

// AuthorityServer exposes the trusted authority over HTTP.
type AuthorityServer struct {
	svc        *authority.Service
	log        *slog.Logger
	adminToken string
}

// NewAuthorityServer wraps an authority core. adminToken (user:pass)
// guards the revocation, listing, and policy key endpoints.
func NewAuthorityServer(svc *authority.Service, log *slog.Logger, adminToken string) *AuthorityServer {
	return &AuthorityServer{svc: svc, log: log, adminToken: adminToken}
}

// RegisterRoutes registers HTTP routes for the authority.
func (s *AuthorityServer) RegisterRoutes(r chi.Router) {
	r.Post("/challenge", s.handleChallenge)
	r.Post("/register", s.handleRegister)
	r.Post("/refresh_keys", s.handleRefreshKeys)
	r.Get("/public-params", s.handlePublicParams)
	r.Get("/facilities", s.handleFacilities)
	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/revoke", s.handleRevoke)
		r.Get("/policy-key", s.handlePolicyKey)
	})
}

func (s *AuthorityServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantUser, wantPass := parseAdminToken(s.adminToken)
		user, pass, ok := r.BasicAuth()
		if s.adminToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *AuthorityServer) handleChallenge(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.ChallengeRequest](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	challenge, err := s.svc.IssueChallenge(req.FacilityID)
	if err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	json.NewEncoder(w).Encode(challenge)
}

func (s *AuthorityServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	signedReq, err := protocol.DecodeMessage[protocol.Signed[protocol.RegistrationRequest]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.svc.Register(signedReq)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		s.log.Warn("registration rejected", "err", err)
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	metrics.RegistrationsTotal.WithLabelValues("accepted").Inc()
	s.log.Info("facility registered", "facility", signedReq.UnsafeObject().FacilityID)
	json.NewEncoder(w).Encode(resp)
}

func (s *AuthorityServer) handleRefreshKeys(w http.ResponseWriter, r *http.Request) {
	signedReq, err := protocol.DecodeMessage[protocol.Signed[protocol.ChallengeRequest]](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sealed, err := s.svc.RefreshKeys(signedReq)
	if err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	json.NewEncoder(w).Encode(&SealedKeysResponse{EncryptedAttributeKeys: sealed})
}

func (s *AuthorityServer) handlePublicParams(w http.ResponseWriter, r *http.Request) {
	params, err := s.svc.PublicParams()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(params)
}

func (s *AuthorityServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.RevocationRequest](r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.svc.Revoke(req.FacilityID, req.Reason); err != nil {
		http.Error(w, err.Error(), protocol.ErrorStatusCode(err))
		return
	}
	s.log.Info("facility revoked", "facility", req.FacilityID, "reason", req.Reason)
	w.WriteHeader(http.StatusOK)
}

func (s *AuthorityServer) handleFacilities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.svc.ListIdentities()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(identities)
}

func (s *AuthorityServer) handlePolicyKey(w http.ResponseWriter, r *http.Request) {
	pek, err := s.svc.PolicyEncryptionKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(pek)
}

func (s *AuthorityServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	params, err := s.svc.PublicParams()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(&StatusResponse{
		Service:    "authority",
		PublicKey:  params.AuthorityKey.String(),
		QueueDepth: s.svc.PendingChallenges(),
	})
}
