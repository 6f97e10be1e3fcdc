package services

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/saicha124/fedshareM3/authority"
	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/fog"
	"github.com/saicha124/fedshareM3/leader"
	"github.com/saicha124/fedshareM3/protocol"
	"github.com/saicha124/fedshareM3/validator"
)

func e2eConfig() *protocol.FedNetConfig {
	cfg := protocol.DefaultConfig()
	cfg.NumFacilities = 3
	cfg.MinParticipants = 2
	cfg.ModelDimension = 4
	cfg.PowDifficulty = 2
	// Near-zero noise keeps the aggregate predictable.
	cfg.Epsilon = 1e9
	cfg.CollectDeadline = 2 * time.Second
	cfg.ReconstructDeadline = 2 * time.Second
	cfg.ValidateDeadline = 2 * time.Second
	return cfg
}

// e2eNet is a full FedShare deployment on httptest servers.
type e2eNet struct {
	topology   *Topology
	leader     *LeaderServer
	fogs       []*FogServer
	facilities []*FacilityServer
	facilityTS []*httptest.Server
}

func newRouterServer(t *testing.T) (chi.Router, *httptest.Server) {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return r, ts
}

func startE2ENet(t *testing.T, cfg *protocol.FedNetConfig) *e2eNet {
	t.Helper()

	log := slog.Default()
	adminToken := "admin:test"
	ctx := context.Background()

	// Allocate listeners first so every service knows the full topology.
	authorityRouter, authorityTS := newRouterServer(t)
	leaderRouter, leaderTS := newRouterServer(t)

	topo := &Topology{
		AuthorityURL: authorityTS.URL,
		LeaderURL:    leaderTS.URL,
	}
	fogRouters := make([]chi.Router, cfg.NumFogNodes)
	for i := range fogRouters {
		r, ts := newRouterServer(t)
		fogRouters[i] = r
		topo.FogURLs = append(topo.FogURLs, ts.URL)
	}
	facilityRouters := make([]chi.Router, cfg.NumFacilities)
	facilityTS := make([]*httptest.Server, cfg.NumFacilities)
	for i := range facilityRouters {
		r, ts := newRouterServer(t)
		facilityRouters[i] = r
		facilityTS[i] = ts
		topo.Facilities = append(topo.Facilities, FacilityEndpoint{
			ID:  string(rune('a' + i)),
			URL: ts.URL,
		})
	}
	validatorRouters := make([]chi.Router, cfg.CommitteeSize)
	for i := range validatorRouters {
		r, ts := newRouterServer(t)
		validatorRouters[i] = r
		topo.ValidatorURLs = append(topo.ValidatorURLs, ts.URL)
	}
	require.NoError(t, topo.Validate(cfg))

	_, authorityKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	authoritySvc, err := authority.NewService(cfg, authorityKey, []string{"facility", "certified"}, authority.NewMemoryIdentityStore())
	require.NoError(t, err)
	NewAuthorityServer(authoritySvc, log, adminToken).RegisterRoutes(authorityRouter)

	leaderSvc, err := leader.NewService(cfg)
	require.NoError(t, err)
	leaderServer := NewLeaderServer(leaderSvc, topo, log, adminToken)
	leaderServer.RegisterRoutes(leaderRouter)

	net := &e2eNet{topology: topo, leader: leaderServer, facilityTS: facilityTS}

	for i := 0; i < cfg.NumFogNodes; i++ {
		fogSvc, err := fog.NewService(cfg, i)
		require.NoError(t, err)
		fogServer, err := NewFogServer(fogSvc, topo, log)
		require.NoError(t, err)
		fogServer.RegisterRoutes(fogRouters[i])
		net.fogs = append(net.fogs, fogServer)
	}

	for i, endpoint := range topo.Facilities {
		update := []float64{0.1 * float64(i+1), 0.2, 0, 0}
		trainer := func(ctx context.Context, round int, model []float64) ([]float64, error) {
			return update, nil
		}
		facilitySvc, err := facility.NewService(cfg, endpoint.ID, trainer)
		require.NoError(t, err)
		facilityServer := NewFacilityServer(facilitySvc, topo, log, []string{"certified"})
		facilityServer.RegisterRoutes(facilityRouters[i])
		net.facilities = append(net.facilities, facilityServer)
	}

	for i := 0; i < cfg.CommitteeSize; i++ {
		validatorSvc, err := validator.NewService(cfg)
		require.NoError(t, err)
		NewValidatorServer(validatorSvc, topo, log).RegisterRoutes(validatorRouters[i])
	}

	for _, facilityServer := range net.facilities {
		require.NoError(t, facilityServer.Register(ctx))
	}
	for _, fogServer := range net.fogs {
		require.NoError(t, fogServer.Start(ctx))
	}
	require.NoError(t, leaderServer.Start(ctx))

	return net
}

func leaderStatus(t *testing.T, leaderURL string) *StatusResponse {
	t.Helper()
	resp, err := http.Get(leaderURL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return &status
}

func startRound(t *testing.T, leaderURL string) {
	t.Helper()
	resp, err := http.Post(leaderURL+"/start_round", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_FullRound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	cfg := e2eConfig()
	net := startE2ENet(t, cfg)

	startRound(t, net.topology.LeaderURL)

	require.Eventually(t, func() bool {
		status := leaderStatus(t, net.topology.LeaderURL)
		return status.Round != nil &&
			status.Round.Phase == protocol.PhaseIdle &&
			status.ModelVersion == 1
	}, 10*time.Second, 100*time.Millisecond, "round should finalize model version 1")

	status := leaderStatus(t, net.topology.LeaderURL)
	require.False(t, status.Round.Aborted, "round should not abort: %s", status.Round.AbortReason)

	// Every facility decrypted and adopted the broadcast model.
	require.Eventually(t, func() bool {
		for _, ts := range net.facilityTS {
			resp, err := http.Get(ts.URL + "/status")
			if err != nil {
				return false
			}
			var facStatus StatusResponse
			err = json.NewDecoder(resp.Body).Decode(&facStatus)
			resp.Body.Close()
			if err != nil || facStatus.ModelVersion != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 100*time.Millisecond, "facilities should adopt the broadcast model")

	// The encrypted model is also available for download by version.
	resp, err := http.Get(net.topology.LeaderURL + "/global_model/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ann protocol.GlobalModelAnnouncement
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ann))
	require.Equal(t, 1, ann.ModelVersion)
	require.NotNil(t, ann.Ciphertext)
}

func TestE2E_DrainedFacilityIsExcluded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	cfg := e2eConfig()
	net := startE2ENet(t, cfg)

	// The readiness handshake runs against /readyz; take one facility out.
	net.facilityTS[2].Close()

	startRound(t, net.topology.LeaderURL)

	require.Eventually(t, func() bool {
		status := leaderStatus(t, net.topology.LeaderURL)
		return status.Round != nil &&
			status.Round.Phase == protocol.PhaseIdle &&
			status.ModelVersion == 1
	}, 10*time.Second, 100*time.Millisecond)

	status := leaderStatus(t, net.topology.LeaderURL)
	require.False(t, status.Round.Aborted, "round should complete without the drained facility: %s", status.Round.AbortReason)

	resp, err := http.Get(net.topology.LeaderURL + "/global_model/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var ann protocol.GlobalModelAnnouncement
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ann))
	require.Equal(t, 2, ann.ParticipantCount, "only the two ready facilities should participate")
}

func TestE2E_SecondRoundBuildsOnFirst(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	cfg := e2eConfig()
	net := startE2ENet(t, cfg)

	for round := 1; round <= 2; round++ {
		startRound(t, net.topology.LeaderURL)
		want := round
		require.Eventually(t, func() bool {
			status := leaderStatus(t, net.topology.LeaderURL)
			return status.Round != nil &&
				status.Round.Phase == protocol.PhaseIdle &&
				status.ModelVersion == want
		}, 10*time.Second, 100*time.Millisecond, "round %d should finalize", round)
	}
}
