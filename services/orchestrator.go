package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saicha124/fedshareM3/api/httpserver"
	"github.com/saicha124/fedshareM3/authority"
	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/fog"
	"github.com/saicha124/fedshareM3/leader"
	"github.com/saicha124/fedshareM3/protocol"
	"github.com/saicha124/fedshareM3/validator"
)

// OrchestratorConfig configures an in-process FedShare deployment: one
// authority, one leader, and the configured counts of fog nodes,
// facilities, and validators, each on its own port.
type OrchestratorConfig struct {
	Config     *protocol.FedNetConfig
	BasePort   int
	AdminToken string
	Log        *slog.Logger

	// AttributeUniverse is the set of attributes the authority may grant.
	AttributeUniverse []string

	// Attributes is the set each facility requests at registration.
	Attributes []string

	// Trainer builds a facility's local training function. Required.
	Trainer func(facilityID string) facility.Trainer
}

// Orchestrator runs the whole topology inside one process. Used by the
// multiservice command and the demo CLI; production deployments run one
// binary per tier instead.
type Orchestrator struct {
	cfg      *OrchestratorConfig
	log      *slog.Logger
	client   *Client
	topology *Topology

	leaderServer    *LeaderServer
	fogServers      []*FogServer
	facilityServers []*FacilityServer
	servers         []*httpserver.BaseServer
}

// NewOrchestrator builds the topology map and all service cores. Nothing
// listens until Start.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Trainer == nil {
		return nil, fmt.Errorf("a trainer factory is required")
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:    cfg,
		log:    cfg.Log,
		client: NewClient(cfg.Log),
	}

	port := cfg.BasePort
	nextURL := func() string {
		url := fmt.Sprintf("http://127.0.0.1:%d", port)
		port++
		return url
	}

	topo := &Topology{
		AuthorityURL: nextURL(),
		LeaderURL:    nextURL(),
	}
	for i := 0; i < cfg.Config.NumFogNodes; i++ {
		topo.FogURLs = append(topo.FogURLs, nextURL())
	}
	for i := 0; i < cfg.Config.NumFacilities; i++ {
		topo.Facilities = append(topo.Facilities, FacilityEndpoint{
			ID:  fmt.Sprintf("facility-%d", i),
			URL: nextURL(),
		})
	}
	for i := 0; i < cfg.Config.CommitteeSize; i++ {
		topo.ValidatorURLs = append(topo.ValidatorURLs, nextURL())
	}
	o.topology = topo

	if err := o.buildServers(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) buildServers() error {
	cfg := o.cfg

	_, authorityKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	authoritySvc, err := authority.NewService(cfg.Config, authorityKey, cfg.AttributeUniverse, authority.NewMemoryIdentityStore())
	if err != nil {
		return err
	}
	if err := o.addServer(o.topology.AuthorityURL, "authority",
		NewAuthorityServer(authoritySvc, o.log.With("service", "authority"), cfg.AdminToken)); err != nil {
		return err
	}

	leaderSvc, err := leader.NewService(cfg.Config)
	if err != nil {
		return err
	}
	o.leaderServer = NewLeaderServer(leaderSvc, o.topology, o.log.With("service", "leader"), cfg.AdminToken)
	if err := o.addServer(o.topology.LeaderURL, "leader", o.leaderServer); err != nil {
		return err
	}

	for i := 0; i < cfg.Config.NumFogNodes; i++ {
		fogSvc, err := fog.NewService(cfg.Config, i)
		if err != nil {
			return err
		}
		fogServer, err := NewFogServer(fogSvc, o.topology, o.log.With("service", "fog", "index", i))
		if err != nil {
			return err
		}
		o.fogServers = append(o.fogServers, fogServer)
		if err := o.addServer(o.topology.FogURLs[i], fmt.Sprintf("fog-%d", i), fogServer); err != nil {
			return err
		}
	}

	for _, endpoint := range o.topology.Facilities {
		facilitySvc, err := facility.NewService(cfg.Config, endpoint.ID, cfg.Trainer(endpoint.ID))
		if err != nil {
			return err
		}
		facilityServer := NewFacilityServer(facilitySvc, o.topology, o.log.With("service", "facility", "facility", endpoint.ID), cfg.Attributes)
		o.facilityServers = append(o.facilityServers, facilityServer)
		if err := o.addServer(endpoint.URL, endpoint.ID, facilityServer); err != nil {
			return err
		}
	}

	for i, url := range o.topology.ValidatorURLs {
		validatorSvc, err := validator.NewService(cfg.Config)
		if err != nil {
			return err
		}
		server := NewValidatorServer(validatorSvc, o.topology, o.log.With("service", "validator", "index", i))
		if err := o.addServer(url, fmt.Sprintf("validator-%d", i), server); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) addServer(url, name string, registrar httpserver.RouteRegistrar) error {
	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr(url),
		Log:                      o.log.With("server", name),
		DrainDuration:            time.Second,
		GracefulShutdownDuration: 5 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, registrar)
	if err != nil {
		return err
	}
	o.servers = append(o.servers, srv)
	return nil
}

func listenAddr(url string) string {
	const prefix = "http://127.0.0.1"
	return url[len(prefix):]
}

// Start brings every tier up, waits for readiness, registers all
// facilities with the authority, and runs the leader's startup fetches.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, srv := range o.servers {
		srv.RunInBackground()
	}
	if err := o.waitForReady(ctx); err != nil {
		return err
	}

	for i, facilityServer := range o.facilityServers {
		if err := facilityServer.Register(ctx); err != nil {
			return fmt.Errorf("register %s: %w", o.topology.Facilities[i].ID, err)
		}
	}
	for _, fogServer := range o.fogServers {
		if err := fogServer.Start(ctx); err != nil {
			return err
		}
	}
	return o.leaderServer.Start(ctx)
}

func (o *Orchestrator) waitForReady(ctx context.Context) error {
	urls := []string{o.topology.AuthorityURL, o.topology.LeaderURL}
	urls = append(urls, o.topology.FogURLs...)
	urls = append(urls, o.topology.ValidatorURLs...)
	for _, f := range o.topology.Facilities {
		urls = append(urls, f.URL)
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, url := range urls {
		for !o.client.CheckReady(ctx, url) {
			if time.Now().After(deadline) {
				return fmt.Errorf("service at %s never became ready", url)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

// RunRound asks the leader to start a round and polls until it returns to
// Idle. Returns the finalized model version, which is unchanged when the
// round aborts.
func (o *Orchestrator) RunRound(ctx context.Context) (int, error) {
	if err := o.client.PostJSON(ctx, o.topology.LeaderURL+"/start_round", &StartRoundRequest{}, nil); err != nil {
		return 0, err
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}

		var status StatusResponse
		if err := o.client.GetJSON(ctx, o.topology.LeaderURL+"/status", &status); err != nil {
			continue
		}
		if status.Round != nil && status.Round.PhaseName == "idle" {
			if status.Round.Aborted {
				return status.ModelVersion, fmt.Errorf("round aborted: %s", status.Round.AbortReason)
			}
			return status.ModelVersion, nil
		}
	}
}

// Topology returns the deployment map, for clients driving the demo.
func (o *Orchestrator) Topology() *Topology {
	return o.topology
}

// Shutdown gracefully stops every server.
func (o *Orchestrator) Shutdown() {
	for _, srv := range o.servers {
		srv.Shutdown()
	}
}
