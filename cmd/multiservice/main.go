// Command multiservice runs an entire FedShare federation in one process.
//
// It deploys the trusted authority, the leader, and the configured counts of
// fog nodes, facilities, and validators on consecutive local ports, registers
// every facility, and optionally drives training rounds on a timer. A small
// CORS-enabled gateway exposes an aggregate view for dashboards.
//
// Intended for demos and development; production deployments run one binary
// per tier (see the sibling commands).
//
// # Usage
//
//	go run ./cmd/multiservice --base-port=7100 --gateway-addr=:8888 --rounds=3
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	cmdcommon "github.com/saicha124/fedshareM3/cmd/common"
	"github.com/saicha124/fedshareM3/common"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/services"
)

func main() {
	var (
		basePort      = flag.Int("base-port", 7100, "First port of the local deployment")
		gatewayAddr   = flag.String("gateway-addr", ":8888", "Gateway HTTP listen address")
		configPath    = flag.String("config", "", "Path to protocol config YAML")
		adminToken    = flag.String("admin-token", "admin:secret", "Admin token (user:pass)")
		attributes    = flag.String("attributes", "certified", "Comma-separated attributes facilities request")
		rounds        = flag.Int("rounds", 0, "Number of rounds to drive automatically (0 = manual)")
		roundInterval = flag.Duration("round-interval", 5*time.Second, "Delay between automatic rounds")
		logJSON       = flag.Bool("log-json", false, "Log in JSON format")
		logDebug      = flag.Bool("log-debug", false, "Enable debug logging")
	)
	flag.Parse()

	format := "text"
	if *logJSON {
		format = "json"
	}
	log := common.SetupLogger("multiservice", format, *logDebug)

	cfg, err := cmdcommon.LoadConfig(*configPath)
	if err != nil {
		log.Error("Config error", "err", err)
		os.Exit(1)
	}

	orch, err := services.NewOrchestrator(&services.OrchestratorConfig{
		Config:            cfg,
		BasePort:          *basePort,
		AdminToken:        *adminToken,
		Log:               log,
		AttributeUniverse: []string{"facility", "certified"},
		Attributes:        strings.Split(*attributes, ","),
		Trainer: func(facilityID string) facility.Trainer {
			return cmdcommon.DemoTrainer(facilityID, cfg.ModelDimension)
		},
	})
	if err != nil {
		log.Error("Create orchestrator error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	if err := orch.Start(ctx); err != nil {
		log.Error("Start error", "err", err)
		os.Exit(1)
	}
	log.Info("Federation running",
		"authority", orch.Topology().AuthorityURL,
		"leader", orch.Topology().LeaderURL,
		"facilities", len(orch.Topology().Facilities))

	gateway := newGateway(orch)
	httpServer := &http.Server{
		Addr:         *gatewayAddr,
		Handler:      gateway,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		fmt.Printf("Gateway listening on %s\n", *gatewayAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("Gateway error", "err", err)
		}
	}()

	if *rounds > 0 {
		go func() {
			for i := 1; i <= *rounds; i++ {
				version, err := orch.RunRound(ctx)
				if err != nil {
					log.Warn("Round failed", "round", i, "err", err)
				} else {
					log.Info("Round complete", "round", i, "modelVersion", version)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(*roundInterval):
				}
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	log.Info("Shutting down federation")
	httpServer.Shutdown(shutdownCtx)
	orch.Shutdown()
}

// newGateway builds the dashboard API: aggregate status across every tier
// plus a round trigger, behind permissive CORS for browser clients.
func newGateway(orch *services.Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	client := &http.Client{Timeout: 5 * time.Second}
	topo := orch.Topology()

	fetchStatus := func(url string) json.RawMessage {
		resp, err := client.Get(url + "/status")
		if err != nil {
			return json.RawMessage(`{"error":"unreachable"}`)
		}
		defer resp.Body.Close()
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return json.RawMessage(`{"error":"malformed"}`)
		}
		return raw
	}

	r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
		out := map[string]any{
			"authority": fetchStatus(topo.AuthorityURL),
			"leader":    fetchStatus(topo.LeaderURL),
		}
		var fogs []json.RawMessage
		for _, url := range topo.FogURLs {
			fogs = append(fogs, fetchStatus(url))
		}
		out["fog_nodes"] = fogs
		facilities := map[string]json.RawMessage{}
		for _, f := range topo.Facilities {
			facilities[f.ID] = fetchStatus(f.URL)
		}
		out["facilities"] = facilities
		var validators []json.RawMessage
		for _, url := range topo.ValidatorURLs {
			validators = append(validators, fetchStatus(url))
		}
		out["validators"] = validators
		json.NewEncoder(w).Encode(out)
	})

	r.Post("/api/start_round", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancelRound := context.WithTimeout(req.Context(), 60*time.Second)
		defer cancelRound()
		version, err := orch.RunRound(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{"model_version": version})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
