// Command facility runs one FedShare facility (hospital) node.
//
// A facility trains on data that never leaves the process, clips and noises
// its model update, splits it into secret shares, and sends one share to
// each fog node. At startup it registers with the trusted authority by
// solving a proof-of-work challenge.
//
// The built-in demo trainer produces synthetic gradients; production
// deployments feed training data to POST /start_round and replace the
// trainer wiring here.
//
// # Usage
//
//	go run ./cmd/facility --addr=:7020 --id=hospital-a --topology=topology.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/saicha124/fedshareM3/api/httpserver"
	cmdcommon "github.com/saicha124/fedshareM3/cmd/common"
	"github.com/saicha124/fedshareM3/common"
	"github.com/saicha124/fedshareM3/facility"
	"github.com/saicha124/fedshareM3/services"
)

func main() {
	var (
		addr         = flag.String("addr", ":7020", "HTTP listen address")
		metricsAddr  = flag.String("metrics-addr", "", "Metrics listen address (disabled if empty)")
		configPath   = flag.String("config", "", "Path to protocol config YAML")
		topologyPath = flag.String("topology", "", "Path to deployment topology YAML")
		facilityID   = flag.String("id", "", "Facility identifier (must match the topology)")
		attributes   = flag.String("attributes", "certified", "Comma-separated attributes to request")
		logJSON      = flag.Bool("log-json", false, "Log in JSON format")
		logDebug     = flag.Bool("log-debug", false, "Enable debug logging")
		enablePprof  = flag.Bool("pprof", false, "Enable pprof debug API")
	)
	flag.Parse()

	format := "text"
	if *logJSON {
		format = "json"
	}
	log := common.SetupLogger("facility", format, *logDebug).With("facility", *facilityID)

	if *facilityID == "" {
		fmt.Println("Error: --id is required")
		os.Exit(1)
	}

	cfg, err := cmdcommon.LoadConfig(*configPath)
	if err != nil {
		log.Error("Config error", "err", err)
		os.Exit(1)
	}
	topo, err := cmdcommon.LoadTopology(*topologyPath, cfg)
	if err != nil {
		log.Error("Topology error", "err", err)
		os.Exit(1)
	}
	if _, ok := topo.FacilityURL(*facilityID); !ok {
		log.Error("Facility ID not present in topology", "facility", *facilityID)
		os.Exit(1)
	}

	trainer := cmdcommon.DemoTrainer(*facilityID, cfg.ModelDimension)
	svc, err := facility.NewService(cfg, *facilityID, trainer)
	if err != nil {
		log.Error("Create facility error", "err", err)
		os.Exit(1)
	}
	pubKey, _ := svc.PublicKey()
	fmt.Printf("Facility public key: %s\n", pubKey.String())

	facilityServer := services.NewFacilityServer(svc, topo, log, strings.Split(*attributes, ","))

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		EnablePprof:              *enablePprof,
		Log:                      log,
		DrainDuration:            httpserver.DefaultDrainDuration,
		GracefulShutdownDuration: httpserver.DefaultGracefulShutdownDuration,
		ReadTimeout:              httpserver.DefaultReadTimeout,
		WriteTimeout:             httpserver.DefaultWriteTimeout,
	}, facilityServer)
	if err != nil {
		log.Error("Create server error", "err", err)
		os.Exit(1)
	}
	server.RunInBackground()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep retrying registration until the authority is reachable.
	go func() {
		for {
			if err := facilityServer.Register(ctx); err == nil {
				return
			} else {
				log.Warn("Registration failed, retrying", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down facility")
	cancel()
	server.Shutdown()
}
