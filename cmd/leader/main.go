// Command leader runs the FedShare round driver.
//
// The leader opens training rounds, collects fog partial sums, reconstructs
// the aggregate update by Lagrange interpolation, submits it to the
// validator committee, and broadcasts the policy-encrypted global model.
//
// At startup the leader fetches the policy encryption key from the trusted
// authority (admin-authenticated) and pins the committee's signing keys.
//
// # Usage
//
//	go run ./cmd/leader --addr=:7001 --topology=topology.yaml --admin-token=admin:secret
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saicha124/fedshareM3/api/httpserver"
	cmdcommon "github.com/saicha124/fedshareM3/cmd/common"
	"github.com/saicha124/fedshareM3/common"
	"github.com/saicha124/fedshareM3/leader"
	"github.com/saicha124/fedshareM3/services"
)

func main() {
	var (
		addr         = flag.String("addr", ":7001", "HTTP listen address")
		metricsAddr  = flag.String("metrics-addr", "", "Metrics listen address (disabled if empty)")
		configPath   = flag.String("config", "", "Path to protocol config YAML")
		topologyPath = flag.String("topology", "", "Path to deployment topology YAML")
		adminToken   = flag.String("admin-token", "", "Admin token for the authority's policy key endpoint (user:pass)")
		logJSON      = flag.Bool("log-json", false, "Log in JSON format")
		logDebug     = flag.Bool("log-debug", false, "Enable debug logging")
		enablePprof  = flag.Bool("pprof", false, "Enable pprof debug API")
	)
	flag.Parse()

	format := "text"
	if *logJSON {
		format = "json"
	}
	log := common.SetupLogger("leader", format, *logDebug)

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

	svc, err := leader.NewService(cfg)
	if err != nil {
		log.Error("Create leader error", "err", err)
		os.Exit(1)
	}
	pubKey, _ := svc.PublicKey()
	fmt.Printf("Leader public key: %s\n", pubKey.String())

	leaderServer := services.NewLeaderServer(svc, topo, log, *adminToken)

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		EnablePprof:              *enablePprof,
		Log:                      log,
		DrainDuration:            httpserver.DefaultDrainDuration,
		GracefulShutdownDuration: httpserver.DefaultGracefulShutdownDuration,
		ReadTimeout:              httpserver.DefaultReadTimeout,
		WriteTimeout:             httpserver.DefaultWriteTimeout,
	}, leaderServer)
	if err != nil {
		log.Error("Create server error", "err", err)
		os.Exit(1)
	}
	server.RunInBackground()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The authority and validators may still be starting; retry rather
	// than exiting.
	go func() {
		for {
			if err := leaderServer.Start(ctx); err == nil {
				log.Info("Leader startup complete")
				return
			} else {
				log.Warn("Leader startup fetches failed, retrying", "err", err)
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

	log.Info("Shutting down leader")
	cancel()
	server.Shutdown()
}
