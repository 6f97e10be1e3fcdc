// Command fognode runs one FedShare fog node.
//
// Fog nodes sit between facilities and the leader: each one collects the
// secret shares addressed to its evaluation point, adds them coordinate-wise
// in the share field, and forwards only the signed partial sum. No fog node
// ever sees a facility's update, only one share of it.
//
// # Usage
//
//	go run ./cmd/fognode --addr=:7010 --index=0 --topology=topology.yaml
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/saicha124/fedshareM3/api/httpserver"
	cmdcommon "github.com/saicha124/fedshareM3/cmd/common"
	"github.com/saicha124/fedshareM3/common"
	"github.com/saicha124/fedshareM3/fog"
	"github.com/saicha124/fedshareM3/services"
)

func main() {
	var (
		addr         = flag.String("addr", ":7010", "HTTP listen address")
		metricsAddr  = flag.String("metrics-addr", "", "Metrics listen address (disabled if empty)")
		configPath   = flag.String("config", "", "Path to protocol config YAML")
		topologyPath = flag.String("topology", "", "Path to deployment topology YAML")
		fogIndex     = flag.Int("index", 0, "This fog node's index in the topology")
		logJSON      = flag.Bool("log-json", false, "Log in JSON format")
		logDebug     = flag.Bool("log-debug", false, "Enable debug logging")
		enablePprof  = flag.Bool("pprof", false, "Enable pprof debug API")
	)
	flag.Parse()

	format := "text"
	if *logJSON {
		format = "json"
	}
	log := common.SetupLogger("fog", format, *logDebug).With("index", *fogIndex)

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

	svc, err := fog.NewService(cfg, *fogIndex)
	if err != nil {
		log.Error("Create fog node error", "err", err)
		os.Exit(1)
	}
	fogServer, err := services.NewFogServer(svc, topo, log)
	if err != nil {
		log.Error("Create fog server error", "err", err)
		os.Exit(1)
	}

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		EnablePprof:              *enablePprof,
		Log:                      log,
		DrainDuration:            httpserver.DefaultDrainDuration,
		GracefulShutdownDuration: httpserver.DefaultGracefulShutdownDuration,
		ReadTimeout:              httpserver.DefaultReadTimeout,
		WriteTimeout:             httpserver.DefaultWriteTimeout,
	}, fogServer)
	if err != nil {
		log.Error("Create server error", "err", err)
		os.Exit(1)
	}
	server.RunInBackground()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fogServer.Start(ctx); err != nil {
		log.Error("Start error", "err", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down fog node")
	cancel()
	server.Shutdown()
}
