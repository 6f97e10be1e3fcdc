// Command validator runs one FedShare committee member.
//
// Validators sanity-check each candidate aggregate before it becomes the
// global model: digest integrity, participant count, dimension, finiteness,
// and a norm bound derived from the clipping and noise parameters. Their
// signed votes are pushed back to the leader, which needs a two-thirds
// accepting quorum to finalize.
//
// # Usage
//
//	go run ./cmd/validator --addr=:7030 --topology=topology.yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/saicha124/fedshareM3/api/httpserver"
	cmdcommon "github.com/saicha124/fedshareM3/cmd/common"
	"github.com/saicha124/fedshareM3/common"
	"github.com/saicha124/fedshareM3/services"
	"github.com/saicha124/fedshareM3/validator"
)

func main() {
	var (
		addr          = flag.String("addr", ":7030", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address (disabled if empty)")
		configPath    = flag.String("config", "", "Path to protocol config YAML")
		topologyPath  = flag.String("topology", "", "Path to deployment topology YAML")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		logJSON       = flag.Bool("log-json", false, "Log in JSON format")
		logDebug      = flag.Bool("log-debug", false, "Enable debug logging")
		enablePprof   = flag.Bool("pprof", false, "Enable pprof debug API")
	)
	flag.Parse()

	format := "text"
	if *logJSON {
		format = "json"
	}
	log := common.SetupLogger("validator", format, *logDebug)

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

	signingKey, err := cmdcommon.LoadOrGenerateSigningKey(*signingKeyHex)
	if err != nil {
		log.Error("Signing key error", "err", err)
		os.Exit(1)
	}
	svc := validator.NewServiceWithKey(cfg, signingKey)
	pubKey, _ := svc.PublicKey()
	fmt.Printf("Validator public key: %s\n", pubKey.String())

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               *addr,
		MetricsAddr:              *metricsAddr,
		EnablePprof:              *enablePprof,
		Log:                      log,
		DrainDuration:            httpserver.DefaultDrainDuration,
		GracefulShutdownDuration: httpserver.DefaultGracefulShutdownDuration,
		ReadTimeout:              httpserver.DefaultReadTimeout,
		WriteTimeout:             httpserver.DefaultWriteTimeout,
	}, services.NewValidatorServer(svc, topo, log))
	if err != nil {
		log.Error("Create server error", "err", err)
		os.Exit(1)
	}
	server.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down validator")
	server.Shutdown()
}
