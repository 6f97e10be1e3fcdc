// Command authority runs the FedShare trusted authority.
//
// The authority admits hospitals into the federation: it issues proof-of-work
// challenges, verifies registrations, signs identities, and seals attribute
// keys to each facility's encryption key. It also holds the attribute master
// secret, rotating it whenever a facility is revoked.
//
// # Persistence
//
// By default identities live in memory. With the --pg-* flags the authority
// persists identities in PostgreSQL and survives restarts.
//
// # Usage
//
//	go run ./cmd/authority --addr=:7000 --admin-token=admin:secret
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/saicha124/fedshareM3/api/httpserver"
	"github.com/saicha124/fedshareM3/authority"
	cmdcommon "github.com/saicha124/fedshareM3/cmd/common"
	"github.com/saicha124/fedshareM3/common"
	"github.com/saicha124/fedshareM3/services"
)

func main() {
	var (
		addr          = flag.String("addr", ":7000", "HTTP listen address")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address (disabled if empty)")
		configPath    = flag.String("config", "", "Path to protocol config YAML")
		adminToken    = flag.String("admin-token", "", "Admin token for revocation and policy key endpoints (user:pass)")
		attributes    = flag.String("attributes", "facility,certified", "Comma-separated attribute universe")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		pgHost        = flag.String("pg-host", "", "PostgreSQL host (in-memory store if empty)")
		pgPort        = flag.Int("pg-port", 5432, "PostgreSQL port")
		pgUser        = flag.String("pg-user", "fedshare", "PostgreSQL user")
		pgPassword    = flag.String("pg-password", "", "PostgreSQL password")
		pgDatabase    = flag.String("pg-database", "fedshare", "PostgreSQL database")
		logJSON       = flag.Bool("log-json", false, "Log in JSON format")
		logDebug      = flag.Bool("log-debug", false, "Enable debug logging")
		enablePprof   = flag.Bool("pprof", false, "Enable pprof debug API")
	)
	flag.Parse()

	format := "text"
	if *logJSON {
		format = "json"
	}
	log := common.SetupLogger("authority", format, *logDebug)

	cfg, err := cmdcommon.LoadConfig(*configPath)
	if err != nil {
		log.Error("Config error", "err", err)
		os.Exit(1)
	}

	signingKey, err := cmdcommon.LoadOrGenerateSigningKey(*signingKeyHex)
	if err != nil {
		log.Error("Signing key error", "err", err)
		os.Exit(1)
	}
	pubKey, _ := signingKey.PublicKey()
	fmt.Printf("Authority public key: %s\n", pubKey.String())

	var store authority.IdentityStore = authority.NewMemoryIdentityStore()
	if *pgHost != "" {
		pgStore, err := services.NewPostgresIdentityStore(&services.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			User:     *pgUser,
			Password: *pgPassword,
			Database: *pgDatabase,
		})
		if err != nil {
			log.Error("PostgreSQL error", "err", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		log.Info("Using PostgreSQL identity store", "host", *pgHost)
	}

	universe := strings.Split(*attributes, ",")
	svc, err := authority.NewService(cfg, signingKey, universe, store)
	if err != nil {
		log.Error("Create authority error", "err", err)
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
	}, services.NewAuthorityServer(svc, log, *adminToken))
	if err != nil {
		log.Error("Create server error", "err", err)
		os.Exit(1)
	}
	server.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down authority")
	server.Shutdown()
}
