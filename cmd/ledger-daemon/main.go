package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/WilledMercury75/Ledger-Email-Client/internal/config"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/directory"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/engine"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/identity"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/mailbridge"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/sink"
	"github.com/WilledMercury75/Ledger-Email-Client/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const indexNodes = 32

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to ledger.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for local data (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ledger-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	config.ApplyEnvOverrides(&cfg)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("ledger-daemon config invalid: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("ledger-daemon data dir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	id, err := identity.LoadOrCreate(cfg.DataDir, os.Getenv("LEDGER_KEYSTORE_PASSPHRASE"))
	if err != nil {
		log.Fatalf("ledger-daemon identity: %v", err)
	}

	store, err := sink.OpenBadger(filepath.Join(cfg.DataDir, "messages"))
	if err != nil {
		log.Fatalf("ledger-daemon message store: %v", err)
	}
	defer store.Close()

	// Single-host runs carry their own in-process replica set; a real
	// deployment dials remote index nodes instead.
	memnet := directory.NewMemoryNetwork()
	bootstrap, err := memnet.AddNodes(indexNodes)
	if err != nil {
		log.Fatalf("ledger-daemon index: %v", err)
	}
	dir := directory.New(directory.Config{
		Replication:       cfg.Directory.Replication,
		LookupParallelism: cfg.Directory.LookupParallelism,
		MaxHops:           cfg.Directory.MaxHops,
		RequestTimeout:    cfg.Directory.RequestTimeout,
		ProbeTimeout:      cfg.Directory.ProbeTimeout,
		StoreTTL:          cfg.Directory.StoreTTL,
	}, memnet, bootstrap, logger)

	var mail mailbridge.MailTransport = mailbridge.Disabled{}
	if cfg.Mail.Address != "" {
		mail = mailbridge.NewSMTPTransport("smtp.gmail.com", 587, cfg.Mail.Address, cfg.Mail.AppPassword)
	}

	peers := transport.NewLoopback()
	eng := engine.New(engine.Options{
		Identity:  id,
		Directory: dir,
		Peers:     peers,
		Mail:      mail,
		Sink:      store,
		Config:    cfg,
		Logger:    logger,
	})
	for _, ep := range cfg.Network.ListenEndpoints {
		peers.Register(ep, eng.HandlePeerPayload)
	}

	logger.Info("ledger-daemon starting", "address", eng.Address())
	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("ledger-daemon failed: %v", err)
	}
	logger.Info("ledger-daemon stopped")
}
