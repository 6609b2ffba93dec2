package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"escrowd/config"
	"escrowd/core/state"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Listen address for the JSON-RPC server (overrides config)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	logger := logging.Setup("escrowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if *listenFlag != "" {
		cfg.ListenAddress = *listenFlag
	}

	owner, err := cfg.Owner()
	if err != nil {
		logger.Error("Failed to parse owner address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	ledger := state.NewLedger(db)
	engine := escrow.NewEngine(ledger, ledger)
	engine.SetOwner(owner)
	engine.SetEmitter(observability.NewLedgerEmitter(ledger, logger))

	if cfg.StartPaused {
		if owner == ([20]byte{}) {
			logger.Error("StartPaused requires OwnerAddress to be configured")
			os.Exit(1)
		}
		if err := engine.Pause(owner); err != nil {
			logger.Error("Failed to pause registry at startup", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Warn("registry starting paused")
	}

	if cfg.AuthSecret == "" {
		logger.Warn("RPC authentication disabled; set AuthSecret outside dev environments")
	}
	auth := rpc.NewAuthenticator(cfg.AuthSecret, cfg.AuthIssuer)

	server := rpc.NewServer(engine, ledger, auth, logger)
	logger.Info("escrowd starting",
		slog.String("network", cfg.NetworkName),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("paused", cfg.StartPaused),
	)
	if err := server.Start(cfg.ListenAddress); err != nil {
		logger.Error("RPC server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
