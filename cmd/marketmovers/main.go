package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/rewired-gh/marketmovers/internal/config"
	"github.com/rewired-gh/marketmovers/internal/logger"
	"github.com/rewired-gh/marketmovers/internal/storage"
)

const usage = `Usage: marketmovers <command> [flags]

Commands:
  ingest   fetch the CSFloat price list into the current bucket
  detect   diff the current bucket against the previous one and store changes
  rank     build the daily top-N snapshots (--date, or --from/--to to backfill)
  prune    delete change records and observations past retention
  serve    serve stored snapshots over HTTP
  export   write a day's snapshots to an Excel workbook
  daemon   run ingest, detect, rank and prune on their schedules

Run 'marketmovers <command> --help' for command flags.
`

type command struct {
	flags *pflag.FlagSet
	run   func(ctx context.Context, a *app) error
}

func commands() map[string]func() *command {
	return map[string]func() *command{
		"ingest": ingestCommand,
		"detect": detectCommand,
		"rank":   rankCommand,
		"prune":  pruneCommand,
		"serve":  serveCommand,
		"export": exportCommand,
		"daemon": daemonCommand,
	}
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	newCmd, ok := commands()[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	cmd := newCmd()
	configPath := cmd.flags.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")
	if err := cmd.flags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	}

	// Initialize storage
	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	a := &app{cfg: cfg, store: store}
	if err := cmd.run(ctx, a); err != nil {
		logger.Error("%s failed: %v", os.Args[1], err)
		store.Close()
		os.Exit(1)
	}
}
