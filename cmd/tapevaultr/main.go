package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RoseOO/TapeVaultr/internal/catalog"
	"github.com/RoseOO/TapeVaultr/internal/config"
	"github.com/RoseOO/TapeVaultr/internal/database"
	"github.com/RoseOO/TapeVaultr/internal/drive"
	"github.com/RoseOO/TapeVaultr/internal/logging"
	"github.com/RoseOO/TapeVaultr/internal/notifications"
	"github.com/RoseOO/TapeVaultr/internal/scheduler"
	"github.com/RoseOO/TapeVaultr/internal/tape"
	"github.com/RoseOO/TapeVaultr/internal/task"
	"github.com/RoseOO/TapeVaultr/internal/writer"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "/etc/tapevaultr/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TapeVaultr v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting TapeVaultr", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	// Initialize catalog database
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("Catalog initialized", map[string]interface{}{"path": cfg.Database.Path})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db.StartHeartbeat(rootCtx, func(err error) {
		logger.Warn("Catalog heartbeat failed", map[string]interface{}{"error": err.Error()})
	})

	store := catalog.NewStore(db, logger)

	// Serialized catalog write queue shared by the pipeline
	queue := catalog.NewWriter(logger)
	queue.Start(rootCtx)

	// Tape driver and cartridge manager
	driver, err := drive.New(cfg.Tape, logger)
	if err != nil {
		logger.Error("Failed to initialize tape driver", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	notifier := notifications.NewLogNotifier(logger)
	tapes := tape.NewManager(store, driver, cfg.Tape, logger, notifier)

	// Staging monitor moves finished archives to tape
	monitor := writer.NewMonitor(cfg.Compress, cfg.Tape, store, queue, tapes, logger)
	monitor.Start(rootCtx)

	// Task runner drives executions through the pipeline
	runner := task.NewRunner(cfg, store, queue, monitor, tapes, notifier, logger)

	// Scheduler fires templates and the retention check
	schedulerService := scheduler.NewService(store, tapes, cfg, logger, runner.Run)
	if err := schedulerService.Start(); err != nil {
		logger.Error("Failed to start scheduler", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	// Graceful shutdown: stop firing new work, let the in-flight transfer
	// finish, then flush the catalog queue.
	schedulerService.Stop()
	monitor.Stop()
	rootCancel()
	queue.Stop()

	logger.Info("TapeVaultr shutdown complete", nil)
}
