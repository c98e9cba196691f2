package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workmesh/exo/config"
	"github.com/workmesh/exo/db"
	"github.com/workmesh/exo/engine"
	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/exchange"
	"github.com/workmesh/exo/logger"
	"github.com/workmesh/exo/manifest"
	"github.com/workmesh/exo/registry"
	"github.com/workmesh/exo/server"
	"github.com/workmesh/exo/sweep"
)

// ServeCmd starts the exchange HTTP server
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the exchange HTTP server",
	Long: `Start the exchange server: assignment API, job listings, worker
registration, the assignment event feed, and the background expiry sweep.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	dbPath := cfg.Database.Path
	if serveDBPath != "" {
		dbPath = serveDBPath
	}
	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()
	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	reg := registry.New(database, logger.Logger)
	clock := exchange.SystemClock{}

	resolver := manifest.NewGatewayResolver(
		cfg.Chain.GatewayURL,
		time.Duration(cfg.Chain.TimeoutSeconds)*time.Second,
		time.Duration(cfg.Chain.CacheTTLMin)*time.Minute,
		logger.Logger,
	)
	engineClient := engine.NewHTTPClient(
		cfg.Engine.URL,
		cfg.Engine.Token,
		time.Duration(cfg.Engine.TimeoutSeconds)*time.Second,
		cfg.Engine.RatePerSecond,
		logger.Logger,
	)

	coordinator := exchange.NewCoordinator(
		reg, resolver, engineClient, clock,
		time.Duration(cfg.Exchange.LockWaitSeconds)*time.Second,
		logger.Logger,
	)

	var sweeper *sweep.Sweeper
	if cfg.Sweep.Enabled {
		sweeper = sweep.New(reg, clock,
			time.Duration(cfg.Sweep.IntervalSeconds)*time.Second,
			logger.Logger)
	}

	srv := server.New(coordinator, reg, sweeper, cfg.Server, logger.Logger)

	// Watch the config file so edits show up without a restart. Only
	// hot-reloadable settings apply; port and database changes need a
	// restart and are logged as such.
	if path := config.ConfigFilePath(); path != "" {
		watcher, err := config.NewWatcher(path)
		if err != nil {
			logger.Logger.Warnw("Config watcher unavailable", "file", path, "error", err)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				if next.Server.Port != cfg.Server.Port || next.Database.Path != cfg.Database.Path {
					logger.Logger.Warnw("Port or database change requires restart")
				}
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}
	if port == 0 {
		port = config.DefaultServerPort
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(port) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.Logger.Infow("Shutdown signal received", "signal", sig.String())
		if err := srv.Stop(); err != nil {
			return err
		}
		return <-serveErr
	}
}
