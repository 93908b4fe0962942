// File: cmd/indexer/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/connection"
	"github.com/smartdevs17/lending-indexer/internal/decoder"
	"github.com/smartdevs17/lending-indexer/internal/indexer"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/notification"
	"github.com/smartdevs17/lending-indexer/internal/processor"
	"github.com/smartdevs17/lending-indexer/internal/server"
	"github.com/smartdevs17/lending-indexer/internal/snapshot"
	"github.com/smartdevs17/lending-indexer/internal/storage"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the indexer's components together
type Application struct {
	config     *config.Config
	logger     *logrus.Entry
	metrics    *metrics.Manager
	connection *connection.ConnectionManager
	client     *connection.ChainClient
	storage    storage.Storage
	processor  *processor.EventProcessor
	indexer    *indexer.Indexer
	snapshots  *snapshot.Job
	server     *server.HTTPServer
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		app.closeResources()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	level := logCfg.Level
	if override := viper.GetString("log-level"); override != "" {
		level = override
	}
	if err := utils.InitLogger(level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")
	return nil
}

func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	dec, err := decoder.NewEventDecoder()
	if err != nil {
		return fmt.Errorf("failed to load lending pool ABI: %w", err)
	}

	app.connection = connection.NewConnectionManager(&app.config.Chain, app.metrics)
	idxCfg := app.config.Indexer
	app.client = connection.NewChainClient(app.connection, &app.config.Chain,
		connection.WithTopics(dec.Topics()),
		connection.WithLiveMode(idxCfg.LiveMode, idxCfg.PollInterval, idxCfg.BatchSize, idxCfg.ConfirmationBlocks),
		connection.WithMetrics(app.metrics),
	)

	app.processor = processor.NewEventProcessor(app.storage, app.notifier(), app.metrics)

	app.indexer = indexer.NewIndexer(&app.config.Indexer, app.config.Chain.ChainID,
		app.client, dec, app.processor, app.storage, app.metrics)

	if err := app.initializeSnapshots(); err != nil {
		return fmt.Errorf("failed to initialize snapshot job: %w", err)
	}

	app.server = server.NewHTTPServer(&app.config.Server, app.storage, app.indexer, app.processor, app.metrics,
		server.WithVersion(AppVersion))

	app.logger.Info("All components initialized successfully")
	return nil
}

func (app *Application) initializeStorage() error {
	store, err := openStorage(&app.config.Storage)
	if err != nil {
		return err
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)
	return nil
}

func (app *Application) notifier() notification.Notifier {
	if !app.config.Notifications.Enabled {
		return notification.NopNotifier{}
	}
	return notification.NewWebhookNotifier(&app.config.Notifications, app.metrics)
}

func (app *Application) initializeSnapshots() error {
	var reader snapshot.MarketDataReader
	if addr := app.config.Snapshot.DataProviderAddress; app.config.Snapshot.Enabled && addr != "" {
		pr, err := snapshot.NewProviderReader(app.client, addr)
		if err != nil {
			return err
		}
		reader = pr
	} else if app.config.Snapshot.Enabled {
		app.logger.Warn("No data provider address configured, market snapshots disabled")
	}
	app.snapshots = snapshot.NewJob(&app.config.Snapshot, reader, app.storage, app.metrics)
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting lending indexer")

	if app.config.Server.Enabled {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if err := app.indexer.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}

	if err := app.snapshots.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start snapshot job: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node_url":       app.config.Chain.NodeURL,
		"contract":       app.config.Indexer.ContractAddress,
		"live_mode":      app.config.Indexer.LiveMode,
	}).Info("Lending indexer started successfully")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping lending indexer")

	app.cancel()

	if app.server != nil && app.config.Server.Enabled {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}
	if app.snapshots != nil {
		if err := app.snapshots.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop snapshot job")
		}
	}
	if app.indexer != nil {
		if err := app.indexer.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop indexer")
		}
	}
	app.closeResources()

	app.logger.Info("Lending indexer stopped successfully")
	return nil
}

func (app *Application) closeResources() {
	if app.processor != nil {
		if err := app.processor.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to drain notifications")
		}
	}
	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}
	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}
}

func openStorage(cfg *config.StorageConfig) (storage.Storage, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run storage migrations: %w", err)
	}
	return store, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "lending-indexer",
	Short:   "Lending protocol event indexer",
	Long:    `Indexes lending pool events into user positions, liquidations and periodic market snapshots.`,
	Version: AppVersion,
	RunE:    runIndexer,
}

func runIndexer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")

	return app.Stop()
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Index a fixed block range and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		if to < from {
			return fmt.Errorf("--to (%d) must not be below --from (%d)", to, from)
		}

		app, err := NewApplication(cfg)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.closeResources()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		if err := app.indexer.Backfill(ctx, from, to); err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}

		stats := app.indexer.Stats()
		fmt.Printf("Backfilled blocks %d-%d in %s\n", from, to, time.Since(start).Round(time.Millisecond))
		fmt.Printf("Applied: %d, skipped: %d, checkpoint: %d\n", stats.LogsApplied, stats.LogsSkipped, stats.Checkpoint)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take one market snapshot and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Snapshot.DataProviderAddress == "" {
			return fmt.Errorf("snapshot.data_provider_address is required")
		}
		cfg.Snapshot.Enabled = true

		app, err := NewApplication(cfg)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.closeResources()

		if err := app.snapshots.TakeSnapshot(cmd.Context()); err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}

		latest, err := app.storage.GetLatestSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range latest {
			fmt.Printf("%-8s %s supplied=%s borrowed=%s utilization=%s\n",
				s.Symbol, s.Asset, s.TotalSupplied, s.TotalBorrowed, s.Utilization.StringFixed(4))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Lending Indexer %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Node: %s (chain %d)\n", cfg.Chain.NodeURL, cfg.Chain.ChainID)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Contract: %s\n", cfg.Indexer.ContractAddress)
		fmt.Printf("Live mode: %s (policy %s)\n", cfg.Indexer.LiveMode, cfg.Indexer.LiveErrorPolicy)
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Chain.RequestTimeout)
		defer cancel()

		fmt.Printf("Testing node connection to %s...\n", cfg.Chain.NodeURL)
		conn := connection.NewConnectionManager(&cfg.Chain, nil)
		defer conn.Close()
		if err := conn.HealthCheckWithContext(ctx); err != nil {
			return fmt.Errorf("failed to reach node: %w", err)
		}
		head, err := connection.NewChainClient(conn, &cfg.Chain).BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to read chain head: %w", err)
		}
		fmt.Printf("✓ Node connection successful (head %d)\n", head)

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := openStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		cp, found, err := store.GetCheckpoint(ctx, cfg.Chain.ChainID)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if found {
			fmt.Printf("✓ Storage connection successful (checkpoint %d)\n", cp)
		} else {
			fmt.Println("✓ Storage connection successful (no checkpoint yet)")
		}

		fmt.Println("\nAll connectivity tests passed! ✓")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level override (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	backfillCmd.Flags().Uint64("from", 0, "first block to index")
	backfillCmd.Flags().Uint64("to", 0, "last block to index")
	backfillCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
