// File: cmd/pipeline/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/domain-event-pipeline/internal/chain"
	"github.com/smartdevs17/domain-event-pipeline/internal/config"
	"github.com/smartdevs17/domain-event-pipeline/internal/metrics"
	"github.com/smartdevs17/domain-event-pipeline/internal/reconciler"
	"github.com/smartdevs17/domain-event-pipeline/internal/server"
	"github.com/smartdevs17/domain-event-pipeline/internal/session"
	"github.com/smartdevs17/domain-event-pipeline/internal/storage"
	"github.com/smartdevs17/domain-event-pipeline/internal/supervisor"
	"github.com/smartdevs17/domain-event-pipeline/internal/watcher"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the pipeline components together
type Application struct {
	config     *config.Config
	logger     *logrus.Entry
	metrics    *metrics.Manager
	storage    storage.Storage
	gateway    *chain.EthGateway
	watchers   *watcher.Set
	sessions   *session.Manager
	processor  *reconciler.Processor
	supervisor *supervisor.Supervisor
	server     *server.HTTPServer
	redis      *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApplication builds every component from cfg without connecting anything
func NewApplication(parent context.Context, cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(parent)
	app := &Application{
		config:  cfg,
		logger:  utils.ComponentLogger("app"),
		metrics: metrics.NewManager(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		app.closeClients()
		return nil, err
	}
	return app, nil
}

func (app *Application) initializeComponents() error {
	cfg := app.config

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)

	app.gateway, err = chain.NewEthGateway(&cfg.Chain)
	if err != nil {
		return fmt.Errorf("failed to create chain gateway: %w", err)
	}

	registryClient := newRegistryClient(app.gateway, cfg.ActiveContracts())
	if registryClient == nil {
		app.logger.Warn("Domain registry address not configured; reconciliation writes will fail")
	}

	if err := app.initializeWatchers(registryClient); err != nil {
		return err
	}

	var runner supervisor.WatcherRunner = app.watchers
	if cfg.Session.Enabled {
		app.sessions = session.NewManager(app.watchers, session.ConfigFromSession(&cfg.Session), app.metrics)
		runner = app.sessions
	}

	if err := app.initializeProcessor(registryClient); err != nil {
		return err
	}

	app.supervisor = supervisor.New(app.storage, runner, app.processor,
		supervisor.BackoffFromConfig(&cfg.Retry), app.metrics)
	app.watchers.SetErrorReporter(app.supervisor.HandleConnectionError)

	if cfg.Server.Enabled {
		app.initializeServer()
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

func newRegistryClient(gateway chain.Gateway, contracts config.ContractAddresses) *chain.RegistryClient {
	if !utils.IsValidAddress(contracts.DomainRegistry) {
		return nil
	}
	return chain.NewRegistryClient(gateway, common.HexToAddress(contracts.DomainRegistry))
}

func (app *Application) initializeWatchers(registryClient *chain.RegistryClient) error {
	cfg := app.config
	contracts := cfg.ActiveContracts()
	handlers := watcher.NewHandlers(app.storage, registryClient, app.metrics)
	opts := watcher.Options{
		Enabled:        cfg.Watcher.Enabled,
		PollInterval:   cfg.Watcher.PollInterval(),
		BackfillBlocks: cfg.Watcher.BackfillBlocks,
		SettleDelay:    cfg.Watcher.SettleDelay,
	}

	bindings := []struct {
		spec    *watcher.ContractSpec
		address string
	}{
		{handlers.RegistrySpec(), contracts.DomainRegistry},
		{handlers.NFTMinterSpec(), contracts.NFTMinter},
		{handlers.TokenMinterSpec(), contracts.TokenMinter},
	}

	var list []*watcher.Watcher
	for _, b := range bindings {
		w, err := watcher.New(b.spec, b.address, app.gateway, app.storage, opts, app.metrics)
		if err != nil {
			return fmt.Errorf("failed to create %s watcher: %w", b.spec.ID, err)
		}
		list = append(list, w)
	}
	app.watchers = watcher.NewSet(list...)
	return nil
}

func (app *Application) initializeProcessor(registryClient *chain.RegistryClient) error {
	cfg := app.config

	var registry reconciler.Registry
	if registryClient != nil {
		registry = registryClient
	}
	app.processor = reconciler.New(app.storage, registry, cfg.Chain.ID,
		reconciler.OptionsFromConfig(&cfg.Reconciler), app.metrics)

	if cfg.Reconciler.Lock != "redis" {
		return nil
	}

	client, err := reconciler.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize reconciliation lock: %w", err)
	}
	app.redis = client

	prefix := fmt.Sprintf("%s:%d:reconcile", cfg.Redis.KeyPrefix, cfg.Chain.ID)
	app.processor.SetGuards(
		reconciler.NewRedisGuard(client, prefix+":registrations", cfg.Reconciler.LockTTL),
		reconciler.NewRedisGuard(client, prefix+":ownership_updates", cfg.Reconciler.LockTTL),
	)
	app.logger.WithField("prefix", prefix).Info("Using redis reconciliation lock")
	return nil
}

func (app *Application) initializeServer() {
	cfg := app.config
	deps := server.Dependencies{
		Status:     app.supervisor,
		Reconciler: app.processor,
		Watchers:   app.watchers,
		Storage:    app.storage,
		Metrics:    app.metrics,
	}
	if app.sessions != nil {
		deps.Sessions = app.sessions
	}

	app.server = server.NewHTTPServer(app.ctx, &server.ServerConfig{
		Port:          cfg.Server.Port,
		Host:          cfg.Server.Host,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		EnableMetrics: cfg.Server.EnableMetrics,
		Version:       AppVersion,
	}, deps)
}

// Start brings the admin surface up first so status is visible while the
// supervisor is still retrying.
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":  AppVersion,
		"chain_id": app.config.Chain.ID,
	}).Info("Starting domain event pipeline")

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return err
		}
	}

	if err := app.supervisor.Initialize(app.ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	return nil
}

// Stop tears everything down
func (app *Application) Stop() error {
	app.logger.Info("Stopping domain event pipeline")
	app.cancel()

	var firstErr error
	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
			firstErr = err
		}
	}
	app.supervisor.Shutdown()
	app.closeClients()

	app.logger.Info("Domain event pipeline stopped")
	return firstErr
}

func (app *Application) closeClients() {
	if app.gateway != nil {
		app.gateway.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close redis client")
		}
	}
}

// loadConfig loads configuration and initializes logging from it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = viper.GetString("log-level")
	}
	if viper.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	logCfg := cfg.Logging
	if err := utils.InitLogger(utils.LogOptions{
		Level:      logCfg.Level,
		Format:     logCfg.Format,
		Output:     logCfg.Output,
		File:       logCfg.File,
		Components: logCfg.Components,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "pipeline",
	Short:   "Domain event ingestion and reconciliation pipeline",
	Long:    `Watches the domain registry, NFT minter and token minter contracts, stores requested registrations and ownership changes, and reconciles them back on chain.`,
	Version: AppVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
	RunE: runPipeline,
}

// runPipeline runs until SIGINT or SIGTERM
func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// A signal also aborts the initial connect retries
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	app.logger.Info("Received shutdown signal")
	return app.Stop()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watchers and the reconciliation timer",
	RunE:  runPipeline,
}

// reconcileCmd runs one reconciliation pass against storage and exits
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		if err := store.Connect(); err != nil {
			return fmt.Errorf("failed to connect to storage: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate storage: %w", err)
		}

		gateway, err := chain.NewEthGateway(&cfg.Chain)
		if err != nil {
			return err
		}
		defer gateway.Close()

		var registry reconciler.Registry
		if client := newRegistryClient(gateway, cfg.ActiveContracts()); client != nil {
			registry = client
		}
		processor := reconciler.New(store, registry, cfg.Chain.ID,
			reconciler.OptionsFromConfig(&cfg.Reconciler), nil)

		result := processor.RunOnce(cmd.Context())
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Domain Event Pipeline %s\n", AppVersion)
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
		cfg, err := config.Load(viper.GetString("config"))
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		contracts := cfg.ActiveContracts()
		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Chain: %d (%s)\n", cfg.Chain.ID, chain.ChainCapabilities(cfg.Chain.ID))
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Domain registry: %s\n", contracts.DomainRegistry)
		fmt.Printf("NFT minter: %s\n", contracts.NFTMinter)
		fmt.Printf("Token minter: %s\n", contracts.TokenMinter)
		fmt.Printf("Reconciliation lock: %s\n", cfg.Reconciler.Lock)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
