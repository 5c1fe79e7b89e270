package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kasparro/coinetl/internal/config"
	"github.com/kasparro/coinetl/internal/etl"
	"github.com/kasparro/coinetl/internal/infrastructure/db"
	"github.com/kasparro/coinetl/internal/ingest"
	httpapi "github.com/kasparro/coinetl/internal/interfaces/http"
	"github.com/kasparro/coinetl/internal/interfaces/http/handlers"
	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/persistence"
	"github.com/kasparro/coinetl/internal/resolve"
)

const shutdownGrace = 15 * time.Second

func main() {
	// Bootstrap logging before configuration is available; each command
	// re-applies the configured level and format once it has loaded.
	logpkg.Setup("info", "auto")

	rootCmd := &cobra.Command{
		Use:     "coinetl",
		Short:   handlers.ServiceName,
		Version: handlers.ServiceVersion,
		Long: handlers.ServiceName + `

Ingests cryptocurrency market data from CoinPaprika, CoinGecko, and a
local CSV feed into PostgreSQL, and serves the unified dataset over a
JSON API with health, stats, and run-analysis endpoints.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML settings overlay")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the ETL scheduler",
		Long:  "Starts the HTTP API and the periodic ingestion loop in one process, draining both on SIGINT/SIGTERM",
		RunE:  runServe,
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass and exit",
		Long:  "Executes a single run for every source, or for one source with --source, and prints a per-source summary",
		RunE:  runIngest,
	}

	ingestCmd.Flags().String("source", "", "Run a single source (coinpaprika|coingecko|csv)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrate,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manager, err := db.NewManager(poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	etlStore := manager.ETLStore()
	metrics := httpapi.NewMetrics(manager.APIStore(), manager)
	runner := etl.NewRunner(etlStore, resolve.New(etlStore.Coins), metrics, buildSources(cfg, etlStore)...)
	scheduler := etl.NewScheduler(runner, cfg.ScheduleInterval)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx)
	}()

	h := handlers.New(manager.APIStore(), manager, cfg.MigrationSecret)
	server, err := httpapi.NewServer(httpapi.DefaultServerConfig(cfg.APIHost, cfg.APIPort), h, metrics)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info().Str("address", server.Address()).Dur("schedule_interval", cfg.ScheduleInterval).Msg("service started")

	select {
	case err := <-serverErr:
		stop()
		<-schedulerDone
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP server exited with error")
	}
	<-schedulerDone

	log.Info().Msg("service stopped")
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sourceName, _ := cmd.Flags().GetString("source")

	manager, err := db.NewManager(poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer manager.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	store := manager.ETLStore()
	runner := etl.NewRunner(store, resolve.New(store.Coins), nil, buildSources(cfg, store)...)

	var results []etl.RunResult
	if sourceName == "" {
		results = runner.RunAll(ctx)
	} else {
		source, err := findSource(runner.Sources(), sourceName)
		if err != nil {
			return err
		}
		results = []etl.RunResult{runner.RunSource(ctx, source)}
	}

	printRunSummary(results)

	for _, res := range results {
		if res.Err != nil {
			return fmt.Errorf("ingestion finished with failures")
		}
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	manager, err := db.NewManager(poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := manager.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("Schema is up to date")
	return nil
}

// loadConfig reads the environment, overlays the optional --config file,
// and applies the configured log settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	logpkg.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func poolConfig(cfg *config.Config) db.Config {
	pool := db.DefaultConfig()
	pool.APIURL = cfg.DatabaseURL
	pool.ETLURL = cfg.DatabaseURLSync
	return pool
}

func buildSources(cfg *config.Config, store *persistence.Store) []ingest.Source {
	return []ingest.Source{
		ingest.NewCoinPaprika(cfg, store.Raw),
		ingest.NewCoinGecko(cfg, store.Raw),
		ingest.NewCSVFile(cfg, store.Raw, store.Checkpoints),
	}
}

func findSource(sources []ingest.Source, name string) (ingest.Source, error) {
	for _, source := range sources {
		if source.Name() == name {
			return source, nil
		}
	}
	return nil, fmt.Errorf("unknown source %q (valid: %s, %s, %s)",
		name, persistence.SourceCoinPaprika, persistence.SourceCoinGecko, persistence.SourceCSV)
}

func printRunSummary(results []etl.RunResult) {
	ok := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("%s %-12s %v\n", fail("FAIL"), res.SourceName, res.Err)
			continue
		}
		fmt.Printf("%s %-12s %d processed, %d failed in %ds\n",
			ok("OK  "), res.SourceName, res.RecordsProcessed, res.RecordsFailed, res.DurationSeconds)
	}
}
