package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KONFeature/ponder/internal/common"
	"github.com/KONFeature/ponder/internal/config"
	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/metrics"
	"github.com/KONFeature/ponder/internal/supervisor"
	pkgconfig "github.com/KONFeature/ponder/pkg/config"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ponder",
	Short:   "EVM event indexer sync engine",
	Long:    `ponder watches EVM chains, extracts the events selected by configured filters, and materializes them into a queryable store with reorg handling.`,
	Version: version,
	RunE:    run,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema := jsonschema.Reflect(&pkgconfig.Config{})
		encoded, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ponder.yaml", "path to configuration file")
	rootCmd.AddCommand(schemaCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down gracefully...")
		cancel()
	}()

	log := logger.NewComponentLogger(common.ComponentSupervisor, cfg.Logging)

	sup, err := supervisor.New(ctx, supervisor.Options{
		Config:          cfg,
		Indexing:        newSinkPipeline(log),
		HistoricalStore: sinkStore{},
		RealtimeStore:   sinkStore{},
		OnFatalError: func(err error) {
			log.Errorf("fatal error: %v", err)
			cancel()
		},
		OnReloadableError: func(err error) {
			log.Errorf("pipeline error: %v", err)
			cancel()
		},
		Logger: logger.GetDefaultLogger(),
	})
	if err != nil {
		return fmt.Errorf("failed to build supervisor: %w", err)
	}
	defer sup.Kill()

	var metricsServer *metrics.Server
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics, sup.MetaStore(), cfg.Options.MaxHealthcheckDuration.Duration)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				log.Warnf("failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	if cfg.Maintenance != nil {
		maintenance := db.NewMaintenance(
			sup.Store().DB(), db.Engine(cfg.Database.Kind), cfg.Maintenance,
			logger.NewComponentLogger(common.ComponentMaintenance, cfg.Logging))
		maintenance.Start(ctx)
		defer maintenance.Stop()
	}

	log.Infof("starting ponder v%s", version)

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
