package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/gradm/admin"
	"github.com/maxpert/gradm/cfg"
	"github.com/maxpert/gradm/cluster"
	"github.com/maxpert/gradm/dba"
	"github.com/maxpert/gradm/instance"
	"github.com/maxpert/gradm/metastore"
	"github.com/maxpert/gradm/monitor"
	"github.com/maxpert/gradm/notify"
	"github.com/maxpert/gradm/privileges"
	"github.com/maxpert/gradm/publisher"
	_ "github.com/maxpert/gradm/publisher/sink"
	"github.com/maxpert/gradm/reconciler"
	"github.com/maxpert/gradm/telemetry"
	"github.com/maxpert/gradm/validator"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("gradm - MySQL group replication orchestrator")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Local cluster registry
	store, err := metastore.Open(cfg.Config.MetaStore, cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cluster registry")
		return
	}
	defer store.Close()

	collector := telemetry.NewMetricsCollector(store, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	hub := notify.NewHub()
	defer hub.Close()

	if cfg.Config.Publisher.Enabled {
		registry, err := publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			NodeID:      cfg.Config.NodeID,
			Hub:         hub,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize event publisher")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start event publisher")
			return
		}
		defer registry.Stop()
	}

	catalog, err := loadCatalog(cfg.Config.Privileges.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load privilege catalog")
		return
	}

	dialer := instance.NewMySQLDialer(
		millis(cfg.Config.Session.ConnectTimeoutMS),
		millis(cfg.Config.Session.ReadTimeoutMS),
		millis(cfg.Config.Session.WriteTimeoutMS),
	)
	v := validator.New(catalog)
	waitTimeout := millis(cfg.Config.Monitor.DefaultTimeoutMS)

	ctl := cluster.NewController(cluster.Config{
		Dialer:      dialer,
		Validator:   v,
		Reconciler:  reconciler.New(v),
		Monitor:     monitor.New(dialer, millis(cfg.Config.Monitor.PollIntervalMS), waitTimeout),
		Store:       store,
		Hub:         hub,
		Policy:      cluster.QuorumPolicy{MinMembers: cfg.Config.Cluster.MinMembers},
		LockTimeout: time.Duration(cfg.Config.Cluster.LockWaitTimeoutS) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Config.Admin.Enabled {
		log.Warn().Msg("Admin server disabled - nothing to serve")
		<-ctx.Done()
		return
	}

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(dba.New(ctl), cfg.Config.Session.DefaultScheme, waitTimeout))
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	addr := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", addr).Msg("Admin server failed")
			stop()
		}
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("admin", addr).
		Str("data_dir", cfg.Config.DataDir).
		Str("metastore", string(cfg.Config.MetaStore.Engine)).
		Msg("Orchestrator is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Admin server did not shut down cleanly")
	}
}

func loadCatalog(path string) (*privileges.Catalog, error) {
	if path == "" {
		return privileges.DefaultCatalog(), nil
	}
	catalog, err := privileges.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("requirements", catalog.Len()).Msg("Loaded privilege catalog")
	return catalog, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
