package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/steward/internal/audit"
	"github.com/fentz26/steward/internal/config"
	"github.com/fentz26/steward/internal/connectors"
	"github.com/fentz26/steward/internal/connectors/httpcollab"
	"github.com/fentz26/steward/internal/connectors/localexec"
	"github.com/fentz26/steward/internal/controlplane"
	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/locks"
	"github.com/fentz26/steward/internal/logging"
	"github.com/fentz26/steward/internal/metrics"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/monitor"
	"github.com/fentz26/steward/internal/opportunity"
	"github.com/fentz26/steward/internal/rollback"
	"github.com/fentz26/steward/internal/scheduler"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/fentz26/steward/internal/versions"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Steward daemon",
	Long: `Starts the Steward daemon which runs the autonomous loop and serves the
operator HTTP API.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML configuration file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting steward daemon",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("db", cfg.Store.Path))

	// Initialize store
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(s, logger.Named("audit"))
	lk := locks.New()
	m := metrics.New()

	investigator, generator, registry := collaborators(cfg.Collaborators, logger)
	vs := versions.New(s, s, registry, logger.Named("versions"),
		versions.WithReloadTimeout(cfg.Collaborators.ReloadTimeout),
		versions.WithRecorder(recorder))

	if in, err := localexec.Lookup(cfg.Executor.Interpreter); err != nil {
		logger.Warn("sandbox interpreter unavailable; candidate testing will fail",
			zap.String("interpreter", cfg.Executor.Interpreter), zap.Error(err))
	} else {
		logger.Info("sandbox interpreter", zap.String("path", in.Path), zap.String("version", in.Version))
	}
	executor := localexec.New(cfg.Executor.Interpreter, cfg.Executor.WorkDir, cfg.Executor.Timeout)
	engine, err := validation.NewEngine(s, executor, cfg.Testing, logger.Named("testing"))
	if err != nil {
		s.Close()
		return err
	}
	dm := deploy.NewManager(s, vs, s, engine, lk, recorder, cfg.Deploy, logger.Named("deploy"))
	mon := monitor.New(s, vs, rollback.NewDetector(s, cfg.FastRollback), s, lk, cfg.Monitor, logger.Named("monitor"))

	sched := scheduler.New(scheduler.Deps{
		Store:        s,
		Monitor:      mon,
		Detector:     opportunity.NewDetector(s, s, cfg.Opportunity, logger.Named("opportunity")),
		Deployer:     dm,
		Investigator: investigator,
		Generator:    generator,
		Recorder:     recorder,
		Metrics:      m,
		Locks:        lk,
	}, &cfg.Loop, logger.Named("loop"))

	service := controlplane.NewService(s, vs, dm, sched, lk, recorder, logger.Named("api"))
	server := controlplane.NewServer(service, controlplane.Options{
		Addr:         cfg.Server.Listen,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Version:      version,
	}, m, logger.Named("api"))

	sched.Start()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			sched.Stop()
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	// In-flight attempts finish before the database goes away.
	sched.Stop()

	if err := s.Close(); err != nil {
		logger.Warn("database close", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// collaborators builds the investigator, generator and registry clients. With
// no base URL configured the loop still monitors and rolls back, but every
// improvement attempt stops at the investigate stage.
func collaborators(cfg config.CollaboratorsConfig, logger *zap.Logger) (connectors.Investigator, connectors.Generator, connectors.Registry) {
	if cfg.BaseURL == "" {
		logger.Warn("no collaborator base_url configured; autonomous improvement disabled")
		registry := connectors.RegistryFunc(func(ctx context.Context, componentID string) error {
			logger.Debug("registry reload skipped", zap.String("component_id", componentID))
			return nil
		})
		return offline{}, offline{}, registry
	}
	client := httpcollab.New(cfg.BaseURL, cfg.Timeout)
	return httpcollab.NewInvestigator(client), httpcollab.NewGenerator(client), httpcollab.NewRegistry(client)
}

var errNoCollaborator = errors.New("no collaborator configured")

// offline stands in for the investigator and generator when none is configured.
type offline struct{}

func (offline) Investigate(context.Context, string, models.Metrics) (*models.Diagnosis, error) {
	return nil, errNoCollaborator
}

func (offline) Generate(context.Context, string, *models.Diagnosis) (*connectors.Generation, error) {
	return nil, errNoCollaborator
}
