// Command orchestrator is the single entrypoint wiring every subsystem of
// the cognitive memory substrate and the orchestrator runtime into one
// running process, grounded on the monitor's cmd/cliaimonitor/main.go:
// flag parsing, signal-driven graceful shutdown, and a staged
// construct-then-serve-then-drain lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ry-ht/cogcore/internal/bridge"
	"github.com/ry-ht/cogcore/internal/bus"
	"github.com/ry-ht/cogcore/internal/config"
	"github.com/ry-ht/cogcore/internal/consolidation"
	"github.com/ry-ht/cogcore/internal/coordinator"
	"github.com/ry-ht/cogcore/internal/embedding"
	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/httpapi"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/lead"
	"github.com/ry-ht/cogcore/internal/mcp"
	"github.com/ry-ht/cogcore/internal/memctx"
	"github.com/ry-ht/cogcore/internal/observability"
	"github.com/ry-ht/cogcore/internal/procedural"
	"github.com/ry-ht/cogcore/internal/semantic"
	"github.com/ry-ht/cogcore/internal/session"
	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/strategy"
	"github.com/ry-ht/cogcore/internal/tools"
	"github.com/ry-ht/cogcore/internal/vectorindex"
	"github.com/ry-ht/cogcore/internal/vfs"
	"github.com/ry-ht/cogcore/internal/workers"
	"github.com/ry-ht/cogcore/internal/workingmem"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults applied when unset)")
	workspaceID := flag.String("workspace", "default", "Workspace id this process serves")
	flag.Parse()

	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := buildSubstrate(ctx, cfg, *workspaceID, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build substrate")
	}
	defer sub.Close()

	router := httpapi.NewRouter(sub.mcpServer, sub.dashboard, sub.gateway).WithMetrics(sub.metricsReg)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router.NewServeMux(),
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- httpServer.ListenAndServe() }()

	stopConsolidation := sub.runConsolidationLoop(ctx, ids.WorkspaceID(*workspaceID), logger)
	defer stopConsolidation()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("orchestrator listening")

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited")
		}
	case <-shutdown:
		logger.Info().Msg("shutdown signal received")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	fmt.Println("orchestrator stopped")
}

// substrate holds every constructed subsystem so main can close them in one
// place on the way out.
type substrate struct {
	docs         *storage.SQLiteStore
	gateway      *storage.Gateway
	blobs        *storage.BlobStore
	vectors      *vectorindex.Index
	fs           *vfs.FS
	working      *workingmem.Store
	episodes     *episodic.Store
	graph        *semantic.Graph
	patterns     *procedural.Store
	sessions     *session.Manager
	composer     *memctx.Composer
	consolidator *consolidation.Scheduler
	lockManager  *coordinator.LockManager
	msgBus       *bus.Bus
	coord        *coordinator.Coordinator
	strategies   *strategy.Library
	workerReg    *workers.Registry
	toolExec     *tools.Executor
	worker       *bridge.Bridge
	lead         *lead.Agent
	mcpServer    *mcp.Server
	events       *observability.Bus
	metrics      *observability.Metrics
	metricsReg   *prometheus.Registry
	dashboard    *observability.Dashboard
	alerts       *observability.Router
}

func buildSubstrate(ctx context.Context, cfg config.Config, workspaceID string, logger zerolog.Logger) (*substrate, error) {
	clock := ids.SystemClock{}
	s := &substrate{}

	docs, err := storage.OpenSQLiteStore(cfg.Storage.DocumentDBPath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	s.docs = docs

	s.vectors, err = vectorindex.Open(cfg.Storage.VectorIndexPath)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	s.gateway = storage.NewGateway(docs, s.vectors, cfg.Bus.CircuitThreshold, cfg.Bus.CircuitCooldown, func(state storage.BreakerState) {
		logger.Warn().Str("state", state.String()).Msg("storage circuit breaker transition")
	})

	if s.blobs, err = storage.OpenBlobStore(cfg.Storage.BlobStorePath); err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s.fs = vfs.New(s.gateway, s.blobs)

	embedder := embedding.NewChain(logger, 4, 10*time.Minute, embedding.NewLocalProvider(cfg.VectorIndex.Dimension))
	s.working = workingmem.New(cfg.WorkingMemory.MaxItems, cfg.WorkingMemory.MaxBytes)
	s.episodes = episodic.New(s.gateway, s.vectors, embedder, logger)
	s.graph = semantic.New(s.gateway)
	s.patterns = procedural.New(s.gateway, clock)
	s.sessions = session.New(s.gateway, clock, 3)
	s.composer = memctx.New(s.working, s.episodes, s.graph, s.patterns, memctx.NewHeuristicCounter(), memctx.Config{
		WorkingMemoryK: 10,
		EpisodeK:       10,
		UnitMaxHops:    2,
		PatternK:       5,
	})
	s.consolidator = consolidation.New(s.episodes, s.graph, consolidation.Config{
		Interval:          24 * time.Hour,
		SizeThreshold:     0.9,
		DecayCutoff:       0.15,
		DecayHalfLifeDays: 14,
		MergeThreshold:    0.95,
	}, logger, clock)

	s.lockManager, err = coordinator.NewLockManager(coordinator.LockManagerConfig{
		NodeID:  hostnameOrDefault(),
		BoltDir: filepath.Dir(cfg.Storage.BlobStorePath),
	}, s.gateway, logger)
	if err != nil {
		return nil, fmt.Errorf("open lock manager: %w", err)
	}

	s.msgBus = bus.New(bus.NewEnvelopeLog(s.gateway), bus.Config{
		RateLimitPerSecond:   cfg.Bus.RatePerAgent,
		RateLimitBurst:       int(cfg.Bus.RatePerAgent),
		BreakerThreshold:     cfg.Bus.CircuitThreshold,
		BreakerCooldown:      cfg.Bus.CircuitCooldown,
		MaxAttempts:          3,
		DeadLetterCapacity:   cfg.Bus.MaxDeadLetters,
		SubscriberBufferSize: cfg.Bus.BroadcastCapacity,
		BackpressureRetries:  3,
		BackpressureDelay:    50 * time.Millisecond,
	}, logger)
	s.coord = coordinator.New(s.msgBus, s.lockManager, s.episodes, logger, clock)

	s.strategies, err = strategy.New(ctx, s.gateway, workspaceID, clock)
	if err != nil {
		return nil, fmt.Errorf("load strategy library: %w", err)
	}
	s.workerReg = workers.New(clock, cfg.WorkerRegistry.HeartbeatDeadline)
	s.toolExec = tools.NewExecutor(cfg.ParallelExecutor.MaxConcurrent)
	s.worker = bridge.New(bridge.NewExecSpawner(cfg.Bridge.WorkerCommand, cfg.Bridge.WorkerArgs...), clock, logger)

	s.lead = lead.New(s.strategies, s.workerReg, s.coord, s.toolExec, s.worker, s.episodes, clock, logger)

	s.events = observability.NewBus(logger)
	s.metricsReg = prometheus.NewRegistry()
	s.metrics = observability.NewMetrics(s.metricsReg)
	s.dashboard = observability.NewDashboard(s.events)
	s.alerts = observability.NewRouter(s.events)

	s.mcpServer = mcp.NewServer(cfg.Server.MCPServerName, cfg.Server.MaxConnPerCaller, cfg.Server.MaxTotalConnections)
	mcp.RegisterCoreTools(s.mcpServer, s.gateway, s.fs, s.lead)

	stop := make(chan struct{})
	go s.dashboard.Run(stop)
	go s.alerts.Start(stop)
	context.AfterFunc(ctx, func() { close(stop) })

	return s, nil
}

func (s *substrate) Close() {
	if s.lockManager != nil {
		_ = s.lockManager.Close()
	}
	if s.vectors != nil {
		_ = s.vectors.Close()
	}
	if s.blobs != nil {
		_ = s.blobs.Close()
	}
	if s.docs != nil {
		_ = s.docs.Close()
	}
}

func (s *substrate) runConsolidationLoop(ctx context.Context, workspaceID ids.WorkspaceID, logger zerolog.Logger) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := s.consolidator.Run(ctx, workspaceID, consolidation.TriggerInterval); err != nil {
					logger.Error().Err(err).Msg("scheduled consolidation run failed")
				}
			}
		}
	}()
	return func() { <-done }
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "cogcore-node"
	}
	return name
}
