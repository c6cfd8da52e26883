// unsgate gateway server — ingests MQTT traffic from the configured
// brokers, persists it to the event store and serves the HTTP/WebSocket
// surface with the mapper, alerting and chat engines behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/unsgate/unsgate/pkg/alerting"
	"github.com/unsgate/unsgate/pkg/api"
	"github.com/unsgate/unsgate/pkg/broker"
	"github.com/unsgate/unsgate/pkg/chat"
	"github.com/unsgate/unsgate/pkg/config"
	"github.com/unsgate/unsgate/pkg/database"
	"github.com/unsgate/unsgate/pkg/hub"
	"github.com/unsgate/unsgate/pkg/llm"
	"github.com/unsgate/unsgate/pkg/mapper"
	"github.com/unsgate/unsgate/pkg/metrics"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/sandbox"
	"github.com/unsgate/unsgate/pkg/store"
	"github.com/unsgate/unsgate/pkg/version"
)

const (
	dbStatusInterval = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// hubSource adapts the event store and mapper engine to the hub's
// DataSource. The mapper field is filled in once the engine exists; the
// hub accepts no clients before the HTTP server starts.
type hubSource struct {
	store  *store.Store
	mapper *mapper.Engine
}

func (s *hubSource) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	return s.store.Recent(ctx, limit)
}

func (s *hubSource) TopicHistory(ctx context.Context, brokerID, topic string, limit int) ([]models.Event, error) {
	return s.store.GetHistory(ctx, brokerID, topic, limit)
}

func (s *hubSource) RangeEvents(ctx context.Context, start, end time.Time, pattern string, limit int) ([]models.Event, error) {
	return s.store.Range(ctx, start, end, pattern, limit)
}

func (s *hubSource) MapperConfig(context.Context) *models.MapperConfig {
	if s.mapper == nil {
		return nil
	}
	return s.mapper.Config()
}

func (s *hubSource) StoreStats() models.StoreStats {
	return storeStats(s.store)
}

func storeStats(st *store.Store) models.StoreStats {
	snap := st.Stats()
	return models.StoreStats{
		TotalRows:     snap.TotalRows,
		Bytes:         snap.Bytes,
		PruningActive: snap.PruningActive,
	}
}

// statusFunc adapts a closure to the chat agent's StatusSource.
type statusFunc func(ctx context.Context) any

func (f statusFunc) Status(ctx context.Context) any { return f(ctx) }

func main() {
	envFile := flag.String("env-file", ".env", "Path to the environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	slog.Info("Starting unsgate", "version", version.Full())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to PostgreSQL and apply migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Event store with byte-budget retention
	st, err := store.New(ctx, dbClient.DB(), cfg.StoreLimitBytes)
	if err != nil {
		slog.Error("Failed to initialize event store", "error", err)
		os.Exit(1)
	}
	retentionDone := st.StartRetention(ctx)

	// 4. Script sandbox (shared by the mapper and alert engines)
	runtime := sandbox.New(st, 0)

	// 5. Broadcast hub. The ingest fan-out below closes over the engines,
	// which do not exist yet; no message arrives before StartAll.
	source := &hubSource{store: st}
	h := hub.New(source)

	var (
		mapEngine   *mapper.Engine
		alertEngine *alerting.Engine
	)
	handler := func(ev models.Event) {
		if err := st.Append(ctx, &ev); err != nil {
			slog.Error("Failed to persist event",
				"broker_id", ev.BrokerID, "topic", ev.Topic, "error", err)
		}
		h.BroadcastEvent(ev)
		if mapEngine != nil {
			mapEngine.HandleEvent(ctx, ev)
		}
		if alertEngine != nil {
			alertEngine.HandleEvent(ctx, ev)
		}
	}

	// 6. Broker pool
	pool, err := broker.NewPool(cfg.Brokers, handler)
	if err != nil {
		slog.Error("Failed to build broker pool", "error", err)
		os.Exit(1)
	}

	// 7. Mapper engine
	mapEngine = mapper.New(st, pool, runtime, h, cfg.MapperMaxHops, cfg.MaxSavedMapperVersions)
	if err := mapEngine.Start(ctx); err != nil {
		slog.Error("Failed to start mapper engine", "error", err)
		os.Exit(1)
	}
	source.mapper = mapEngine

	// 8. LLM client (optional) and alert engine
	var llmClient *llm.Client
	var analyzer alerting.Analyzer
	if cfg.LLMEnabled() {
		llmClient = llm.NewClient(cfg.LLM)
		analyzer = llmClient
		slog.Info("LLM client initialized", "base_url", cfg.LLM.BaseURL, "model", cfg.LLM.Model)
	} else {
		slog.Info("No LLM configured; chat and alert enrichment disabled")
	}

	alertEngine = alerting.New(st, runtime, h, analyzer, 0)
	if err := alertEngine.Start(ctx); err != nil {
		slog.Error("Failed to start alert engine", "error", err)
		os.Exit(1)
	}

	// 9. Chat agent. The status tool reads through the API server, which is
	// built right after; no chat turn runs before the server serves.
	var srv *api.Server
	var agent *chat.Agent
	if llmClient != nil {
		tools := chat.Catalogue(cfg.Tools, chat.Deps{
			Store:     st,
			Publisher: pool,
			Mapper:    mapEngine,
			Sandbox:   runtime,
			Status:    statusFunc(func(ctx context.Context) any { return srv.Status(ctx) }),
		})
		agent = chat.New(llmClient, st, tools, h, chat.DefaultMaxSteps)
		slog.Info("Chat agent initialized", "tools", len(tools))
	}

	// 10. HTTP API
	deps := api.Deps{
		Events:   st,
		Alerts:   st,
		Rules:    alertEngine,
		Mapper:   mapEngine,
		Brokers:  pool,
		Sessions: st,
		Users:    st,
		Hub:      h,
		Health: func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.DB())
			return err
		},
	}
	if agent != nil {
		deps.Chat = agent
	}
	srv = api.NewServer(cfg, deps)

	// 11. Open the broker connections; ingest starts flowing
	pool.StartAll(ctx)

	// 12. Periodic store status: gauges plus the hub heartbeat
	go func() {
		ticker := time.NewTicker(dbStatusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			snap := st.Stats()
			metrics.StoreBytes.Set(float64(snap.Bytes))
			if snap.PruningActive {
				metrics.StorePruning.Set(1)
			} else {
				metrics.StorePruning.Set(0)
			}
			h.Broadcast(hub.MsgDBStatus, storeStats(st))
		}
	}()

	// 13. Serve HTTP
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr, "base_path", cfg.BasePath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("unsgate started", "brokers", len(cfg.Brokers))

	// 14. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 15. Graceful shutdown: stop accepting requests, stop ingest, then
	// drain alert side effects and the retention loop.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	pool.StopAll()
	alertEngine.Wait()

	cancel()
	select {
	case <-retentionDone:
	case <-time.After(shutdownTimeout):
		slog.Warn("Retention loop did not stop in time")
	}

	slog.Info("Shutdown complete")
}
