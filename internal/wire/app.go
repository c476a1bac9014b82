package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/agent-coordinator/internal/adapter/inbox"
	"github.com/alanyang/agent-coordinator/internal/adapter/local"
	"github.com/alanyang/agent-coordinator/internal/adapter/memory"
	"github.com/alanyang/agent-coordinator/internal/adapter/metrics"
	natsbus "github.com/alanyang/agent-coordinator/internal/adapter/nats"
	pgdb "github.com/alanyang/agent-coordinator/internal/adapter/postgres"
	pgeventbus "github.com/alanyang/agent-coordinator/internal/adapter/postgres/eventbus"
	redisbus "github.com/alanyang/agent-coordinator/internal/adapter/redis"
	"github.com/alanyang/agent-coordinator/internal/config"
	domainagent "github.com/alanyang/agent-coordinator/internal/domain/agent"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/orchestrator"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
	"github.com/alanyang/agent-coordinator/internal/service/router"
	"github.com/alanyang/agent-coordinator/internal/service/stats"
	"github.com/alanyang/agent-coordinator/internal/transport"
	mcptransport "github.com/alanyang/agent-coordinator/internal/transport/mcp"
)

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Server      *http.Server
	Bus         porteventbus.EventBus
	Pool        *pgxpool.Pool
	Registry    *registry.Service
	Router      *router.Service
	Coordinator *coordinator.Service
	Scheduler   *coordinator.Scheduler
	Dispatcher  *local.Dispatcher
	MCPServer   *mcptransport.Server

	hubSubs []porteventbus.Subscription
}

// Build is the composition root: the only place concrete types are wired to their
// interface dependencies.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	// ── Event bus ────────────────────────────────────────────────────────────
	app.Bus, app.Pool, err = connectBus(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// ── Services ─────────────────────────────────────────────────────────────
	counters := &stats.Counters{}

	app.Registry = registry.NewService(
		coordinator.NewBusNotifier(app.Bus),
		counters,
		registry.WithBreakerConfig(cfg.Breaker),
		registry.WithHealthThresholds(cfg.Registry.Thresholds()),
		registry.WithEvictionGrace(cfg.Registry.EvictionGrace),
	)

	// Delivery tries in-process agents, then MCP sessions, then the bus inbox.
	app.Dispatcher = local.NewDispatcher(nil)
	sessions := mcptransport.NewSessionRegistry()
	chain := inbox.NewChain(app.Dispatcher, sessions, inbox.NewBus(app.Bus))

	app.Router = router.NewService(app.Registry, chain, counters)
	app.Dispatcher.SetSink(app.Router)

	orch := orchestrator.NewService(app.Router, app.Registry, cfg.Orchestrator)

	app.Coordinator = coordinator.NewService(
		app.Bus,
		app.Registry,
		app.Router,
		orch,
		chain,
		counters,
		memory.NewCache(cfg.Dedupe.TTL),
	)
	app.Coordinator.HostLocal(app.Dispatcher)

	if err := registerLocalAgents(ctx, app.Registry, app.Dispatcher, cfg.LocalAgents); err != nil {
		return nil, err
	}

	// ── Transport ────────────────────────────────────────────────────────────
	app.MCPServer = mcptransport.New(sessions, app.Registry, app.Router, orch, app.Coordinator)
	m := metrics.New(counters, app.Coordinator.Gauges)

	engine, subs, err := transport.NewRouter(ctx, transport.Deps{
		Registry:     app.Registry,
		Router:       app.Router,
		Orchestrator: orch,
		Coordinator:  app.Coordinator,
		Bus:          app.Bus,
		Metrics:      m,
		MCP:          app.MCPServer.Handler(),
	})
	if err != nil {
		return nil, err
	}
	app.hubSubs = subs

	app.Server = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: engine,
	}

	// ── Background work ──────────────────────────────────────────────────────
	if err := app.Coordinator.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting coordinator: %w", err)
	}
	app.Scheduler = coordinator.NewScheduler(slog.Default())
	if err := app.Coordinator.ScheduleJobs(app.Scheduler, cfg.Schedule); err != nil {
		return nil, fmt.Errorf("scheduling jobs: %w", err)
	}
	app.Scheduler.Start(ctx)

	slog.Info("application wired",
		"port", cfg.Server.Port,
		"bus", cfg.Bus.Driver,
		"local_agents", len(cfg.LocalAgents),
	)
	return app, nil
}

func connectBus(ctx context.Context, cfg *config.Config) (porteventbus.EventBus, *pgxpool.Pool, error) {
	switch cfg.Bus.Driver {
	case config.BusNATS:
		b, err := natsbus.Connect(cfg.Bus.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return b, nil, nil
	case config.BusRedis:
		b, err := redisbus.Connect(ctx, cfg.Bus.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return b, nil, nil
	case config.BusPostgres:
		pool, err := pgdb.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		return pgeventbus.New(pool), pool, nil
	default:
		return memory.NewBus(cfg.Bus.BufferSize), nil, nil
	}
}

// registerLocalAgents puts the configured in-process scoring agents in the
// registry and behind the local dispatcher.
func registerLocalAgents(ctx context.Context, reg *registry.Service, d *local.Dispatcher, agents []config.LocalAgentConfig) error {
	for _, a := range agents {
		p := domainagent.New(a.ID, a.Type, a.Capabilities)
		p.Endpoint = "local:" + a.ID
		if _, err := reg.Register(ctx, p); err != nil {
			return fmt.Errorf("registering local agent %s: %w", a.ID, err)
		}
		d.Register(a.ID, local.NewScoringAgent(a.ID, local.StaticScorer(a.Scores)))
	}
	return nil
}

// Close stops background work and releases connections. The HTTP server is
// shut down separately by the caller. Safe on a partially built App.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	for _, s := range a.hubSubs {
		s.Unsubscribe()
	}
	if a.Coordinator != nil {
		a.Coordinator.Stop()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}

	var errs []error
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bus: %w", err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}
