// Package hub is the composition root: it opens the stores, wires every
// subsystem together, and runs the background tasks under one errgroup.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemesh/hivehub/internal/admin"
	"github.com/hivemesh/hivehub/internal/agents"
	"github.com/hivemesh/hivehub/internal/auth"
	"github.com/hivemesh/hivehub/internal/backup"
	"github.com/hivemesh/hivehub/internal/bridge"
	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store"
	"github.com/hivemesh/hivehub/internal/store/kv"
	"github.com/hivemesh/hivehub/internal/store/pg"
	"github.com/hivemesh/hivehub/internal/store/sqlite"
	"github.com/hivemesh/hivehub/internal/telemetry"
	"github.com/hivemesh/hivehub/internal/tickets"
	"github.com/hivemesh/hivehub/internal/tools"
	"github.com/hivemesh/hivehub/internal/transport"
)

// shutdownFlushTimeout bounds the final telemetry flush.
const shutdownFlushTimeout = 5 * time.Second

// Hub owns every subsystem of one hivehub process.
type Hub struct {
	Cfg     *config.Config
	Version string

	Bus        *bus.Bus
	Memories   *memory.Store
	Agents     *agents.Registry
	Broadcasts *agents.Broadcasts
	Tools      *tools.Registry
	Dispatcher *tools.Dispatcher
	Bridges    *bridge.Manager
	Backups    *backup.Engine
	Tickets    *tickets.Coordinator
	Auth       *auth.Authenticator
	Server     *transport.Server

	Stores   *store.Stores
	Counters *kv.Counters

	stopTelemetry func(context.Context) error
}

// New wires a hub from config. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, version string) (*Hub, error) {
	h := &Hub{Cfg: cfg, Version: version, Bus: bus.New()}

	stores, err := openStores(cfg.Database)
	if err != nil {
		return nil, err
	}
	h.Stores = stores

	if cfg.Redis.Addr != "" {
		h.Counters = kv.Open(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	}

	h.Memories = memory.NewStore(newEmbedder(cfg.Memory),
		memory.WithEvents(h.Bus),
		memory.WithDedupWindow(cfg.Memory.DedupWindow()),
	)

	h.Agents = agents.NewRegistry(stores.Agents, h.Memories, cfg.Agents.LivenessWindow())
	if err := h.Agents.Load(ctx); err != nil {
		slog.Warn("hub.agents.load_failed", "error", err)
	}
	h.Broadcasts = agents.NewBroadcasts(h.Bus, h.Memories, cfg.Agents.BroadcastReplay)

	h.Tools = tools.NewRegistry()
	h.Dispatcher = tools.NewDispatcher(h.Tools, cfg.Hub.ToolTimeout(), cfg.Memory.OutputLimitChars)

	h.Bridges = bridge.NewManager(h.Tools, h.Bus, cfg.Bridges.MaxInFlight)
	h.Backups = backup.NewEngine(stores.Backup, h.Memories, h.Bus, cfg.Backup, cfg.Hub.MachineID)
	h.Tickets = tickets.NewCoordinator(newBoard(cfg.Tickets), h.Memories, cfg.Hub.MachineID)
	h.Auth = auth.New(cfg.Auth)

	h.Server = transport.NewServer(cfg, h.Tools, h.Dispatcher, h.Agents, h.Broadcasts, h.Bus)
	h.Server.HealthFunc = h.healthSnapshot
	h.Server.Counters = h.Counters

	adminAPI := &admin.API{
		Auth:     h.Auth,
		Agents:   h.Agents,
		Memories: h.Memories,
		Bridges:  h.Bridges,
		Tickets:  h.Tickets,
		Backups:  h.Backups,
	}
	h.Server.BuildMux().Handle("/admin/api/", adminAPI.Router())

	stopTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		stores.Close()
		return nil, err
	}
	h.stopTelemetry = stopTelemetry

	return h, nil
}

// Run starts the bridges and background tasks and serves until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.Bridges.Start(ctx, h.Cfg.Bridges.Servers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Server.Start(ctx) })
	g.Go(func() error {
		h.Backups.RunScheduler(ctx, h.Cfg.Backup.SchedulerTick())
		return nil
	})
	if len(h.Cfg.Bridges.DiscoveryDirs) > 0 {
		g.Go(func() error {
			if err := h.Bridges.Watch(ctx, h.Cfg.Bridges.DiscoveryDirs); err != nil {
				slog.Warn("hub.bridge_watch_failed", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	h.Close()
	return err
}

// Close tears down everything New opened. Safe after a failed Run.
func (h *Hub) Close() {
	h.Bridges.Stop()
	if h.Counters != nil {
		h.Counters.Close()
	}
	if h.Stores != nil && h.Stores.Close != nil {
		if err := h.Stores.Close(); err != nil {
			slog.Warn("hub.store_close_failed", "error", err)
		}
	}
	if h.stopTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		defer cancel()
		h.stopTelemetry(ctx)
	}
}

func (h *Hub) healthSnapshot() interface{} {
	status := "ok"
	if !h.Memories.Healthy() {
		status = "degraded"
	}
	if h.Stores != nil && h.Stores.Ping != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.Stores.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	return map[string]interface{}{
		"status":      status,
		"version":     h.Version,
		"machine_id":  h.Cfg.Hub.MachineID,
		"ssl_enabled": h.Cfg.Security.TLS.Enabled,
	}
}

// openStores selects the relational backend by driver.
func openStores(cfg config.DatabaseConfig) (*store.Stores, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("database.driver is postgres but HIVEHUB_POSTGRES_DSN is not set")
		}
		return pg.NewStores(cfg.PostgresDSN)
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "~/.hivehub/hivehub.db"
		}
		return sqlite.NewStores(config.ExpandHome(path))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// newEmbedder picks the embedding backend: remote when configured, the
// deterministic local hash otherwise.
func newEmbedder(cfg config.MemoryConfig) memory.Embedder {
	if cfg.EmbedderURL != "" {
		return memory.NewHTTPEmbedder(cfg.EmbedderURL, cfg.EmbedderModel, cfg.EmbedderAPIKey, cfg.Dimension)
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 256
	}
	return memory.NewHashEmbedder(dim)
}

// newBoard selects the ticket backend: external when board_url is set,
// embedded otherwise.
func newBoard(cfg config.TicketsConfig) tickets.Board {
	if cfg.BoardURL != "" {
		return tickets.NewHTTPBoard(cfg)
	}
	return tickets.NewEmbeddedBoard()
}
