// Package main is the entry point for swarmd, the swarm coordination
// daemon. One binary runs the store, the MCP tool server, the dashboard
// HTTP API, and the scheduler together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/swarmhq/swarm/internal/agent"
	"github.com/swarmhq/swarm/internal/channel"
	"github.com/swarmhq/swarm/internal/common/capability"
	"github.com/swarmhq/swarm/internal/common/config"
	"github.com/swarmhq/swarm/internal/common/logger"
	"github.com/swarmhq/swarm/internal/common/tracing"
	"github.com/swarmhq/swarm/internal/epic"
	"github.com/swarmhq/swarm/internal/eventlog"
	"github.com/swarmhq/swarm/internal/events/bus"
	"github.com/swarmhq/swarm/internal/httpapi"
	"github.com/swarmhq/swarm/internal/inbox"
	"github.com/swarmhq/swarm/internal/mcpserver"
	"github.com/swarmhq/swarm/internal/notify"
	"github.com/swarmhq/swarm/internal/schedule"
	"github.com/swarmhq/swarm/internal/services"
	"github.com/swarmhq/swarm/internal/store"
	"github.com/swarmhq/swarm/internal/task"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting swarmd...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "swarmd", version)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	db, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer func() { _ = db.Close() }()
	log.Info("Store initialized", zap.String("db_path", cfg.Database.Path))

	events := eventlog.NewPublisher(eventlog.New(), eventBus, log)

	agents := agent.NewService(db, agent.NewStore(), events, log)
	tasks := task.NewService(db, task.NewStore(), agents, events, log)
	channels := channel.NewService(db, channel.NewStore(), agents, tasks, events, log)
	registry := services.NewRegistry(db, services.NewStore(), agents, events, log)
	schedules := schedule.NewService(db, schedule.NewStore(), tasks, agents, events, log)
	epics := epic.NewService(db, epic.NewStore(), agents, tasks, events, log)
	inboxSvc := inbox.NewService(db, inbox.NewStore(), agents, tasks, channels, events, log)

	if notifier := notify.NewSlackNotifier(cfg.Slack.Token, log); notifier != nil {
		tasks.SetNotifier(notifier)
		log.Info("Slack outcome notifier enabled")
	}

	caps := capability.Parse(cfg.Capabilities)
	log.Info("Capability groups enabled", zap.Strings("capabilities", caps.Names()))

	scheduler := schedule.NewScheduler(schedules, cfg.Scheduler.TickIntervalDuration(), log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Deps{
			DB:        db,
			Agents:    agents,
			Tasks:     tasks,
			Channels:  channels,
			Services:  registry,
			Schedules: schedules,
			Epics:     epics,
			Inbox:     inboxSvc,
			Events:    events.Log(),
			Caps:      caps,
		}, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	httpSrv := httpapi.New(httpapi.Config{
		Port:    cfg.Server.Port,
		APIKey:  cfg.Auth.APIKey,
		Version: version,
	}, httpapi.Deps{
		DB:        db,
		Agents:    agents,
		Tasks:     tasks,
		Channels:  channels,
		Services:  registry,
		Schedules: schedules,
		Epics:     epics,
		Inbox:     inboxSvc,
		Events:    events.Log(),
		Bus:       eventBus,
	}, log)
	if err := httpSrv.Start(ctx); err != nil {
		log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	log.Info("swarmd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down swarmd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Stop(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	log.Info("swarmd stopped")
}
