package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/studioclass/codesync/pkg/auth"
	"github.com/studioclass/codesync/pkg/config"
	"github.com/studioclass/codesync/pkg/document"
	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/metrics"
	"github.com/studioclass/codesync/pkg/room"
	"github.com/studioclass/codesync/pkg/session"
	"github.com/studioclass/codesync/pkg/snapshot"
)

// Engine owns every long-lived component of the sync server.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	Snapshots snapshot.Store
	Documents *document.Store
	Router    *room.Router
	Tokens    *auth.TokenRegistry
	Sessions  *session.Handler

	collector *metrics.Collector
}

// New builds an engine from configuration. The browser policy is injected by
// the platform; passing nil denies all browser peers, which is the right
// default for deployments that only run container agents and service tools.
func New(cfg *config.Config, policy auth.BrowserPolicy) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	snaps, err := snapshot.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	metrics.RegisterComponent("snapshot-store", true, "")

	docs := document.NewStore(snaps, nil, document.Options{
		IdleGrace:        cfg.IdleGrace.D(),
		SweepInterval:    cfg.SweepInterval.D(),
		FlushInterval:    cfg.FlushInterval.D(),
		FlushParallelism: cfg.FlushParallelism,
		FlushRetries:     cfg.FlushRetries,
		SnapshotTimeout:  cfg.SnapshotTimeout.D(),
	})

	router := room.NewRouter()

	tokens := auth.NewTokenRegistry()
	for i, t := range cfg.ServiceTokens {
		tokens.RegisterServiceToken(t, fmt.Sprintf("service-%d", i))
	}

	sessions := session.NewHandler(
		tokens,
		auth.NewScopeAuthorizer(policy),
		docs,
		router,
		snaps,
		session.Options{
			HandlerTimeout:    cfg.HandlerTimeout.D(),
			HeartbeatInterval: cfg.HeartbeatInterval.D(),
			OutboundQueueSize: cfg.OutboundQueueSize,
			InboundRate:       cfg.InboundRate,
			InboundBurst:      cfg.InboundBurst,
			MalformedLimit:    cfg.MalformedLimit,
			MaxFrameBytes:     cfg.MaxFrameBytes,
		},
	)

	e := &Engine{
		cfg:       cfg,
		logger:    log.WithComponent("engine"),
		Snapshots: snaps,
		Documents: docs,
		Router:    router,
		Tokens:    tokens,
		Sessions:  sessions,
	}
	e.collector = metrics.NewCollector(e, 15*time.Second)
	return e, nil
}

// Start launches the background loops: eviction sweeper, periodic flusher,
// and the metrics collector.
func (e *Engine) Start() {
	e.Documents.Start()
	e.collector.Start()
	metrics.RegisterComponent("document-store", true, "")
	e.logger.Info().Msg("Engine started")
}

// Shutdown stops intake, kicks remaining peers, and flushes every dirty
// document within the configured deadline. Flush failures are logged, never
// silently dropped; documents that could not be flushed stay in the bolt
// store's previous state and the failure is visible in the logs and metrics.
func (e *Engine) Shutdown() error {
	e.logger.Info().Msg("Engine shutting down")
	e.Documents.Stop()
	e.collector.Stop()
	e.Sessions.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout.D())
	defer cancel()
	if err := e.Documents.FlushAll(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Shutdown flush incomplete")
	}
	return e.Snapshots.Close()
}

// DocumentStats implements metrics.EngineStats.
func (e *Engine) DocumentStats() (live, dirty int) {
	return e.Documents.Stats()
}

// SubscriptionStats implements metrics.EngineStats.
func (e *Engine) SubscriptionStats() int {
	_, subs := e.Router.Stats()
	return subs
}

// ConnectionStats implements metrics.EngineStats.
func (e *Engine) ConnectionStats() map[string]int {
	return e.Sessions.ConnectionStats()
}
