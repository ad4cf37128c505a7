// Package coordinator wires the coordinator daemon together: store,
// session layer, scheduler, worker transport, operator API, history
// database and the retention cron.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/database"
	"github.com/kestrelmedia/upscaled/internal/events"
	"github.com/kestrelmedia/upscaled/internal/frameio"
	"github.com/kestrelmedia/upscaled/internal/httpapi"
	"github.com/kestrelmedia/upscaled/internal/metrics"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/repository"
	"github.com/kestrelmedia/upscaled/internal/scheduler"
	"github.com/kestrelmedia/upscaled/internal/session"
	"github.com/kestrelmedia/upscaled/internal/store"
	"github.com/kestrelmedia/upscaled/internal/transport"
)

// Coordinator is the assembled daemon.
type Coordinator struct {
	logger *slog.Logger
	cfg    *config.Config

	store     *store.Store
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
	transport *transport.Server
	api       *httpapi.Server
	db        *database.DB
	bus       *events.Bus
	cron      *cron.Cron
	metrics   *metrics.Metrics
}

// New builds a coordinator from configuration.
func New(logger *slog.Logger, cfg *config.Config, ver string) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.Storage.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating work dir: %v", models.ErrConfiguration, err)
	}

	bin, err := frameio.DiscoverBinaries(cfg.Media)
	if err != nil {
		return nil, err
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	historyRepo := repository.NewJobHistoryRepository(db.DB)

	sessions, err := session.NewManager(logger, cfg.Session)
	if err != nil {
		return nil, err
	}

	st := store.New(logger)
	bus := events.NewBus()
	m := metrics.NewDefault()
	sessions.SetActiveGauge(m.SessionsActive)

	batchCfg := models.DefaultBatchConfig()
	if cfg.Upscaler.Model != "" {
		batchCfg.Model = cfg.Upscaler.Model
	}
	if cfg.Upscaler.Scale > 0 {
		batchCfg.Scale = cfg.Upscaler.Scale
	}
	if cfg.Upscaler.TileSize > 0 {
		batchCfg.TileSize = cfg.Upscaler.TileSize
	}

	sched := scheduler.New(
		logger,
		cfg.Scheduler,
		cfg.Storage,
		st,
		frameio.NewExtractor(logger, bin),
		frameio.NewAssembler(logger, bin),
		bus,
		m,
		historyRepo,
		batchCfg,
	)

	ts := transport.NewServer(logger, cfg.Transport, sessions, st, sched, m, ver)
	sched.SetTransport(ts)

	api := httpapi.New(logger, cfg.Server, st, sched, sessions, historyRepo, bus, ver)

	// Second-granularity cron, matching the 6-field retention schedule.
	c := cron.New(cron.WithSeconds())
	if cfg.Scheduler.RetentionCron != "" {
		if _, err := c.AddFunc(cfg.Scheduler.RetentionCron, sched.PurgeExpired); err != nil {
			return nil, fmt.Errorf("%w: invalid retention cron %q: %v", models.ErrConfiguration, cfg.Scheduler.RetentionCron, err)
		}
	}

	return &Coordinator{
		logger:    logger,
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		scheduler: sched,
		transport: ts,
		api:       api,
		db:        db,
		bus:       bus,
		cron:      c,
		metrics:   m,
	}, nil
}

// Run starts all components and blocks until the context ends, then
// shuts down gracefully.
func (c *Coordinator) Run(ctx context.Context) error {
	c.sessions.StartSweeper(ctx)
	c.scheduler.Start(ctx)
	c.cron.Start()

	errCh := make(chan error, 2)
	go func() { errCh <- c.transport.Start(ctx) }()
	go func() { errCh <- c.api.Start(ctx) }()

	c.logger.Info("coordinator started",
		slog.String("api", c.cfg.Server.Address()),
		slog.String("transport", c.cfg.Transport.Address()),
		slog.String("work_dir", c.cfg.Storage.WorkDir),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()

	cronCtx := c.cron.Stop()
	if err := c.transport.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("transport shutdown", slog.String("error", err.Error()))
	}
	if err := c.api.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("api shutdown", slog.String("error", err.Error()))
	}
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
	}
	c.bus.Close()
	if err := c.db.Close(); err != nil {
		c.logger.Warn("closing history database", slog.String("error", err.Error()))
	}

	c.logger.Info("coordinator stopped")
	return runErr
}
