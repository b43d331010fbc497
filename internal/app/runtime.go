package app

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"pveassist/internal/config"
	"pveassist/internal/db"
	"pveassist/internal/eventqueue"
	"pveassist/internal/events"
	"pveassist/internal/llm"
	"pveassist/internal/notify"
	"pveassist/internal/orchestrator"
	"pveassist/internal/repo"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	// Generator overrides the backend selected from config.
	Generator llm.Generator
	Now       func() time.Time
	// QueueOptions are appended after the config timings.
	QueueOptions []eventqueue.Option
}

// Runtime bundles the long-lived components of one workspace.
type Runtime struct {
	Config       *config.Config
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Orchestrator *orchestrator.Orchestrator
	Queues       *eventqueue.Manager
	Dispatcher   *notify.Dispatcher
	Logger       *zap.Logger
	Now          func() time.Time
}

// Open opens and migrates the workspace database and wires the turn pipeline
// and the architect notification path.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = ResolveConfig(opts.Workspace, ""); err != nil {
			return nil, err
		}
	}
	gen := opts.Generator
	if gen == nil {
		var err error
		if gen, err = NewGenerator(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	conn, err := db.OpenMigrated(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: now}

	queueOpts := append([]eventqueue.Option{
		eventqueue.WithTimings(cfg.Queue),
		eventqueue.WithLogger(logger.Named("queue")),
	}, opts.QueueOptions...)

	return &Runtime{
		Config:       cfg,
		DB:           conn,
		Repo:         r,
		Events:       w,
		Orchestrator: orchestrator.New(cfg, gen, repo.Retriever{Repo: r}, logger.Named("turn")),
		Queues:       eventqueue.NewManager(notify.LogFlush(w), queueOpts...),
		Dispatcher:   notify.NewDispatcher(r, cfg.Webhooks, logger.Named("webhook")),
		Logger:       logger,
		Now:          now,
	}, nil
}

// Close stops the queues before closing the database they flush into.
func (rt *Runtime) Close() error {
	rt.Queues.Close()
	return rt.DB.Close()
}
