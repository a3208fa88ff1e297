package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"lessonflow/internal/batch"
	"lessonflow/internal/config"
	"lessonflow/internal/engine"
	"lessonflow/internal/failure"
	"lessonflow/internal/handlers"
	"lessonflow/internal/metrics"
	"lessonflow/internal/notify"
	"lessonflow/internal/preset"
	"lessonflow/internal/storage"
	"lessonflow/internal/worker"
)

// app holds the components shared by commands.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *storage.DB
	resolver   *preset.Resolver
	coord      *batch.Coordinator
	jobs       *storage.JobRepository
	logs       *storage.ProcessingLogRepository
	lessons    *storage.LessonRepository
	classifier *failure.Classifier
	notes      notify.Notifier
	closers    []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := preset.Load(cfg.PresetFile)
	if err != nil {
		return nil, err
	}

	db, err := cfg.OpenDB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		resolver:   preset.NewResolver(store, cfg.DefaultPresets()),
		jobs:       storage.NewJobRepository(db),
		logs:       storage.NewProcessingLogRepository(db),
		lessons:    storage.NewLessonRepository(db),
		classifier: failure.NewClassifier(nil),
		closers:    []func() error{db.Close},
	}
	if a.notes, err = a.notifier(ctx); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.coord = batch.NewCoordinator(db,
		batch.WithResolver(a.resolver),
		batch.WithQueue(cfg.QueueName),
		batch.WithWorkRoot(cfg.WorkRoot()),
		batch.WithNotifier(a.notes),
		batch.WithLogger(logger),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// notifier fans status updates out to the lesson record, the log and, when
// configured, Redis.
func (a *app) notifier(ctx context.Context) (notify.Notifier, error) {
	n := notify.Multi{
		notify.NewLessonNotifier(a.lessons),
		notify.NewLogNotifier(a.logger),
	}
	if a.cfg.RedisAddr == "" {
		return n, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, rdb.Close)

	rn := notify.NewRedisNotifier(rdb, a.cfg.RedisChannel)
	a.logger.Info("publishing status updates", "redis", a.cfg.RedisAddr, "channel", rn.Channel())
	return append(n, rn), nil
}

func (a *app) engine(observer engine.Observer) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithInspector(engine.FFprobe{Path: a.cfg.FFprobePath}),
		engine.WithObserver(observer),
		engine.WithLogger(a.logger),
	}
	if a.cfg.GlossaryPath != "" {
		g, err := engine.LoadGlossary(a.cfg.GlossaryPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithGlossary(g))
	}
	return engine.New(a.cfg.Engine(), opts...), nil
}

func (a *app) pool(collector *metrics.Collector) (*worker.Pool, error) {
	eng, err := a.engine(collector)
	if err != nil {
		return nil, err
	}
	return worker.New(a.cfg.Worker(), worker.Deps{
		DB:          a.db,
		Coordinator: a.coord,
		Resolver:    a.resolver,
		Runner:      eng,
		Classifier:  a.classifier,
		Notifier:    a.notes,
		Collector:   collector,
		Logger:      a.logger,
	}), nil
}

func (a *app) reporter() metrics.Reporter {
	return metrics.NewCached(
		metrics.NewAggregator(a.logs, a.classifier, a.cfg.CostPerHour),
		a.cfg.MetricsTTL,
		time.Now,
	)
}

func (a *app) api(collector *metrics.Collector) handlers.API {
	return handlers.API{
		DB:      a.db,
		Batches: handlers.NewBatchHandler(a.coord, a.cfg.DataDir),
		Lessons: handlers.NewLessonHandler(a.lessons, a.logs),
		Jobs:    handlers.NewJobHandler(a.jobs, a.classifier),
		Presets: handlers.NewPresetHandler(a.resolver),
		Metrics: handlers.NewMetricsHandler(a.reporter(), collector, time.Now),
	}
}
