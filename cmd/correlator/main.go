// Correlator merges the poll and push alert feeds into live cases and
// serves them to operators.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleet-monitor/correlation/internal/auth"
	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/config"
	"fleet-monitor/correlation/internal/geofence"
	"fleet-monitor/correlation/internal/ingest"
	"fleet-monitor/correlation/internal/normalize"
	"fleet-monitor/correlation/internal/pipeline"
	"fleet-monitor/correlation/internal/store"
	httptransport "fleet-monitor/correlation/internal/transport/http"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Info("no .env file found, using system environment variables")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("correlator stopped", zap.Error(err))
	}
	logger.Info("correlator stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()

	// Both backing stores are optional unless geofences come from Postgres;
	// without them cases live in memory only.
	db, err := store.NewPostgresStore(connectCtx, cfg)
	if err != nil {
		if cfg.GeofenceSource == "postgres" {
			return fmt.Errorf("geofence source: %w", err)
		}
		logger.Warn("postgres unavailable, escalation journal and case closure disabled", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	redisStore, err := store.NewRedisStore(connectCtx, cfg)
	if err != nil {
		logger.Warn("redis unavailable, case state mirror disabled", zap.Error(err))
		redisStore = nil
	} else {
		defer redisStore.Close()
	}

	// Geofences
	strategy, err := geofence.ParseStrategy(cfg.RouteStrategy)
	if err != nil {
		return err
	}
	var cache *geofence.Cache
	switch cfg.GeofenceSource {
	case "postgres":
		cache = geofence.NewCache(db, db, logger.Named("geofence"))
	default:
		src := geofence.NewHTTPSource(cfg.GeofencePolygonsURL, cfg.GeofenceRoutesURL, cfg.PushAPIKey)
		cache = geofence.NewCache(src, src, logger.Named("geofence"))
	}
	matcher := geofence.NewMatcher(cache, logger.Named("geofence"))
	enricher := geofence.NewEnricher(matcher, geofence.AlertPolicy(cfg.RouteAlertRadiusM, strategy), logger.Named("enrich"))

	// Case events
	hub := httptransport.NewHub(logger.Named("hub"))
	sinks := cases.FanOut{hub}
	var dispatcher *pipeline.Dispatcher
	if db != nil || redisStore != nil {
		dispatcher = pipeline.NewDispatcher(cfg.JournalChannelSize, cfg.StateChannelSize, cfg.StateWriterWorkers)
		sinks = append(sinks, dispatcher)
	}

	caseStore := cases.NewStore(cfg.Location(),
		cases.WithSink(sinks),
		cases.WithLogger(logger.Named("cases")),
	)

	scheduler := ingest.NewScheduler(normalize.New(cfg.Location(), logger.Named("normalize")), enricher, caseStore, ingest.Options{
		BatchSize: cfg.LoadBatchSize,
		Reporter:  progressLogger{logger.Named("snapshot")},
		Logger:    logger.Named("ingest"),
	})

	// Operator API
	var closer httptransport.Closer
	pingers := map[string]httptransport.Pinger{}
	if db != nil {
		closer = db
		pingers["postgres"] = db
	}
	var lookup auth.KeyLookup
	if redisStore != nil {
		lookup = redisStore
		pingers["redis"] = redisStore
	}
	authenticator := auth.NewAuthenticator(cfg, lookup, logger.Named("auth"))
	api := httptransport.NewServer(caseStore, httptransport.ServerOptions{
		Matcher:  matcher,
		Tracking: geofence.TrackingPolicy(cfg.RouteTrackingRadiusM, strategy),
		Closer:   closer,
		Hub:      hub,
		Auth:     httptransport.NewAuthMiddleware(authenticator),
		Pingers:  pingers,
		Logger:   logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := cache.EnsureLoaded(gctx); err != nil {
			// Enrichment retries on the next alert with a position.
			logger.Warn("initial geofence load failed", zap.Error(err))
		}
		return nil
	})

	if dispatcher != nil {
		if db != nil {
			for i := 0; i < cfg.JournalWriterWorkers; i++ {
				w := pipeline.NewJournalWriter(dispatcher.JournalChan, db, cfg.JournalBatchSize, cfg.JournalFlushIntervalMS, logger.Named("journal"))
				g.Go(func() error {
					w.Run(gctx)
					return nil
				})
			}
		}
		if redisStore != nil {
			for _, ch := range dispatcher.StateChans {
				w := pipeline.NewStateWriter(ch, redisStore, logger.Named("state"))
				g.Go(func() error {
					w.Run(gctx)
					return nil
				})
			}
		}
	}

	poller := ingest.NewPoller(cfg.PollURL, cfg.PushAPIKey, cfg.PollSchedule, scheduler, logger.Named("poll"))
	g.Go(func() error {
		return poller.Run(gctx)
	})

	if cfg.PushURL != "" {
		push := ingest.NewPushClient(cfg.PushURL, cfg.PushAPIKey, scheduler, logger.Named("push"))
		g.Go(func() error {
			if err := push.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-scheduler.Ready():
			logger.Info("initial snapshot merged", zap.Int("cases", caseStore.Len()))
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("operator API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type progressLogger struct {
	logger *zap.Logger
}

func (p progressLogger) Progress(processed, total int) {
	p.logger.Debug("snapshot progress", zap.Int("processed", processed), zap.Int("total", total))
}

func (p progressLogger) Complete(total int) {
	p.logger.Info("initial snapshot complete", zap.Int("alerts", total))
}
