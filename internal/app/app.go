package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"WorkflowScanner/internal/config"
	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/infrastructure/httpserver"
	"WorkflowScanner/internal/infrastructure/lock"
	"WorkflowScanner/internal/infrastructure/messaging"
	"WorkflowScanner/internal/infrastructure/scheduler"
	"WorkflowScanner/internal/infrastructure/sources"
	"WorkflowScanner/internal/infrastructure/storage"
	"WorkflowScanner/internal/infrastructure/telegram"
	"WorkflowScanner/internal/logging"
	"WorkflowScanner/internal/metrics"
	"WorkflowScanner/internal/ports"
	"WorkflowScanner/internal/source"
	"WorkflowScanner/internal/usecase"
)

const (
	shutdownTimeout    = 30 * time.Second
	defaultHTTPTimeout = 20 * time.Second
)

type workflowStore interface {
	ports.WorkflowRepository
	ports.CountryMappingRepository
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	scraper   *usecase.Scraper
	worker    *usecase.Worker
	scheduler *usecase.Scheduler
	ops       *http.Server
	checks    map[string]httpserver.Check
	closers   []func() error
}

// New builds the application from configuration. Connections opened here are
// released by Close, also when New itself fails.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (_ *Application, err error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	a := &Application{
		cfg:      cfg,
		logger:   baseLogger.With("component", "app"),
		registry: prometheus.NewRegistry(),
		checks:   map[string]httpserver.Check{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	chain, err := buildChain(cfg, baseLogger)
	if err != nil {
		return nil, err
	}

	store, err := a.buildStorage(ctx, baseLogger)
	if err != nil {
		return nil, err
	}

	locker, err := a.buildLocker(ctx, baseLogger)
	if err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(baseLogger)
	if err != nil {
		return nil, err
	}

	a.scraper = usecase.NewScraper(usecase.ScraperDeps{
		Chain:      chain,
		Repository: store,
		Mappings:   store,
		Locker:     locker,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     baseLogger.With("component", "scraper"),
	})

	a.worker = usecase.NewWorker(usecase.WorkerDeps{
		Scraper:        a.scraper,
		VisaTypes:      store,
		Countries:      cfg.Scheduler.Countries,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		RatePerSecond:  cfg.Scheduler.RatePerSecond,
		Burst:          cfg.Scheduler.Burst,
		Metrics:        m,
		Logger:         baseLogger.With("component", "worker"),
	})

	driver := scheduler.NewIntervalScheduler(cfg.Scheduler.Interval, baseLogger.With("component", "scheduler"))
	a.scheduler = usecase.NewScheduler(driver, a.worker)

	if cfg.Ops.Addr != "" {
		a.ops = httpserver.New(cfg.Ops.Addr, a.Handler())
	}

	a.logger.Info("application configured",
		"storage", cfg.Storage.Driver,
		"lock", cfg.Lock.Driver,
		"sources", chain.Order(),
		"interval", driver.Interval(),
		"max_concurrency", cfg.Scheduler.MaxConcurrency,
		"publishers", publisher != nil,
	)
	return a, nil
}

// Handler exposes the operational endpoints.
func (a *Application) Handler() http.Handler {
	return httpserver.NewRouter(a.registry, a.checks)
}

// Run serves the ops endpoints and runs scheduled cycles until ctx is done,
// then waits for the in-flight cycle to stop.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.ops != nil {
		g.Go(func() error {
			a.logger.Info("ops server listening", "addr", a.ops.Addr)
			if err := a.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	if err := a.scheduler.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		if a.ops != nil {
			if err := a.ops.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop ops server: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// RunCycle executes a single scrape cycle outside the schedule.
func (a *Application) RunCycle(ctx context.Context) (usecase.CycleReport, error) {
	return a.worker.RunCycle(ctx)
}

// Scrape runs one manual scrape for a pair.
func (a *Application) Scrape(ctx context.Context, visaTypeCode, countryCode string) domain.ScrapeResult {
	return a.scraper.ScrapeAndProcess(ctx, visaTypeCode, countryCode)
}

// Close releases connections in reverse order of creation.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildChain(cfg config.Config, logger *slog.Logger) (*source.Chain, error) {
	registry := source.NewRegistry()

	for _, sc := range cfg.Sources {
		log := logger.With("component", "source", "source", sc.Name)

		switch sc.Kind {
		case config.SourceKindFixture, "":
			data, err := sources.LoadFixtureFile(sc.FixturePath)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
			registry.Register(sources.NewFixtureSource(sc.Name, data, sc.UnavailableCountries))
		case config.SourceKindHTTP:
			timeout := sc.TimeoutDuration()
			if timeout <= 0 {
				timeout = defaultHTTPTimeout
			}
			client := &http.Client{
				Timeout:   timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}
			registry.Register(sources.NewHTTPSource(sources.HTTPSourceConfig{
				Name:          sc.Name,
				BaseURL:       sc.BaseURL,
				Timeout:       timeout,
				RatePerSecond: sc.RatePerSecond,
				Burst:         sc.Burst,
			}, client, log))
		default:
			return nil, fmt.Errorf("source %s: unknown kind %q", sc.Name, sc.Kind)
		}
	}

	for _, name := range cfg.FallbackChain {
		if _, err := registry.Resolve(name); err != nil {
			return nil, fmt.Errorf("fallback chain: %w", err)
		}
	}

	return source.NewChain(registry, cfg.FallbackChain, logger.With("component", "chain")), nil
}

func (a *Application) buildStorage(ctx context.Context, logger *slog.Logger) (workflowStore, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverMemory, "":
		repo := storage.NewMemoryRepository()
		for _, vt := range a.cfg.VisaTypes {
			repo.AddVisaType(vt.Code, vt.Name, vt.IsActive())
		}
		for _, m := range a.cfg.CountryMappings {
			repo.AddCountryMapping(countryMapping(m))
		}
		logger.Warn("using in-memory storage; versions are lost on restart")
		return repo, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", a.cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := storage.EnsureSchema(ctx, db); err != nil {
			return nil, err
		}

		repo := storage.NewPostgresRepository(db)
		for _, vt := range a.cfg.VisaTypes {
			if _, err := repo.UpsertVisaType(ctx, domain.VisaType{Code: vt.Code, Name: vt.Name, Active: vt.IsActive()}); err != nil {
				return nil, fmt.Errorf("seed visa type %s: %w", vt.Code, err)
			}
		}
		for _, m := range a.cfg.CountryMappings {
			if err := repo.UpsertCountryMapping(ctx, countryMapping(m)); err != nil {
				return nil, fmt.Errorf("seed country mapping %s/%s: %w", m.Service, m.FromCountry, err)
			}
		}

		a.checks["postgres"] = db.PingContext
		return repo, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
}

func (a *Application) buildLocker(ctx context.Context, logger *slog.Logger) (ports.PairLocker, error) {
	switch a.cfg.Lock.Driver {
	case config.DriverMemory, "":
		return lock.NewKeyedLocker(), nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(a.cfg.Lock.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}

		a.checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		return lock.NewRedisLocker(client,
			lock.WithTTL(a.cfg.Lock.TTLDuration()),
			lock.WithLogger(logger.With("component", "lock")),
		), nil

	default:
		return nil, fmt.Errorf("unknown lock driver %q", a.cfg.Lock.Driver)
	}
}

func (a *Application) buildPublisher(logger *slog.Logger) (ports.DraftPublisher, error) {
	var publishers usecase.Publishers

	if a.cfg.Messaging.NatsURL != "" {
		log := logger.With("component", "publisher")
		nc, err := messaging.Connect(a.cfg.Messaging.NatsURL, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Drain)

		a.checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
		publishers = append(publishers, messaging.NewNATSPublisher(nc, a.cfg.Messaging.Subject, log))
	}

	if tg := a.cfg.Notifications.Telegram; tg.Enabled() {
		publishers = append(publishers, telegram.NewNotifier(tg.BotToken, tg.ChatID))
	}

	switch len(publishers) {
	case 0:
		return nil, nil
	case 1:
		return publishers[0], nil
	default:
		return publishers, nil
	}
}

func countryMapping(m config.CountryMappingConfig) domain.CountryServiceMapping {
	return domain.CountryServiceMapping{
		Service:     m.Service,
		FromCountry: m.FromCountry,
		ToCountry:   m.ToCountry,
		Notes:       m.Notes,
	}
}
