// Package app builds the pipeline's long-lived services from configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/api"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector"
	apicollector "github.com/JakeFAU/realtime-cpi-pipeline/internal/collector/api"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector/ratelimit"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/collector/scrape"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/config"
	dlmemory "github.com/JakeFAU/realtime-cpi-pipeline/internal/deadletter/memory"
	dlpostgres "github.com/JakeFAU/realtime-cpi-pipeline/internal/deadletter/postgres"
	dlpubsub "github.com/JakeFAU/realtime-cpi-pipeline/internal/deadletter/pubsub"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/orchestrator"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/queue/amqp"
	queuememory "github.com/JakeFAU/realtime-cpi-pipeline/internal/queue/memory"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/retry"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/gcs"
	storagememory "github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/memory"
	storagemongo "github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/mongo"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/opensearch"
	storagepg "github.com/JakeFAU/realtime-cpi-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-pipeline/internal/validation"
)

const shutdownTimeout = 10 * time.Second

// App holds every service the run command drives.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	queue        pipeline.Queue
	stores       []pipeline.Storage
	deadLetter   pipeline.DeadLetterSink
	orchestrator *orchestrator.Orchestrator
	server       *api.Server

	pool    *pgxpool.Pool
	checks  map[string]api.Check
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// New builds the pipeline from cfg. It fails fast: any connector that cannot
// be constructed or reached aborts startup, and everything opened so far is
// closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, checks: map[string]api.Check{}}
	built := false
	defer func() {
		if !built {
			a.Close(context.Background())
		}
	}()

	clock := system.New()

	var err error
	if a.queue, err = a.buildQueue(ctx); err != nil {
		return nil, err
	}
	collectors, err := a.buildCollectors(clock)
	if err != nil {
		return nil, err
	}
	schemas, err := validation.LoadRegistry(cfg.Schemas.Path)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	if a.stores, err = a.buildStores(ctx); err != nil {
		return nil, err
	}
	if a.deadLetter, err = a.buildDeadLetter(ctx); err != nil {
		return nil, err
	}
	policy, err := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Dependencies{
		Queue:      a.queue,
		Collectors: collectors,
		Schemas:    schemas,
		Validator:  validation.New(sha256.New()),
		Stores:     a.stores,
		DeadLetter: a.deadLetter,
		Policy:     policy,
		Clock:      clock,
	}, orchestratorConfig(cfg.Worker), logger.Named("orchestrator"))
	if err != nil {
		return nil, err
	}

	reader, _ := a.deadLetter.(api.DeadLetterReader)
	a.server = api.NewServer(api.Options{
		Publisher:   a.queue,
		DeadLetters: reader,
		Checks:      a.checks,
		IDGen:       uuid.New(),
		Clock:       clock,
		Auth:        cfg.Auth,
		Logger:      logger.Named("api"),
	})
	logger.Info("pipeline initialized",
		zap.String("broker", cfg.Broker.Kind),
		zap.Int("stores", len(a.stores)),
		zap.String("dead_letter", cfg.DeadLetter.Kind),
		zap.Int("pool_size", cfg.Worker.PoolSize),
	)
	built = true
	return a, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Queue returns the job queue.
func (a *App) Queue() pipeline.Queue {
	return a.queue
}

// Stores returns the enabled storage connectors in write order.
func (a *App) Stores() []pipeline.Storage {
	return a.stores
}

// DeadLetter returns the configured dead-letter sink.
func (a *App) DeadLetter() pipeline.DeadLetterSink {
	return a.deadLetter
}

// Run serves HTTP and runs the worker pool until ctx ends, then drains the
// pool and shuts the server down. A server failure stops the workers too.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			cancel()
			return
		}
		serveErr <- nil
	}()

	runErr := a.orchestrator.Run(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return runErr
}

// Close releases connectors in reverse order of construction.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// NewQueue builds the configured queue connector. Callers own Close.
func NewQueue(ctx context.Context, cfg config.BrokerConfig, logger *zap.Logger) (pipeline.Queue, func() error, error) {
	switch cfg.Kind {
	case config.BrokerMemory:
		q := queuememory.NewQueue()
		return q, q.Close, nil
	case config.BrokerAMQP:
		q, err := amqp.New(ctx, amqp.Config{
			URL:      cfg.URL,
			Queue:    cfg.Queue,
			Prefetch: cfg.Prefetch,
			Reconnect: amqp.ReconnectConfig{
				MaxAttempts: cfg.Reconnect.MaxAttempts,
				BaseDelay:   cfg.Reconnect.BaseDelay,
				MaxDelay:    cfg.Reconnect.MaxDelay,
			},
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect broker: %w", err)
		}
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

func (a *App) buildQueue(ctx context.Context) (pipeline.Queue, error) {
	q, closeFn, err := NewQueue(ctx, a.cfg.Broker, a.logger.Named("queue"))
	if err != nil {
		return nil, err
	}
	a.addCloser("queue", func(context.Context) error { return closeFn() })
	return q, nil
}

func (a *App) buildCollectors(clock pipeline.Clock) (*collector.Registry, error) {
	reg := collector.NewRegistry()
	cc := a.cfg.Collectors
	if cc.API.Enabled {
		c := apicollector.New(apicollector.Config{
			BaseURL:   cc.API.BaseURL,
			APIKey:    cc.API.APIKey,
			Username:  cc.API.Username,
			Password:  cc.API.Password,
			UserAgent: cc.API.UserAgent,
			Timeout:   cc.API.Timeout,
			RateLimit: ratelimit.Config{RPS: cc.API.RateLimit.RPS, Burst: cc.API.RateLimit.Burst},
		}, nil, clock, a.logger.Named("collector.api"))
		if err := reg.Register(pipeline.JobTypeAPI, c); err != nil {
			return nil, err
		}
	}
	if cc.Scrape.Enabled {
		c, err := scrape.New(scrape.Config{
			UserAgent:          cc.Scrape.UserAgent,
			Proxy:              cc.Scrape.Proxy,
			RespectRobots:      cc.Scrape.RespectRobots,
			Timeout:            cc.Scrape.Timeout,
			PromotionThreshold: cc.Scrape.PromotionThreshold,
			Render:             cc.Scrape.Headless.Enabled,
			Headless: scrape.RenderConfig{
				MaxParallel:       cc.Scrape.Headless.MaxParallel,
				UserAgent:         cc.Scrape.UserAgent,
				Proxy:             cc.Scrape.Proxy,
				NavigationTimeout: cc.Scrape.Headless.NavigationTimeout,
			},
			RateLimit: ratelimit.Config{RPS: cc.Scrape.RateLimit.RPS, Burst: cc.Scrape.RateLimit.Burst},
		}, clock, a.logger.Named("collector.scrape"))
		if err != nil {
			return nil, fmt.Errorf("scrape collector: %w", err)
		}
		a.addCloser("collector.scrape", func(context.Context) error { c.Close(); return nil })
		if err := reg.Register(pipeline.JobTypeScrape, c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// postgresPool opens the shared pool on first use.
func (a *App) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pc := a.cfg.Storage.Postgres
	pool, err := storagepg.NewPool(ctx, storagepg.PoolConfig{
		DSN:             pc.DSN,
		MaxConns:        pc.MaxConns,
		MinConns:        pc.MinConns,
		MaxConnLifetime: pc.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.addCloser("postgres", func(context.Context) error { pool.Close(); return nil })
	a.checks["postgres"] = pool.Ping
	return pool, nil
}

func (a *App) buildStores(ctx context.Context) ([]pipeline.Storage, error) {
	sc := a.cfg.Storage
	var stores []pipeline.Storage

	if sc.Postgres.Enabled {
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		s, err := storagepg.NewRecordStore(pool, sc.Postgres.Table)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	if sc.Mongo.Enabled {
		coll, err := storagemongo.Connect(ctx, storagemongo.Config{
			URI:        sc.Mongo.URI,
			Database:   sc.Mongo.Database,
			Collection: sc.Mongo.Collection,
		})
		if err != nil {
			return nil, err
		}
		s, err := storagemongo.NewRecordStore(coll)
		if err != nil {
			return nil, err
		}
		a.addCloser("mongo", s.Close)
		stores = append(stores, s)
	}
	if sc.OpenSearch.Enabled {
		s, err := opensearch.New(opensearch.Config{
			Addresses: sc.OpenSearch.Addresses,
			Username:  sc.OpenSearch.Username,
			Password:  sc.OpenSearch.Password,
			Index:     sc.OpenSearch.Index,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	if sc.GCS.Enabled {
		client, err := gcs.NewClient(ctx, sc.GCS.Bucket, a.logger.Named("gcs"))
		if err != nil {
			return nil, err
		}
		s, err := gcs.New(client, gcs.Config{Bucket: sc.GCS.Bucket, Prefix: sc.GCS.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.addCloser("gcs", func(context.Context) error { return s.Close() })
		stores = append(stores, s)
	}
	if sc.Memory.Enabled {
		stores = append(stores, storagememory.NewRecordStore("memory"))
	}

	for _, s := range stores {
		if p, ok := s.(pinger); ok {
			a.checks["storage."+s.Name()] = p.Ping
		}
	}
	return stores, nil
}

func (a *App) buildDeadLetter(ctx context.Context) (pipeline.DeadLetterSink, error) {
	dc := a.cfg.DeadLetter
	switch dc.Kind {
	case config.DeadLetterMemory:
		return dlmemory.New(), nil
	case config.DeadLetterPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		sink, err := dlpostgres.New(pool, dc.Table)
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	case config.DeadLetterPubSub:
		client, err := gpubsub.NewClient(ctx, dc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(dc.Topic)
		ok, err := topic.Exists(ctx)
		if err != nil || !ok {
			_ = client.Close()
			if err == nil {
				err = fmt.Errorf("topic %q does not exist", dc.Topic)
			}
			return nil, fmt.Errorf("dead-letter topic: %w", err)
		}
		sink, err := dlpubsub.New(topic)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.addCloser("pubsub", func(context.Context) error {
			sink.Close()
			return client.Close()
		})
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown dead-letter kind %q", dc.Kind)
	}
}

func orchestratorConfig(wc config.WorkerConfig) orchestrator.Config {
	timeouts := make(map[pipeline.JobType]time.Duration, len(wc.FetchTimeouts))
	for jobType, d := range wc.FetchTimeouts {
		timeouts[pipeline.JobType(jobType)] = d
	}
	return orchestrator.Config{
		PoolSize:      wc.PoolSize,
		FetchTimeout:  wc.FetchTimeout,
		FetchTimeouts: timeouts,
		StoreTimeout:  wc.StoreTimeout,
		DrainTimeout:  wc.DrainTimeout,
		RestartDelay:  wc.RestartDelay,
	}
}
