// Package app composes stores, topology, catalog, engine, notifications, ingestion and HTTP into one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"grainwatch/internal/alerts"
	"grainwatch/internal/api"
	"grainwatch/internal/catalog"
	"grainwatch/internal/clock"
	"grainwatch/internal/config"
	"grainwatch/internal/engine"
	"grainwatch/internal/ingest"
	"grainwatch/internal/logging"
	"grainwatch/internal/metrics"
	"grainwatch/internal/notify"
	"grainwatch/internal/notifyqueue"
	"grainwatch/internal/readings"
	"grainwatch/internal/storage"
	"grainwatch/internal/topology"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable grainwatch service.
type Service struct {
	source   config.ConfigSource
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	db         *sql.DB
	alertStore alerts.Store
	readings   readings.Store
	topoSource topology.Source
	resolver   *topology.Resolver
	catalog    *catalog.Catalog
	manager    *alerts.Manager
	pool       *engine.Pool
	engine     *engine.Engine

	notifyPub    notifyqueue.Producer
	notifyWorker notifyqueue.Worker

	natsSub   *ingest.NATSSubscriber
	mqttSub   *ingest.MQTTSubscriber
	kafka     *ingest.KafkaConsumer
	watcher   *catalog.Watcher
	httpSrv   *http.Server
	readyFlag atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation (real clock when nil).
// Returns: initialized service with topology and catalog loaded, or setup error.
func NewService(ctx context.Context, source config.ConfigSource, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}
	steps := []func(context.Context) error{
		service.buildStores,
		service.buildTopology,
		service.buildCatalog,
		service.buildNotify,
		service.buildIngest,
		service.buildHTTPServer,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	logger.Info("service initialized",
		"name", cfg.Service.Name,
		"mode", cfg.Service.Mode,
		"alerts_store", cfg.Store.Alerts,
		"readings_store", cfg.Store.Readings,
		"catalog_source", cfg.Catalog.Source,
		"topology_source", cfg.Topology.Source,
	)
	return service, nil
}

// Engine exposes the trigger engine for embedding and tests.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Alerts exposes the lifecycle manager for embedding and tests.
func (s *Service) Alerts() *alerts.Manager {
	return s.manager
}

// Handler returns the HTTP router.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Service) needsPostgres() bool {
	return s.cfg.Store.Alerts == config.StorePostgres ||
		s.cfg.Catalog.Source == config.SourcePostgres ||
		s.cfg.Topology.Source == config.SourcePostgres
}

func (s *Service) natsURLs() []string {
	return s.cfg.Ingest.NATS.URL
}

// buildStores opens the shared Postgres pool and the alert and reading stores.
func (s *Service) buildStores(ctx context.Context) error {
	if s.needsPostgres() {
		db, err := storage.Open(ctx, s.cfg.Store.Postgres)
		if err != nil {
			return err
		}
		s.db = db
		if s.cfg.Store.Postgres.Migrate {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
		}
	}

	switch s.cfg.Store.Alerts {
	case config.StorePostgres:
		s.alertStore = alerts.NewPostgresStore(s.db)
	case config.StoreNATS:
		store, err := alerts.NewNATSStore(s.natsURLs(), s.cfg.Store.NATS)
		if err != nil {
			return err
		}
		s.alertStore = store
	default:
		s.alertStore = alerts.NewMemoryStore()
	}
	s.manager = alerts.NewManager(s.alertStore, s.clock, s.logger.With("component", "alerts"))

	floor := time.Duration(s.cfg.Store.RetentionDays) * 24 * time.Hour
	switch s.cfg.Store.Readings {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Store.Redis.Addr,
			Password: s.cfg.Store.Redis.Password,
			DB:       s.cfg.Store.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis %s: %w", s.cfg.Store.Redis.Addr, err)
		}
		s.readings = readings.NewRedisStore(client, s.cfg.Store.Redis.KeyPrefix, floor)
	default:
		s.readings = readings.NewMemoryStore()
	}
	return nil
}

// buildTopology loads the first tree; the resolver caches scope resolution on top of it.
func (s *Service) buildTopology(ctx context.Context) error {
	switch s.cfg.Topology.Source {
	case config.SourcePostgres:
		s.topoSource = topology.NewPostgresSource(s.db)
	default:
		s.topoSource = topology.NewConfigSource(s.source)
	}
	tree, err := s.topoSource.Load(ctx)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	s.resolver = topology.NewResolver(tree)
	orgs, sites, compounds, cells := tree.Size()
	s.logger.Info("topology loaded", "organizations", orgs, "sites", sites, "compounds", compounds, "cells", cells)
	return nil
}

// buildCatalog loads triggers; removed triggers detach their alerts.
func (s *Service) buildCatalog(ctx context.Context) error {
	var source catalog.Source
	switch s.cfg.Catalog.Source {
	case config.SourcePostgres:
		source = catalog.NewPostgresSource(s.db, s.logger)
	default:
		source = catalog.NewConfigSource(s.source)
	}
	s.catalog = catalog.New(source, s.resolver, s.logger.With("component", "catalog"),
		catalog.WithDeletionHook(func(ctx context.Context, triggerID string) {
			if _, err := s.manager.DetachTrigger(ctx, triggerID); err != nil {
				s.logger.Error("detach deleted trigger failed", "trigger_id", triggerID, "error", err.Error())
			}
		}),
	)
	if _, err := s.catalog.Refresh(ctx); err != nil {
		return err
	}
	s.applyRetention()
	return nil
}

// buildNotify wires delivery channels, the queue and the engine that feeds it.
func (s *Service) buildNotify(_ context.Context) error {
	registry, err := notify.NewRegistry(s.cfg.Notify, s.logger)
	if err != nil {
		return err
	}
	deliverer := notify.NewDeliverer(registry, s.cfg.Notify.Retry, s.logger.With("component", "notify"))

	if s.cfg.Service.Mode == config.ServiceModeNATS {
		producer, err := notifyqueue.NewNATSProducer(s.natsURLs(), s.cfg.Notify.Queue)
		if err != nil {
			return err
		}
		s.notifyPub = producer
		worker, err := notifyqueue.NewNATSWorker(s.natsURLs(), s.cfg.Notify.Queue, s.logger, deliverer.Deliver)
		if err != nil {
			return err
		}
		s.notifyWorker = worker
	} else {
		queue := notifyqueue.NewLocalQueue(s.cfg.Notify.Queue.Workers, s.cfg.Notify.Queue.Size, deliverer.Deliver, s.logger)
		s.notifyPub = queue
		s.notifyWorker = queue
	}

	dispatcher := notify.NewDispatcher(s.notifyPub, s.cfg.Notify.DefaultLocale, s.clock, s.logger)
	s.pool = engine.NewPool(s.cfg.Service.Workers, s.cfg.Service.QueueSize, s.logger)
	s.engine = engine.New(engine.Deps{
		Readings:  s.readings,
		Catalog:   s.catalog,
		Scope:     s.resolver,
		Lifecycle: s.manager,
		Notifier:  dispatcher,
		Clock:     s.clock,
		Logger:    s.logger.With("component", "engine"),
		Pool:      s.pool,
	})
	return nil
}

// buildIngest starts broker subscriptions; HTTP ingest is mounted in buildHTTPServer.
func (s *Service) buildIngest(_ context.Context) error {
	decoder := ingest.NewDecoder(s.resolver)
	if s.cfg.Ingest.NATS.Enabled {
		subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, decoder, s.engine, s.logger)
		if err != nil {
			return err
		}
		s.natsSub = subscriber
	}
	if s.cfg.Ingest.MQTT.Enabled {
		subscriber, err := ingest.NewMQTTSubscriber(s.cfg.Ingest.MQTT, decoder, s.engine, s.logger)
		if err != nil {
			return err
		}
		s.mqttSub = subscriber
	}
	if s.cfg.Ingest.Kafka.Enabled {
		consumer, err := ingest.NewKafkaConsumer(s.cfg.Ingest.Kafka, decoder, s.engine, s.logger)
		if err != nil {
			return err
		}
		s.kafka = consumer
	}
	if s.cfg.Catalog.WatchEnabled {
		s.watcher = catalog.NewWatcher(s.refreshCatalog, s.reloadTopology, s.logger)
		if err := s.watcher.Subscribe(s.natsURLs(), s.cfg.Catalog.ChangeSubject); err != nil {
			return err
		}
	}
	return nil
}

// buildHTTPServer wires router with health, metrics, ingest and alert API endpoints.
func (s *Service) buildHTTPServer(_ context.Context) error {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, promhttp.Handler())

	if httpCfg.Enabled {
		mux.Handle(httpCfg.IngestPath, ingest.NewHTTPHandler(s.engine, ingest.NewDecoder(s.resolver), httpCfg.MaxBodyBytes, s.logger))
	}
	if s.cfg.API.IsEnabled() {
		api.NewHandler(s.manager, s.cfg.API, s.logger.With("component", "api")).Register(mux)
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.pool.Start(runCtx)

	errChan := make(chan error, 2)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var loops sync.WaitGroup
	if s.kafka != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := s.kafka.Run(runCtx); err != nil {
				errChan <- err
			}
		}()
	}
	if s.watcher != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.watcher.Run(runCtx)
		}()
	}
	s.every(runCtx, &loops, "sweep", s.cfg.Service.SweepIntervalSec, s.sweep)
	s.every(runCtx, &loops, "catalog refresh", s.cfg.Catalog.RefreshIntervalSec, s.refreshCatalog)
	s.every(runCtx, &loops, "topology reload", s.cfg.Topology.ReloadIntervalSec, s.reloadTopology)
	s.every(runCtx, &loops, "reading prune", s.cfg.Service.PruneIntervalSec, s.prune)

	s.readyFlag.Store(true)
	s.logger.Info("service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case <-sigChan:
	case err := <-errChan:
		runErr = err
	}
	s.readyFlag.Store(false)
	cancel()
	loops.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// every runs fn on a ticker until ctx is done; non-positive interval disables the loop.
func (s *Service) every(ctx context.Context, wg *sync.WaitGroup, name string, intervalSec int, fn func(context.Context) error) {
	if intervalSec <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error(name+" failed", "error", err.Error())
				}
			}
		}
	}()
}

func (s *Service) sweep(ctx context.Context) error {
	pairs, err := s.engine.Sweep(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("sweep completed", "pairs", pairs)
	return nil
}

func (s *Service) refreshCatalog(ctx context.Context) error {
	if _, err := s.catalog.Refresh(ctx); err != nil {
		return err
	}
	s.applyRetention()
	return nil
}

func (s *Service) reloadTopology(ctx context.Context) error {
	tree, err := s.topoSource.Load(ctx)
	if err != nil {
		metrics.CatalogRefreshErrors.WithLabelValues("topology").Inc()
		return fmt.Errorf("reload topology: %w", err)
	}
	s.resolver.ReplaceTree(tree)
	return nil
}

// prune drops history older than the longest CHANGE window or the retention floor.
func (s *Service) prune(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.retention())
	removed, err := s.readings.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("readings pruned", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

func (s *Service) retention() time.Duration {
	floor := time.Duration(s.cfg.Store.RetentionDays) * 24 * time.Hour
	return readings.Retention(s.catalog.Active(), floor)
}

func (s *Service) applyRetention() {
	if store, ok := s.readings.(interface{ SetRetention(time.Duration) }); ok {
		store.SetRetention(s.retention())
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	markErr("http server", s.httpSrv.Shutdown(ctx))
	s.closeIngest(markErr)
	s.pool.Stop()
	s.closeBackends(markErr)
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

func (s *Service) closeIngest(markErr func(string, error)) {
	if s.watcher != nil {
		markErr("catalog watcher", s.watcher.Close())
		s.watcher = nil
	}
	if s.natsSub != nil {
		markErr("nats subscriber", s.natsSub.Close())
		s.natsSub = nil
	}
	if s.mqttSub != nil {
		markErr("mqtt subscriber", s.mqttSub.Close())
		s.mqttSub = nil
	}
	if s.kafka != nil {
		markErr("kafka consumer", s.kafka.Close())
		s.kafka = nil
	}
}

// closeBackends flushes notifications before stores go away.
func (s *Service) closeBackends(markErr func(string, error)) {
	if s.notifyWorker != nil {
		markErr("notify worker", s.notifyWorker.Close())
	}
	if s.notifyPub != nil && any(s.notifyPub) != any(s.notifyWorker) {
		markErr("notify producer", s.notifyPub.Close())
	}
	s.notifyWorker, s.notifyPub = nil, nil
	if s.readings != nil {
		markErr("reading store", s.readings.Close())
		s.readings = nil
	}
	if s.alertStore != nil {
		markErr("alert store", s.alertStore.Close())
		s.alertStore = nil
	}
	if s.db != nil {
		markErr("postgres", s.db.Close())
		s.db = nil
	}
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	ignore := func(string, error) {}
	s.closeIngest(ignore)
	if s.pool != nil {
		s.pool.Stop()
	}
	s.closeBackends(ignore)
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument counts requests by matched route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(recorder, request)
		route := request.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(request.Method, route, strconv.Itoa(recorder.status)).Inc()
	})
}
