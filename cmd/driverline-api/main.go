// README: Entry point; loads config, wires stores, services and sinks, starts the HTTP server.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"driverline/internal/config"
	"driverline/internal/events"
	httptransport "driverline/internal/http"
	"driverline/internal/infra"
	"driverline/internal/logging"
	"driverline/internal/maps"
	"driverline/internal/modules/history"
	"driverline/internal/modules/profile"
	"driverline/internal/modules/ride"
)

const routeTimeout = 8 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("DRIVERLINE_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	defer fb.Close()

	var dbPool *pgxpool.Pool
	needDB := cfg.Store.Backend == config.StorePostgres || cfg.Events.Backend == config.EventsPostgres
	if needDB {
		dbPool, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer dbPool.Close()
	}

	var store ride.Store
	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("using in-memory ride store; state is lost on restart")
		store = ride.NewMemoryStore()
	case config.StorePostgres:
		store = ride.NewPostgresStore(dbPool, cfg.Session.PollInterval, logger)
	default:
		store = ride.NewFirebaseStore(fb.RTDB, cfg.Firebase.RidesPath, cfg.Session.PollInterval, logger)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable; caches disabled", "addr", cfg.Redis.Addr, "err", err)
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	routes, err := maps.NewRouteProvider(cfg.Maps.GoogleAPIKey, cfg.Maps.OSRMURL)
	if err != nil {
		logger.Warn("directions disabled", "err", err)
	}

	var geocoders maps.GeocoderChain
	if cfg.Maps.GoogleAPIKey != "" {
		g, err := maps.NewGeocodeService(cfg.Maps.GoogleAPIKey)
		if err != nil {
			logger.Warn("google geocoder disabled", "err", err)
		} else {
			geocoders = append(geocoders, g)
		}
	}
	if cfg.Maps.NominatimURL != "" {
		geocoders = append(geocoders, maps.NewNominatimClient(cfg.Maps.NominatimURL))
	}
	var labeler *maps.Labeler
	if len(geocoders) > 0 {
		labeler = maps.NewLabeler(geocoders, rdb, 24*time.Hour, logger)
	}

	sink, closeSink, err := newEventSink(cfg, dbPool)
	if err != nil {
		log.Fatalf("event sink: %v", err)
	}
	defer closeSink()

	historySvc := history.NewService(history.NewFirestoreStore(fb.Firestore), logger)
	deps := ride.ServiceDeps{
		Store:          store,
		Archiver:       historySvc,
		Logger:         logger,
		ArchiveTimeout: cfg.Session.ArchiveTimeout,
	}
	if len(sink) > 0 {
		deps.Events = sink
	}
	rideSvc := ride.NewService(deps)
	profileSvc := profile.NewService(profile.NewFirestoreStore(fb.Firestore))

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Rides:        rideSvc,
		History:      historySvc,
		Profiles:     profileSvc,
		Labeler:      labeler,
		Routes:       routes,
		RouteCache:   maps.NewRouteCache(rdb, cfg.Session.RouteCacheTTL, logger),
		Verifier:     fb.Verifier,
		Logger:       logger,
		RouteTimeout: routeTimeout,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
		if err := rideSvc.Drain(shutdownCtx); err != nil {
			logger.Error("archival drain", "err", err)
		}
	}()

	logger.Info("listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Backend, "events", cfg.Events.Backend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	<-ctx.Done()
}

// newEventSink returns an empty Multi when events are disabled.
func newEventSink(cfg config.Config, dbPool *pgxpool.Pool) (events.Multi, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case config.EventsKafka:
		k := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		return events.Multi{k}, func() { _ = k.Close() }, nil
	case config.EventsAMQP:
		mq, err := infra.NewRabbitMQ(cfg.Events.AMQPURL)
		if err != nil {
			return nil, noop, err
		}
		a, err := events.NewAMQPSink(mq.Chan, cfg.Events.AMQPExchange)
		if err != nil {
			_ = mq.Close()
			return nil, noop, err
		}
		return events.Multi{a}, func() { _ = mq.Close() }, nil
	case config.EventsPostgres:
		return events.Multi{events.NewPostgresSink(dbPool)}, noop, nil
	}
	return nil, noop, nil
}
