package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TravisMcGray/territory-app/internal/api"
	"github.com/TravisMcGray/territory-app/internal/auth"
	"github.com/TravisMcGray/territory-app/internal/config"
	"github.com/TravisMcGray/territory-app/internal/domain"
	"github.com/TravisMcGray/territory-app/internal/geo"
	"github.com/TravisMcGray/territory-app/internal/outbox"
	"github.com/TravisMcGray/territory-app/internal/persistence/memory"
	"github.com/TravisMcGray/territory-app/internal/persistence/postgres"
	httptransport "github.com/TravisMcGray/territory-app/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var (
		store      domain.Store
		dispatcher *outbox.Dispatcher
		drained    chan struct{}
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		mem := memory.New()
		store = mem
		drained = make(chan struct{})
		go drainMemoryOutbox(ctx, mem, cfg.OutboxPollInterval, logger, drained)
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()
		store = postgres.NewRepository(pool)

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, nil)
		go dispatcher.Start(ctx)
	}

	service := domain.NewService(store, geo.NewProcessor(cfg.CellResolution), cfg.Engine(), domain.WithLogger(logger))

	router := mux.NewRouter()
	api.NewHandler(service).RegisterRoutes(router)
	router.Use(auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}).Wrap)

	var handler http.Handler = router
	handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handler)
	handler = handlers.CORS(
		handlers.AllowedOrigins([]string{cfg.CORSOrigin}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(handler)
	handler = handlers.LoggingHandler(os.Stdout, handler)

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), handler)
	metricsSrv := httptransport.NewMetricsServer(cfg.MetricsAddress)

	httptransport.Serve(server, "territory-api")
	httptransport.Serve(metricsSrv, "territory-api metrics")

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	cancel()

	httptransport.Shutdown(server, 15*time.Second)
	httptransport.Shutdown(metricsSrv, 5*time.Second)

	if dispatcher != nil {
		dispatcher.Wait()
	}
	if drained != nil {
		<-drained
	}
}

// drainMemoryOutbox stands in for the Kafka dispatcher when events never leave the process.
func drainMemoryOutbox(ctx context.Context, store *memory.Store, interval time.Duration, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func() {
		for _, rec := range store.DrainOutbox() {
			logger.Info("event emitted",
				"event_type", rec.EventType,
				"topic", rec.Topic,
				"aggregate_id", rec.AggregateID,
				"partition_key", rec.PartitionKey,
				"payload", string(rec.Payload),
			)
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
