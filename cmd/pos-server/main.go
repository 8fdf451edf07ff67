package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/pios-pos/internal/backend/postgres"
	"github.com/jogardn/pios-pos/internal/circuitbreaker"
	"github.com/jogardn/pios-pos/internal/config"
	"github.com/jogardn/pios-pos/internal/drift"
	"github.com/jogardn/pios-pos/internal/events"
	"github.com/jogardn/pios-pos/internal/orders"
	"github.com/jogardn/pios-pos/internal/projector"
	"github.com/jogardn/pios-pos/internal/realtime"
	"github.com/jogardn/pios-pos/internal/store"
	"github.com/jogardn/pios-pos/internal/telemetry"
	"github.com/jogardn/pios-pos/internal/websocket"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("POS_CONFIG"), "path to YAML config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Service.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: cfg.Service.Name,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)

	db, err := postgres.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		logger.WithError(err).Fatal("Failed to create tables")
	}
	if err := postgres.EnsureTables(ctx, db, cfg.Service.Tables); err != nil {
		logger.WithError(err).Fatal("Failed to provision dining tables")
	}
	repo := postgres.NewRepository(db, logger)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		MaxRequests: cfg.Breaker.MaxRequests,
		IsFailure: func(err error) bool {
			return !errors.Is(err, models.ErrNotFound) && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}, logger)

	st := store.New(store.Options{Location: cfg.Location()}, logger)
	defer st.Close()

	tables := projector.New(repo, breakers.Get("tables"), logger)
	service := orders.NewService(repo, st, tables, breakers, logger)

	if cfg.Kafka.PublishPaid {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		service.SetPublisher(producer)
	}

	dispatcher := realtime.NewDispatcher(st, tables, logger)

	hub := websocket.NewHub(cfg.Service.AllowedOrigins, logger)
	detach := hub.Attach(st)
	defer detach()

	auditor := drift.NewAuditor(repo, st, logger)

	handler := orders.NewHandler(service, breakers, logger)
	handler.SetAuditor(auditor)
	handler.SetPinger(repo)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.HandleFunc("/ws", hub.HandleWebSocket)
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      otelhttp.NewHandler(router, cfg.Service.Name),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	// The feed is subscribed before the initial load so no change committed
	// during the load is lost; the store reconciles both.
	switch cfg.Realtime.Transport {
	case config.TransportKafka:
		consumer, err := events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, nil, dispatcher, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Start(ctx)
		})
	default:
		listener := postgres.NewListener(cfg.Database.DSN(), dispatcher, logger)
		listener.SetFetcher(repo)
		listener.OnReconnect(func() {
			go service.Load(ctx)
		})
		g.Go(func() error {
			return listener.Start(ctx)
		})
	}

	g.Go(func() error {
		if err := service.Load(ctx); err != nil {
			logger.WithError(err).Warn("Starting with an incomplete order list")
		}
		return nil
	})

	g.Go(func() error {
		runDayRollover(ctx, st, service, cfg.Location(), logger)
		return nil
	})

	if cfg.Realtime.AuditInterval > 0 {
		g.Go(func() error {
			runDriftAudit(ctx, auditor, service, cfg.Realtime.AuditInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		logger.WithField("port", cfg.Service.Port).Info("Starting point-of-sale server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to flush traces")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
	}
	logger.Info("Server gracefully stopped")
}

// runDayRollover drops yesterday's orders at local midnight and reloads.
func runDayRollover(ctx context.Context, st *store.Store, service *orders.Service, loc *time.Location, logger *logrus.Logger) {
	for {
		_, next := store.DayWindow(time.Now(), loc)
		timer := time.NewTimer(time.Until(next) + time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		removed := st.Prune()
		logger.WithField("removed", removed).Info("New business day started")
		if err := service.Load(ctx); err != nil {
			logger.WithError(err).Warn("Reload after day rollover incomplete")
		}
	}
}

// runDriftAudit compares the store with the backend periodically and
// reloads when orders went missing locally.
func runDriftAudit(ctx context.Context, auditor *drift.Auditor, service *orders.Service, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err := auditor.Audit(ctx)
		if err != nil {
			logger.WithError(err).Warn("Drift audit failed")
			continue
		}
		if report.Drifted() {
			logger.WithFields(logrus.Fields{
				"critical_issues": report.CriticalIssues,
				"score":           report.ConsistencyScore,
			}).Warn("Local orders drifted from backend, reloading")
			if err := service.Load(ctx); err != nil {
				logger.WithError(err).Warn("Reload after drift incomplete")
			}
		}
	}
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
