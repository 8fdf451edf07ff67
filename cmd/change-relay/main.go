package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/pios-pos/internal/backend/postgres"
	"github.com/jogardn/pios-pos/internal/config"
	"github.com/jogardn/pios-pos/internal/events"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
)

// relay forwards every database change notification to its Kafka topic.
type relay struct {
	producer *events.KafkaProducer
}

func (r *relay) HandleChange(ctx context.Context, change models.Change) error {
	return r.producer.PublishChange(change)
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(os.Getenv("POS_CONFIG"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Service.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	listener := postgres.NewListener(cfg.Database.DSN(), &relay{producer: producer}, logger)
	// Oversized rows are relayed in full so Kafka consumers never see a
	// truncated notification.
	listener.SetFetcher(postgres.NewRepository(db, logger))
	listener.OnReconnect(func() {
		// Consumers detect the gap through their drift audit.
		logger.Warn("Notifications lost while disconnected were not relayed")
	})

	logger.WithFields(logrus.Fields{
		"brokers": cfg.Kafka.Brokers,
		"topics":  []string{events.OrderChangesTopic, events.TableChangesTopic},
	}).Info("Change relay started")

	if err := listener.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Change relay failed")
	}
	logger.Info("Change relay stopped")
}
