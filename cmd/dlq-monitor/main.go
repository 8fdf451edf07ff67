package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/jogardn/pios-pos/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	kafkaBrokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
	replay, _ := strconv.ParseBool(getEnv("DLQ_REPLAY", "false"))
	maxReplays, _ := strconv.Atoi(getEnv("DLQ_MAX_REPLAYS", "0"))

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(kafkaBrokers, "pos-dlq-monitor", config)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	handler := &dlqHandler{logger: logger}
	if replay {
		producer, err := sarama.NewSyncProducer(kafkaBrokers, config)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create replay producer")
		}
		defer producer.Close()
		handler.replayer = events.NewReplayer(producer, maxReplays, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for ctx.Err() == nil {
			if err := consumer.Consume(ctx, []string{events.ChangesDLQTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.WithError(err).Error("Error consuming from DLQ")
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  events.ChangesDLQTopic,
		"replay": replay,
	}).Info("DLQ monitor started")

	<-ctx.Done()
	logger.Info("Shutting down DLQ monitor...")
}

type dlqHandler struct {
	replayer *events.Replayer
	logger   *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		entry := events.ParseDLQMessage(message)

		fields := logrus.Fields{
			"key":            entry.Key,
			"partition":      entry.Partition,
			"offset":         entry.Offset,
			"original_topic": entry.Metadata.OriginalTopic,
			"retry_count":    entry.Metadata.RetryCount,
			"error":          entry.Metadata.ErrorMessage,
			"last_failure":   entry.Metadata.LastFailure,
		}
		if entry.Change != nil {
			fields["relation"] = entry.Change.Relation
			fields["kind"] = entry.Change.Kind
		} else {
			fields["decode_error"] = entry.DecodeError
		}
		h.logger.WithFields(fields).Warn("DLQ message detected")

		if h.replayer != nil {
			if err := h.replayer.Replay(entry); err != nil {
				h.logger.WithError(err).WithField("key", entry.Key).Error("DLQ message not replayed")
			}
		}

		session.MarkMessage(message, "")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
