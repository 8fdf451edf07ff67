package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
)

// ChangeHandler applies change notifications delivered over Kafka.
type ChangeHandler interface {
	HandleChange(ctx context.Context, change models.Change) error
	IsRetryable(err error) bool
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	RetryCount     int64 `json:"retries"`
	DLQCount       int64 `json:"dead_lettered"`
	SuccessCount   int64 `json:"succeeded"`
	FailureCount   int64 `json:"failed"`
}

type consumerCounters struct {
	processed, retries, dlq, success, failure atomic.Int64
}

func (c *consumerCounters) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: c.processed.Load(),
		RetryCount:     c.retries.Load(),
		DLQCount:       c.dlq.Load(),
		SuccessCount:   c.success.Load(),
		FailureCount:   c.failure.Load(),
	}
}

// MessageMetadata travels in the "metadata" header of dead-lettered messages.
type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// KafkaConsumer reads change notifications from the change topics, retries
// retryable failures with exponential backoff and dead-letters the rest.
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *changeClaimHandler
	logger        *logrus.Logger
	topics        []string
}

func NewKafkaConsumer(brokers, groupID string, topics []string, handler ChangeHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	// A new group starts at the head of the topics; the initial store load
	// covers everything before it.
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), producerConfig)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	if len(topics) == 0 {
		topics = []string{OrderChangesTopic, TableChangesTopic}
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newChangeClaimHandler(handler, producer, DefaultRetryPolicy, logger),
		logger:        logger,
		topics:        topics,
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.logger.WithField("topics", c.topics).Info("Kafka change consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *KafkaConsumer) GetMetrics() ConsumerMetrics {
	return c.handler.metrics.snapshot()
}

type changeClaimHandler struct {
	handler  ChangeHandler
	producer sarama.SyncProducer
	policy   RetryPolicy
	logger   *logrus.Logger
	metrics  *consumerCounters
}

func newChangeClaimHandler(handler ChangeHandler, producer sarama.SyncProducer, policy RetryPolicy, logger *logrus.Logger) *changeClaimHandler {
	return &changeClaimHandler{
		handler:  handler,
		producer: producer,
		policy:   policy,
		logger:   logger,
		metrics:  &consumerCounters{},
	}
}

func (h *changeClaimHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *changeClaimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

// ConsumeClaim handles one partition. Messages of a partition are applied
// sequentially, which keeps per-row order since rows are keyed by id.
func (h *changeClaimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.deliver(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// deliver processes one message and dead-letters it when processing fails
// for good. It reports whether the handler accepted the message.
func (h *changeClaimHandler) deliver(ctx context.Context, message *sarama.ConsumerMessage) bool {
	h.metrics.processed.Add(1)

	err := h.process(ctx, message)
	if err == nil {
		h.metrics.success.Add(1)
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	h.logger.WithError(err).WithField("key", string(message.Key)).Error("Failed to process change after retries")
	h.metrics.failure.Add(1)
	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
	} else {
		h.metrics.dlq.Add(1)
	}
	return false
}

func (h *changeClaimHandler) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	var change models.Change
	if err := json.Unmarshal(message.Value, &change); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedChange, err)
	}

	delay := h.policy.InitialDelay
	for attempt := 0; ; attempt++ {
		err := h.handler.HandleChange(ctx, change)
		if err == nil {
			if attempt > 0 {
				h.logger.WithFields(logrus.Fields{
					"key":      string(message.Key),
					"attempts": attempt + 1,
				}).Info("Change applied after retries")
			}
			return nil
		}
		if !h.handler.IsRetryable(err) {
			return err
		}
		if attempt >= h.policy.MaxRetries {
			return fmt.Errorf("exhausted %d retries: %w", h.policy.MaxRetries, err)
		}

		h.logger.WithError(err).WithFields(logrus.Fields{
			"key":     string(message.Key),
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("Retryable error applying change")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		h.metrics.retries.Add(1)

		delay *= 2
		if delay > h.policy.MaxDelay {
			delay = h.policy.MaxDelay
		}
	}
}

func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) == "retry_count" {
			if n, err := strconv.Atoi(string(header.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}

func (h *changeClaimHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := time.Now()
	metadata := MessageMetadata{
		RetryCount:    retryCount(message) + 1,
		FirstFailure:  now,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: ChangesDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     ChangesDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}
