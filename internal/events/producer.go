package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	OrderChangesTopic = "pos.changes.orders"
	TableChangesTopic = "pos.changes.tables"
	ChangesDLQTopic   = "pos.changes.dlq"
	OrderPaidTopic    = "pos.orders.paid"
)

// TopicFor returns the change topic that carries rows of relation.
func TopicFor(relation string) (string, bool) {
	switch relation {
	case models.RelationOrders:
		return OrderChangesTopic, true
	case models.RelationTables:
		return TableChangesTopic, true
	}
	return "", false
}

// OrderPaidEvent is published after a payment was recorded.
type OrderPaidEvent struct {
	OrderID       string               `json:"order_id"`
	Mesa          string               `json:"mesa"`
	Total         decimal.Decimal      `json:"total"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	SaleID        string               `json:"sale_id,omitempty"`
	CompletedAt   time.Time            `json:"completed_at"`
	EventTime     time.Time            `json:"event_time"`
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	// Rows of one id must land on one partition to keep their order.
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return NewKafkaProducerFromSync(producer, logger), nil
}

// NewKafkaProducerFromSync wraps an existing sarama producer.
func NewKafkaProducerFromSync(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, logger: logger}
}

// PublishChange forwards a row change to its relation's topic, keyed by the
// row id.
func (p *KafkaProducer) PublishChange(change models.Change) error {
	topic, ok := TopicFor(change.Relation)
	if !ok {
		return fmt.Errorf("%w: no topic for relation %q", models.ErrMalformedChange, change.Relation)
	}

	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(changeKey(change)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("change_kind"), Value: []byte(change.Kind)},
		},
	}
	return p.send(msg, logrus.Fields{"relation": change.Relation, "kind": change.Kind})
}

func (p *KafkaProducer) PublishOrderPaid(event OrderPaidEvent) error {
	event.EventTime = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: OrderPaidTopic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
	}
	return p.send(msg, logrus.Fields{"order_id": event.OrderID})
}

func (p *KafkaProducer) send(msg *sarama.ProducerMessage, fields logrus.Fields) error {
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", msg.Topic).Error("Failed to send message to Kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(fields).WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": partition,
		"offset":    offset,
	}).Info("Event published to Kafka")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// changeKey extracts the row id from whichever image the change carries.
func changeKey(change models.Change) string {
	var row struct {
		ID json.RawMessage `json:"id"`
	}
	for _, raw := range []json.RawMessage{change.Record, change.OldRecord} {
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, &row); err == nil && len(row.ID) > 0 {
			return strings.Trim(string(row.ID), `"`)
		}
	}
	return ""
}
