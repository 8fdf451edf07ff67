package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

// DLQEntry is a dead-lettered change together with its failure metadata.
type DLQEntry struct {
	Key         string          `json:"key"`
	Partition   int32           `json:"partition"`
	Offset      int64           `json:"offset"`
	Metadata    MessageMetadata `json:"metadata"`
	Change      *models.Change  `json:"change,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
	Value       json.RawMessage `json:"-"`
}

func ParseDLQMessage(message *sarama.ConsumerMessage) DLQEntry {
	entry := DLQEntry{
		Key:       string(message.Key),
		Partition: message.Partition,
		Offset:    message.Offset,
		Value:     message.Value,
	}
	for _, header := range message.Headers {
		if string(header.Key) == "metadata" {
			if err := json.Unmarshal(header.Value, &entry.Metadata); err != nil {
				entry.DecodeError = fmt.Sprintf("metadata: %v", err)
			}
			break
		}
	}

	var change models.Change
	if err := json.Unmarshal(message.Value, &change); err != nil {
		entry.DecodeError = err.Error()
	} else {
		entry.Change = &change
	}
	return entry
}

// Replayer republishes dead-lettered changes to the topic they failed on.
type Replayer struct {
	producer   sarama.SyncProducer
	maxReplays int
	logger     *logrus.Logger
}

func NewReplayer(producer sarama.SyncProducer, maxReplays int, logger *logrus.Logger) *Replayer {
	if maxReplays <= 0 {
		maxReplays = DefaultRetryPolicy.MaxRetries * 2
	}
	return &Replayer{producer: producer, maxReplays: maxReplays, logger: logger}
}

// Replay sends entry back to its original topic. Undecodable payloads and
// entries that failed too often are refused.
func (r *Replayer) Replay(entry DLQEntry) error {
	if entry.Change == nil {
		return fmt.Errorf("%w: %s", models.ErrMalformedChange, entry.DecodeError)
	}
	if entry.Metadata.RetryCount >= r.maxReplays {
		r.logger.WithFields(logrus.Fields{
			"key":         entry.Key,
			"retry_count": entry.Metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	topic := entry.Metadata.OriginalTopic
	if topic == "" {
		var ok bool
		if topic, ok = TopicFor(entry.Change.Relation); !ok {
			return fmt.Errorf("%w: no topic for relation %q", models.ErrMalformedChange, entry.Change.Relation)
		}
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(entry.Key),
		Value: sarama.ByteEncoder(entry.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(entry.Metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := r.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"replay_topic":     topic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"key":              entry.Key,
	}).Info("Message replayed from DLQ")
	return nil
}
