package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var errTransient = errors.New("backend timeout")

type fakeHandler struct {
	failures int
	err      error
	calls    int
	changes  []models.Change
}

func (f *fakeHandler) HandleChange(ctx context.Context, change models.Change) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.changes = append(f.changes, change)
	return nil
}

func (f *fakeHandler) IsRetryable(err error) bool {
	return errors.Is(err, errTransient)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, config)
}

var fastRetry = RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func changeMessage(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()
	order := &models.Order{ID: "o1", Mesa: "3", Status: models.StatusPending, Total: decimal.NewFromInt(1000), CreatedAt: time.Now()}
	change, err := models.NewOrderChange(models.ChangeInsert, order, nil)
	if err != nil {
		t.Fatal(err)
	}
	value, _ := json.Marshal(change)
	return &sarama.ConsumerMessage{Topic: OrderChangesTopic, Key: []byte("o1"), Value: value, Partition: 0, Offset: 7}
}

func TestDeliverSucceeds(t *testing.T) {
	producer := newMockProducer(t)
	defer producer.Close()
	handler := &fakeHandler{}
	h := newChangeClaimHandler(handler, producer, fastRetry, testLogger())

	if !h.deliver(context.Background(), changeMessage(t)) {
		t.Fatal("Expected message to be accepted")
	}
	if len(handler.changes) != 1 || handler.changes[0].Relation != models.RelationOrders {
		t.Errorf("Unexpected handled changes: %+v", handler.changes)
	}
	if m := h.metrics.snapshot(); m.SuccessCount != 1 || m.DLQCount != 0 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	producer := newMockProducer(t)
	defer producer.Close()
	handler := &fakeHandler{failures: 2, err: errTransient}
	h := newChangeClaimHandler(handler, producer, fastRetry, testLogger())

	if !h.deliver(context.Background(), changeMessage(t)) {
		t.Fatal("Expected message to succeed on the last retry")
	}
	if handler.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", handler.calls)
	}
	if m := h.metrics.snapshot(); m.RetryCount != 2 {
		t.Errorf("Expected 2 retries, got %+v", m)
	}
}

func TestDeliverDeadLettersExhaustedRetries(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndSucceed()
	defer producer.Close()
	handler := &fakeHandler{failures: 10, err: errTransient}
	h := newChangeClaimHandler(handler, producer, fastRetry, testLogger())

	if h.deliver(context.Background(), changeMessage(t)) {
		t.Fatal("Expected message to fail")
	}
	if handler.calls != 3 {
		t.Errorf("Expected 1 attempt plus 2 retries, got %d", handler.calls)
	}
	if m := h.metrics.snapshot(); m.DLQCount != 1 || m.FailureCount != 1 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
}

func TestDeliverDoesNotRetryPermanentErrors(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	defer producer.Close()
	handler := &fakeHandler{failures: 1, err: models.ErrMalformedChange}
	h := newChangeClaimHandler(handler, producer, fastRetry, testLogger())

	h.deliver(context.Background(), changeMessage(t))
	if handler.calls != 1 {
		t.Errorf("Expected a single attempt, got %d", handler.calls)
	}

	garbage := &sarama.ConsumerMessage{Topic: OrderChangesTopic, Key: []byte("x"), Value: []byte("not json")}
	if h.deliver(context.Background(), garbage) {
		t.Error("Expected undecodable message to fail")
	}
	if handler.calls != 1 {
		t.Error("Undecodable messages must not reach the handler")
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	producer := newMockProducer(t)
	defer producer.Close()
	handler := &fakeHandler{failures: 10, err: errTransient}
	slow := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}
	h := newChangeClaimHandler(handler, producer, slow, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if h.deliver(ctx, changeMessage(t)) {
		t.Fatal("Expected cancelled delivery to fail")
	}
	if m := h.metrics.snapshot(); m.DLQCount != 0 {
		t.Error("Cancelled deliveries must not be dead-lettered")
	}
}

func TestParseAndReplayDLQ(t *testing.T) {
	msg := changeMessage(t)
	metadata, _ := json.Marshal(MessageMetadata{RetryCount: 1, OriginalTopic: OrderChangesTopic, ErrorMessage: "boom"})
	msg.Headers = []*sarama.RecordHeader{{Key: []byte("metadata"), Value: metadata}}

	entry := ParseDLQMessage(msg)
	if entry.Change == nil || entry.Metadata.RetryCount != 1 || entry.Key != "o1" {
		t.Fatalf("Unexpected entry: %+v", entry)
	}

	producer := newMockProducer(t)
	producer.ExpectSendMessageAndSucceed()
	defer producer.Close()
	replayer := NewReplayer(producer, 2, testLogger())
	if err := replayer.Replay(entry); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	entry.Metadata.RetryCount = 2
	if err := replayer.Replay(entry); !errors.Is(err, ErrReplayLimit) {
		t.Errorf("Expected replay limit, got %v", err)
	}

	broken := ParseDLQMessage(&sarama.ConsumerMessage{Value: []byte("{")})
	if err := replayer.Replay(broken); !errors.Is(err, models.ErrMalformedChange) {
		t.Errorf("Expected malformed change, got %v", err)
	}
}

func TestPublishChangeRoutesByRelation(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var c models.Change
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		if c.Relation != models.RelationOrders {
			return errors.New("unexpected relation " + c.Relation)
		}
		return nil
	})
	defer producer.Close()
	p := NewKafkaProducerFromSync(producer, testLogger())

	msg := changeMessage(t)
	var change models.Change
	json.Unmarshal(msg.Value, &change)
	if err := p.PublishChange(change); err != nil {
		t.Fatalf("PublishChange failed: %v", err)
	}
	if changeKey(change) != "o1" {
		t.Errorf("Expected key o1, got %q", changeKey(change))
	}

	if err := p.PublishChange(models.Change{Relation: "pockets"}); !errors.Is(err, models.ErrMalformedChange) {
		t.Errorf("Expected error for unknown relation, got %v", err)
	}
}
