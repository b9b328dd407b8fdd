package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes ledger events to a topic. All events of one ledger
// share a message key and therefore a partition, which keeps them ordered.
type KafkaQueue struct {
	writer messageWriter
	key    []byte
}

func NewKafkaQueue(brokers []string, topic string, ledgerID string) *KafkaQueue {
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
		key: []byte(ledgerID),
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, event domain.LedgerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:   q.key,
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	})
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// Consumer reads ledger events from a consumer group and applies them.
// Every message is committed once handled, whether or not the handler
// succeeded; a manual ledger refresh repairs any drift left behind.
type Consumer struct {
	reader  messageReader
	handler Handler
	log     logrus.FieldLogger
}

func NewConsumer(brokers []string, topic string, groupID string, handler Handler, logger logrus.FieldLogger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		handler: handler,
		log:     logger.WithField("component", "outbox-consumer"),
	}
}

// Run blocks until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch ledger event: %w", err)
		}

		var event domain.LedgerEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("dropping malformed ledger event")
		} else {
			_ = handleSafely(ctx, c.handler, event, c.log)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit ledger event: %w", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
